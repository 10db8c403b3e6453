package component

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerManagerOneShotFiresOnce(t *testing.T) {
	assert := assert.New(t)

	c := New()
	defer c.Stop()

	tm := NewTimerManager()
	var fires int32
	jobID := tm.Start(c.Handle(), 10*time.Millisecond, func() {
		atomic.AddInt32(&fires, 1)
	}, false)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(int32(1), atomic.LoadInt32(&fires))
	assert.False(tm.IsRunning(jobID))
}

func TestTimerManagerCyclicFiresRepeatedly(t *testing.T) {
	assert := assert.New(t)

	c := New()
	defer c.Stop()

	tm := NewTimerManager()
	var fires int32
	jobID := tm.Start(c.Handle(), 10*time.Millisecond, func() {
		atomic.AddInt32(&fires, 1)
	}, true)

	time.Sleep(55 * time.Millisecond)
	tm.Stop(jobID)
	count := atomic.LoadInt32(&fires)
	assert.GreaterOrEqual(count, int32(3))
	assert.False(tm.IsRunning(jobID))
}

func TestTimerManagerStopPreventsFire(t *testing.T) {
	assert := assert.New(t)

	c := New()
	defer c.Stop()

	tm := NewTimerManager()
	var fired int32
	jobID := tm.Start(c.Handle(), 20*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	}, false)
	tm.Stop(jobID)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(int32(0), atomic.LoadInt32(&fired))
}

func TestTimerManagerCyclicAutoStopsWhenOwnerGone(t *testing.T) {
	assert := assert.New(t)

	c := New()
	tm := NewTimerManager()
	var fires int32
	jobID := tm.Start(c.Handle(), 10*time.Millisecond, func() {
		atomic.AddInt32(&fires, 1)
	}, true)

	time.Sleep(15 * time.Millisecond)
	c.Stop()
	c.Wait()

	time.Sleep(60 * time.Millisecond)
	assert.False(tm.IsRunning(jobID))
}
