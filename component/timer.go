package component

import (
	"sync"
	"sync/atomic"
	"time"
)

// InvalidJobID marks the absence of a running timer job.
const InvalidJobID uint64 = 0

var jobSeq uint64

type job struct {
	mu       sync.Mutex
	id       uint64
	owner    Handle
	cyclic   bool
	duration time.Duration
	onFire   func()
	timer    *time.Timer
	stopped  bool
}

// TimerManager runs one-shot and cyclic timers, posting a
// TimeoutMessage (priority 1000) to the owning component's mailbox on
// every expiry.
type TimerManager struct {
	mu   sync.Mutex
	jobs map[uint64]*job
}

func NewTimerManager() *TimerManager {
	return &TimerManager{jobs: make(map[uint64]*job)}
}

// Start schedules onFire to run after duration, posted into the
// mailbox of the component named by owner. If cyclic, the job
// reschedules itself after every fire until Stop is called or the
// owning component is found to be gone, in which case a cyclic job
// auto-stops on its next fire.
func (tm *TimerManager) Start(owner Handle, duration time.Duration, onFire func(), cyclic bool) uint64 {
	id := atomic.AddUint64(&jobSeq, 1)
	j := &job{
		id:       id,
		owner:    owner,
		cyclic:   cyclic,
		duration: duration,
		onFire:   onFire,
	}

	tm.mu.Lock()
	tm.jobs[id] = j
	tm.mu.Unlock()

	tm.arm(j)
	return id
}

func (tm *TimerManager) arm(j *job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return
	}
	j.timer = time.AfterFunc(j.duration, func() { tm.fire(j) })
}

func (tm *TimerManager) fire(j *job) {
	if _, alive := Lookup(j.owner); !alive {
		tm.Stop(j.id)
		return
	}

	PostTo(j.owner, &TimeoutMessage{JobID: j.id, Callback: j.onFire})

	if j.cyclic {
		tm.arm(j)
	} else {
		tm.mu.Lock()
		delete(tm.jobs, j.id)
		tm.mu.Unlock()
	}
}

// Stop cancels jobID; a no-op if it is not running.
func (tm *TimerManager) Stop(jobID uint64) {
	tm.mu.Lock()
	j, ok := tm.jobs[jobID]
	if ok {
		delete(tm.jobs, jobID)
	}
	tm.mu.Unlock()
	if !ok {
		return
	}
	j.mu.Lock()
	j.stopped = true
	if j.timer != nil {
		j.timer.Stop()
	}
	j.mu.Unlock()
}

// Restart re-arms jobID with its original duration.
func (tm *TimerManager) Restart(jobID uint64) {
	tm.mu.Lock()
	j, ok := tm.jobs[jobID]
	tm.mu.Unlock()
	if !ok {
		return
	}
	j.mu.Lock()
	if j.timer != nil {
		j.timer.Stop()
	}
	j.stopped = false
	j.mu.Unlock()
	tm.arm(j)
}

// SetCyclic changes whether jobID reschedules itself after firing.
func (tm *TimerManager) SetCyclic(jobID uint64, cyclic bool) {
	tm.mu.Lock()
	j, ok := tm.jobs[jobID]
	tm.mu.Unlock()
	if !ok {
		return
	}
	j.mu.Lock()
	j.cyclic = cyclic
	j.mu.Unlock()
}

// IsRunning reports whether jobID is currently scheduled.
func (tm *TimerManager) IsRunning(jobID uint64) bool {
	tm.mu.Lock()
	_, ok := tm.jobs[jobID]
	tm.mu.Unlock()
	return ok
}
