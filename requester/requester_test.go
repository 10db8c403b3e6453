package requester

import (
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/payload"
)

func TestMain(m *testing.M) {
	log.SetOutput(ioutil.Discard)
	os.Exit(m.Run())
}

type capturingSender struct {
	mu   sync.Mutex
	sent []*csmsg.CSMessage
}

func (s *capturingSender) SendMessageToServer(msg *csmsg.CSMessage) csmsg.ActionCallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return csmsg.Success
}

func (s *capturingSender) last() *csmsg.CSMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func (s *capturingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newAvailableRequester(sid csmsg.ServiceID, sender Sender) *Requester {
	r := New(sid, sender, payload.NewGobTrait())
	r.OnServiceStatusChanged(sid, csmsg.Unknown, csmsg.Available)
	return r
}

func decodeString(t *testing.T, p csmsg.Payload) string {
	t.Helper()
	var s string
	assert.Equal(t, payload.Success, payload.NewGobTrait().Decode(p, &s))
	return s
}

func TestSendRequestAsyncRoundTrip(t *testing.T) {
	assert := assert.New(t)

	sender := &capturingSender{}
	r := newAvailableRequester("svc", sender)

	result := make(chan string, 1)
	_, status := r.SendRequestAsync("op", "ping", func(p csmsg.Payload) {
		result <- decodeString(t, p)
	})
	assert.Equal(csmsg.Success, status)
	assert.Equal(1, sender.count())

	sent := sender.last()
	reply := sent.Clone()
	reply.Payload = payload.NewGobTrait().Encode("pong")
	r.OnIncomingMessage(reply)

	select {
	case got := <-result:
		assert.Equal("pong", got)
	case <-time.After(time.Second):
		t.Fatal("async callback never fired")
	}
}

func TestSendRequestWhenUnavailable(t *testing.T) {
	assert := assert.New(t)

	sender := &capturingSender{}
	r := New("svc", sender, payload.NewGobTrait())

	_, status := r.SendRequest("op", nil, time.Second)
	assert.Equal(csmsg.ServiceUnavailable, status)
	assert.Equal(0, sender.count())
}

func TestSendRequestSyncTimeoutAborts(t *testing.T) {
	assert := assert.New(t)

	sender := &capturingSender{}
	r := newAvailableRequester("svc", sender)

	_, status := r.SendRequest("slow", nil, 20*time.Millisecond)
	assert.Equal(csmsg.Timeout, status)

	// the request message, then the abort message
	assert.Equal(2, sender.count())
	assert.Equal(csmsg.OpAbort, sender.last().OpCode)
}

func TestRegisterStatusDeliversCachedValueSynchronously(t *testing.T) {
	assert := assert.New(t)

	sender := &capturingSender{}
	r := newAvailableRequester("svc", sender)

	regID, status := r.RegisterStatus("temp", func(p csmsg.Payload) {})
	assert.Equal(csmsg.Success, status)
	assert.Equal(1, sender.count())

	update := &csmsg.CSMessage{ServiceID: "svc", OpID: "temp", OpCode: csmsg.OpStatusUpdate,
		Payload: payload.NewGobTrait().Encode(42)}
	r.OnIncomingMessage(update)

	got, status := r.GetStatus("temp", time.Second)
	assert.Equal(csmsg.Success, status)
	var n int
	assert.Equal(payload.Success, payload.NewGobTrait().Decode(got, &n))
	assert.Equal(42, n)

	var calledWith int
	regID2, _ := r.RegisterStatus("temp", func(p csmsg.Payload) {
		payload.NewGobTrait().Decode(p, &calledWith)
	})
	// second registration for the same op must not re-transmit
	assert.Equal(1, sender.count())
	assert.Equal(42, calledWith)

	r.Unregister(regID)
	r.Unregister(regID2)
}

func TestServiceDownAbortsSyncAndClearsRegistrations(t *testing.T) {
	assert := assert.New(t)

	sender := &capturingSender{}
	r := newAvailableRequester("svc", sender)

	syncDone := make(chan csmsg.ActionCallStatus, 1)
	go func() {
		_, status := r.SendRequest("op", nil, 0)
		syncDone <- status
	}()

	time.Sleep(20 * time.Millisecond)
	r.OnServiceStatusChanged("svc", csmsg.Available, csmsg.Unavailable)

	select {
	case status := <-syncDone:
		assert.Equal(csmsg.Success, status)
	case <-time.After(time.Second):
		t.Fatal("sync call never unblocked after service went down")
	}

	assert.False(r.cachedPropertyUpToDate("op"))
}

func TestMultiSubscriberFanOutDoesNotAliasPayload(t *testing.T) {
	assert := assert.New(t)

	sender := &capturingSender{}
	r := newAvailableRequester("svc", sender)

	var gotA, gotB int
	r.RegisterStatus("count", func(p csmsg.Payload) {
		payload.NewGobTrait().Decode(p, &gotA)
	})
	r.RegisterStatus("count", func(p csmsg.Payload) {
		payload.NewGobTrait().Decode(p, &gotB)
	})

	update := &csmsg.CSMessage{ServiceID: "svc", OpID: "count", OpCode: csmsg.OpStatusUpdate,
		Payload: payload.NewGobTrait().Encode(5)}
	r.OnIncomingMessage(update)

	assert.Equal(5, gotA)
	assert.Equal(5, gotB)
}

func TestAbortRequestRemovesLocalEntryBeforeLateReply(t *testing.T) {
	assert := assert.New(t)

	sender := &capturingSender{}
	r := newAvailableRequester("svc", sender)

	called := false
	regID, _ := r.SendRequestAsync("op", nil, func(p csmsg.Payload) { called = true })

	status := r.AbortRequest(regID)
	assert.Equal(csmsg.Success, status)

	late := sender.last().Clone()
	late.OpCode = csmsg.OpRequest
	r.OnIncomingMessage(late)

	assert.False(called, "callback must not fire for a request already aborted locally")
}
