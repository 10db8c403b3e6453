package provider

import (
	"io/ioutil"
	"os"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/payload"
)

func TestMain(m *testing.M) {
	log.SetOutput(ioutil.Discard)
	os.Exit(m.Run())
}

type recordedSend struct {
	msg  *csmsg.CSMessage
	addr csmsg.Address
}

type fakeSender struct {
	mu   sync.Mutex
	sent []recordedSend
}

func (s *fakeSender) SendMessageToClient(msg *csmsg.CSMessage, addr csmsg.Address) csmsg.ActionCallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recordedSend{msg: msg, addr: addr})
	return csmsg.Success
}

func (s *fakeSender) last() recordedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func decodeString(t *testing.T, p csmsg.Payload) string {
	t.Helper()
	var s string
	trait := payload.NewGobTrait()
	status := trait.Decode(p, &s)
	assert.Equal(t, payload.Success, status)
	return s
}

func TestRequestHandlerRespondsComplete(t *testing.T) {
	assert := assert.New(t)

	sender := &fakeSender{}
	p := New("greeter", sender, payload.NewGobTrait())
	p.RegisterRequestHandler("greet", func(k *RequestKeeper) {
		var name string
		k.GetRequestContent(&name)
		k.Respond("hello "+name, Complete)
	})

	addr := csmsg.Address{Host: "client", Port: 1}
	p.OnIncomingMessage(&csmsg.CSMessage{
		ServiceID:     "greeter",
		OpID:          "greet",
		OpCode:        csmsg.OpRequest,
		RequestID:     7,
		SourceAddress: addr,
		Payload:       payload.NewGobTrait().Encode("alice"),
	})

	assert.Equal(1, sender.count())
	last := sender.last()
	assert.Equal(addr, last.addr)
	assert.Equal(csmsg.RequestID(7), last.msg.RequestID)
	assert.Equal("hello alice", decodeString(t, last.msg.Payload))
}

func TestMissingHandlerRespondsWithNilComplete(t *testing.T) {
	assert := assert.New(t)

	sender := &fakeSender{}
	p := New("svc", sender, payload.NewGobTrait())

	p.OnIncomingMessage(&csmsg.CSMessage{
		ServiceID: "svc",
		OpID:      "nope",
		OpCode:    csmsg.OpRequest,
		RequestID: 1,
	})

	assert.Equal(1, sender.count())
	assert.Equal(csmsg.RequestID(1), sender.last().msg.RequestID)
}

func TestAbortInvokesRegisteredCallback(t *testing.T) {
	assert := assert.New(t)

	sender := &fakeSender{}
	p := New("svc", sender, payload.NewGobTrait())

	aborted := make(chan struct{})
	p.RegisterRequestHandler("slow", func(k *RequestKeeper) {
		k.AbortedBy(func() { close(aborted) })
	})

	addr := csmsg.Address{Host: "c", Port: 2}
	p.OnIncomingMessage(&csmsg.CSMessage{
		ServiceID: "svc", OpID: "slow", OpCode: csmsg.OpRequest,
		RequestID: 9, SourceAddress: addr,
	})
	p.OnIncomingMessage(&csmsg.CSMessage{
		ServiceID: "svc", OpID: "slow", OpCode: csmsg.OpAbort,
		RequestID: 9, SourceAddress: addr,
	})

	select {
	case <-aborted:
	default:
		t.Fatal("abort callback was not invoked")
	}
	assert.Equal(0, sender.count())
}

func TestSetStatusBroadcastsToSubscribers(t *testing.T) {
	assert := assert.New(t)

	sender := &fakeSender{}
	p := New("svc", sender, payload.NewGobTrait())

	subA := csmsg.Address{Host: "a", Port: 1}
	subB := csmsg.Address{Host: "b", Port: 2}
	p.OnIncomingMessage(&csmsg.CSMessage{ServiceID: "svc", OpID: "temp", OpCode: csmsg.OpStatusRegister, SourceAddress: subA})
	p.OnIncomingMessage(&csmsg.CSMessage{ServiceID: "svc", OpID: "temp", OpCode: csmsg.OpStatusRegister, SourceAddress: subB})

	// registering sends back the (empty) current value once per subscriber
	assert.Equal(2, sender.count())

	status := p.SetStatus("temp", 72)
	assert.Equal(csmsg.Success, status)
	assert.Equal(4, sender.count())

	cached := p.GetStatus("temp")
	assert.NotNil(cached)
}

func TestClientGoesOffAbortsInFlightRequests(t *testing.T) {
	sender := &fakeSender{}
	p := New("svc", sender, payload.NewGobTrait())

	addr := csmsg.Address{Host: "gone", Port: 5}
	aborted := make(chan struct{})
	p.RegisterRequestHandler("op", func(k *RequestKeeper) {
		k.AbortedBy(func() { close(aborted) })
	})
	p.OnIncomingMessage(&csmsg.CSMessage{
		ServiceID: "svc", OpID: "op", OpCode: csmsg.OpRequest,
		RequestID: 3, SourceAddress: addr,
	})

	p.OnIncomingMessage(&csmsg.CSMessage{
		ServiceID: "svc", OpCode: csmsg.OpClientGoesOff, SourceAddress: addr,
	})

	select {
	case <-aborted:
	default:
		t.Fatal("in-flight request from the departed client was not aborted")
	}
}
