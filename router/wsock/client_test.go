package wsock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/payload"
	"github.com/superisaac/csfabric/provider"
	"github.com/superisaac/csfabric/requester"
)

type noopProviderSender struct{}

func (noopProviderSender) SendMessageToClient(msg *csmsg.CSMessage, addr csmsg.Address) csmsg.ActionCallStatus {
	return csmsg.Success
}

type noopRequesterSender struct{}

func (noopRequesterSender) SendMessageToServer(msg *csmsg.CSMessage) csmsg.ActionCallStatus {
	return csmsg.Success
}

func newTestClient() *Client {
	return &Client{
		providers:  make(map[csmsg.ServiceID]*provider.Provider),
		requesters: make(map[csmsg.ServiceID]map[csmsg.Address]*requester.Requester),
	}
}

func TestClientOnFrameDispatchesServiceStatusToBoundRequesters(t *testing.T) {
	assert := assert.New(t)

	c := newTestClient()
	sid := csmsg.ServiceID("svc")
	addr := csmsg.Address{Host: "c", Port: 1}
	trait := payload.NewGobTrait()

	req := requester.New(sid, noopRequesterSender{}, trait)
	c.requesters[sid] = map[csmsg.Address]*requester.Requester{addr: req}

	assert.Equal(csmsg.Unknown, req.ServiceStatus())
	c.onFrame(&frame{Kind: frameServiceStatus, ServiceID: sid, OldAvail: csmsg.Unknown, NewAvail: csmsg.Available})
	assert.Equal(csmsg.Available, req.ServiceStatus())
}

func TestClientOnFrameDispatchesMessageToBoundProvider(t *testing.T) {
	assert := assert.New(t)

	c := newTestClient()
	sid := csmsg.ServiceID("svc")
	trait := payload.NewGobTrait()

	p := provider.New(sid, noopProviderSender{}, trait)
	called := make(chan string, 1)
	p.RegisterRequestHandler("greet", func(k *provider.RequestKeeper) {
		var name string
		k.GetRequestContent(&name)
		called <- name
	})
	c.providers[sid] = p

	f := frameFromMessage(frameMessage, sid, csmsg.Address{}, &csmsg.CSMessage{
		OpID: "greet", OpCode: csmsg.OpRequest, RequestID: 1,
		Payload: trait.Encode("alice"),
	})
	c.onFrame(f)

	select {
	case name := <-called:
		assert.Equal("alice", name)
	default:
		t.Fatal("provider handler was not invoked")
	}
}

func TestClientOnFrameDispatchesMessageToBoundRequesterByAddress(t *testing.T) {
	assert := assert.New(t)

	c := newTestClient()
	sid := csmsg.ServiceID("svc")
	addrA := csmsg.Address{Host: "a", Port: 1}
	addrB := csmsg.Address{Host: "b", Port: 2}
	trait := payload.NewGobTrait()

	reqA := requester.New(sid, noopRequesterSender{}, trait)
	reqB := requester.New(sid, noopRequesterSender{}, trait)
	c.requesters[sid] = map[csmsg.Address]*requester.Requester{addrA: reqA, addrB: reqB}

	reqB.OnServiceStatusChanged(sid, csmsg.Unknown, csmsg.Available)
	var gotB int
	reqB.RegisterStatus("count", func(p csmsg.Payload) {
		trait.Decode(p, &gotB)
	})

	f := frameFromMessage(frameMessage, sid, addrB, &csmsg.CSMessage{
		OpID: "count", OpCode: csmsg.OpStatusUpdate, Payload: trait.Encode(3),
	})
	c.onFrame(f)

	assert.Equal(3, gotB)
}

func TestClientOnFrameDropsMessageForUnknownServiceAddress(t *testing.T) {
	assert := assert.New(t)

	c := newTestClient()
	assert.NotPanics(func() {
		c.onFrame(&frame{Kind: frameMessage, ServiceID: "ghost", Address: csmsg.Address{Host: "x", Port: 1}})
	})
}
