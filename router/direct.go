package router

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/provider"
	"github.com/superisaac/csfabric/requester"
)

// Direct is the in-process Router realization: delivery is a direct
// call onto the peer, no transport hop involved.
type Direct struct {
	mu         sync.Mutex
	providers  map[csmsg.ServiceID]*provider.Provider
	requesters map[csmsg.ServiceID]map[csmsg.Address]*requester.Requester

	stopClientOnce sync.Once
	stopServerOnce sync.Once
}

// NewDirect returns an empty Direct router.
func NewDirect() *Direct {
	return &Direct{
		providers:  make(map[csmsg.ServiceID]*provider.Provider),
		requesters: make(map[csmsg.ServiceID]map[csmsg.Address]*requester.Requester),
	}
}

// ProviderSender builds the provider.Sender a Provider registered
// under sid should be constructed with.
func (d *Direct) ProviderSender(sid csmsg.ServiceID) provider.Sender {
	return &directProviderSender{router: d, sid: sid}
}

// RequesterSender builds the requester.Sender a Requester registered
// under (sid, addr) should be constructed with.
func (d *Direct) RequesterSender(sid csmsg.ServiceID, addr csmsg.Address) requester.Sender {
	return &directRequesterSender{router: d, sid: sid, addr: addr}
}

// RegisterServiceProvider registers p as the provider of sid. Only one
// provider may be registered per service id in the direct router.
func (d *Direct) RegisterServiceProvider(sid csmsg.ServiceID, p *provider.Provider) {
	d.mu.Lock()
	d.providers[sid] = p
	d.mu.Unlock()
}

// DeregisterServiceProvider removes the provider for sid and notifies
// every registered requester that the service went Unavailable.
func (d *Direct) DeregisterServiceProvider(sid csmsg.ServiceID) {
	d.mu.Lock()
	_, existed := d.providers[sid]
	delete(d.providers, sid)
	d.mu.Unlock()

	if existed {
		d.NotifyServiceStatusToClient(sid, csmsg.Available, csmsg.Unavailable)
	}
}

// RegisterServiceRequester registers r under (sid, addr). If a
// provider is already registered for sid, r is immediately delivered
// a synthetic Unavailable->Available transition, mirroring
// IAMessageRouter::registerServiceRequester.
func (d *Direct) RegisterServiceRequester(sid csmsg.ServiceID, addr csmsg.Address, r *requester.Requester) {
	d.mu.Lock()
	byAddr, ok := d.requesters[sid]
	if !ok {
		byAddr = make(map[csmsg.Address]*requester.Requester)
		d.requesters[sid] = byAddr
	}
	byAddr[addr] = r
	_, hasProvider := d.providers[sid]
	d.mu.Unlock()

	if hasProvider {
		r.OnServiceStatusChanged(sid, csmsg.Unavailable, csmsg.Available)
	}
}

// DeregisterServiceRequester removes the requester registered under
// (sid, addr), also notifying the provider the client went off so any
// in-flight requests/registrations from addr are cleaned up.
func (d *Direct) DeregisterServiceRequester(sid csmsg.ServiceID, addr csmsg.Address) {
	d.mu.Lock()
	if byAddr, ok := d.requesters[sid]; ok {
		delete(byAddr, addr)
		if len(byAddr) == 0 {
			delete(d.requesters, sid)
		}
	}
	p := d.providers[sid]
	d.mu.Unlock()

	if p != nil {
		p.OnIncomingMessage(&csmsg.CSMessage{
			ServiceID:     sid,
			OpCode:        csmsg.OpClientGoesOff,
			SourceAddress: addr,
		})
	}
}

// StartServing marks sid's provider Available and, if it was not
// already, notifies every registered requester.
func (d *Direct) StartServing(sid csmsg.ServiceID) {
	d.mu.Lock()
	p := d.providers[sid]
	d.mu.Unlock()
	if p == nil {
		return
	}
	old := p.Availability()
	p.StartServing()
	if old != csmsg.Available {
		d.NotifyServiceStatusToClient(sid, old, csmsg.Available)
	}
}

// StopServing marks sid's provider Unavailable and, if it was not
// already, notifies every registered requester.
func (d *Direct) StopServing(sid csmsg.ServiceID) {
	d.mu.Lock()
	p := d.providers[sid]
	d.mu.Unlock()
	if p == nil {
		return
	}
	old := p.Availability()
	p.StopServing()
	if old != csmsg.Unavailable {
		d.NotifyServiceStatusToClient(sid, old, csmsg.Unavailable)
	}
}

// SendMessageToServer delivers msg to the provider of sid, stamping
// the true source address of the sending requester (fixing the
// upstream "always {'',0}" bug) and rejecting envelopes that arrive
// with no address at opcodes that require one.
func (d *Direct) SendMessageToServer(sid csmsg.ServiceID, addr csmsg.Address, msg *csmsg.CSMessage) csmsg.ActionCallStatus {
	if addr.IsUnspecified() && requiresSourceAddress(msg.OpCode) {
		log.Errorf("router: rejecting %s for service %s with no source address", msg.OpCode, sid)
		return csmsg.InvalidParam
	}
	msg.SourceAddress = addr

	d.mu.Lock()
	p := d.providers[sid]
	d.mu.Unlock()

	if p == nil {
		return csmsg.ReceiverUnavailable
	}
	p.OnIncomingMessage(msg)
	return csmsg.Success
}

// SendMessageToClient delivers msg to the requester registered at
// addr for msg.ServiceID.
func (d *Direct) SendMessageToClient(msg *csmsg.CSMessage, addr csmsg.Address) csmsg.ActionCallStatus {
	d.mu.Lock()
	var r *requester.Requester
	if byAddr, ok := d.requesters[msg.ServiceID]; ok {
		r = byAddr[addr]
	}
	d.mu.Unlock()

	if r == nil {
		return csmsg.ReceiverUnavailable
	}
	r.OnIncomingMessage(msg)
	return csmsg.Success
}

// NotifyServiceStatusToClient forwards the availability transition to
// every requester currently registered for sid.
func (d *Direct) NotifyServiceStatusToClient(sid csmsg.ServiceID, old, new csmsg.Availability) {
	d.mu.Lock()
	byAddr := d.requesters[sid]
	targets := make([]*requester.Requester, 0, len(byAddr))
	for _, r := range byAddr {
		targets = append(targets, r)
	}
	d.mu.Unlock()

	for _, r := range targets {
		r.OnServiceStatusChanged(sid, old, new)
	}
}

// Close shuts down the client-facing and server-facing halves of the
// router exactly once each (the original upstream deinit accidentally
// called the client half twice; here each half has its own sync.Once).
func (d *Direct) Close() {
	d.stopClientOnce.Do(func() {
		d.mu.Lock()
		d.requesters = make(map[csmsg.ServiceID]map[csmsg.Address]*requester.Requester)
		d.mu.Unlock()
	})
	d.stopServerOnce.Do(func() {
		d.mu.Lock()
		d.providers = make(map[csmsg.ServiceID]*provider.Provider)
		d.mu.Unlock()
	})
}

type directProviderSender struct {
	router *Direct
	sid    csmsg.ServiceID
}

func (s *directProviderSender) SendMessageToClient(msg *csmsg.CSMessage, addr csmsg.Address) csmsg.ActionCallStatus {
	return s.router.SendMessageToClient(msg, addr)
}

type directRequesterSender struct {
	router *Direct
	sid    csmsg.ServiceID
	addr   csmsg.Address
}

func (s *directRequesterSender) SendMessageToServer(msg *csmsg.CSMessage) csmsg.ActionCallStatus {
	return s.router.SendMessageToServer(s.sid, s.addr, msg)
}
