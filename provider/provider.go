package provider

import (
	log "github.com/sirupsen/logrus"

	"github.com/superisaac/csfabric/csmsg"
)

// RegisterRequestHandler installs handler for opID. Fails if a handler
// is already registered for opID.
func (p *Provider) RegisterRequestHandler(opID csmsg.OpID, handler RequestHandler) bool {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	if _, exists := p.handlers[opID]; exists {
		return false
	}
	p.handlers[opID] = handler
	return true
}

// UnregisterRequestHandler removes the handler for opID, if any.
func (p *Provider) UnregisterRequestHandler(opID csmsg.OpID) bool {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	if _, exists := p.handlers[opID]; !exists {
		return false
	}
	delete(p.handlers, opID)
	return true
}

func (p *Provider) handlerFor(opID csmsg.OpID) (RequestHandler, bool) {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	h, ok := p.handlers[opID]
	return h, ok
}

// SetStatus updates the property map for opID and broadcasts
// StatusUpdate to every current subscriber, unconditionally (every
// call broadcasts, equal-payload dedup is not performed).
func (p *Provider) SetStatus(opID csmsg.OpID, content interface{}) csmsg.ActionCallStatus {
	encoded := p.trait.Encode(content)

	p.propsMu.Lock()
	p.properties[opID] = encoded
	p.propsMu.Unlock()

	return p.broadcast(opID, csmsg.OpStatusUpdate, encoded)
}

// BroadcastSignal sends SignalBroadcast to every subscriber of opID.
// No property state is written.
func (p *Provider) BroadcastSignal(opID csmsg.OpID, content interface{}) csmsg.ActionCallStatus {
	encoded := p.trait.Encode(content)
	return p.broadcast(opID, csmsg.OpSignalBroadcast, encoded)
}

func (p *Provider) broadcast(opID csmsg.OpID, opCode csmsg.OpCode, encoded csmsg.Payload) csmsg.ActionCallStatus {
	addrs := p.subscribersOf(opID)
	status := csmsg.Success
	for _, addr := range addrs {
		msg := &csmsg.CSMessage{
			ServiceID: p.serviceID,
			OpID:      opID,
			OpCode:    opCode,
			Payload:   encoded.Clone(),
		}
		if cs := p.sender.SendMessageToClient(msg, addr); cs != csmsg.Success {
			status = cs
		}
	}
	return status
}

// GetStatus returns the last stored payload for opID, or nil.
func (p *Provider) GetStatus(opID csmsg.OpID) csmsg.Payload {
	p.propsMu.RLock()
	defer p.propsMu.RUnlock()
	if v, ok := p.properties[opID]; ok {
		return v.Clone()
	}
	return nil
}

// StartServing flips availability to Available.
func (p *Provider) StartServing() {
	p.availMu.Lock()
	p.availability = csmsg.Available
	p.availMu.Unlock()
}

// StopServing flips availability to Unavailable and invalidates every
// in-flight request.
func (p *Provider) StopServing() {
	p.availMu.Lock()
	p.availability = csmsg.Unavailable
	p.availMu.Unlock()

	p.invalidateAndRemoveAllRequests()
}

func (p *Provider) invalidateAndRemoveAllRequests() {
	p.requestsMu.Lock()
	all := p.requests
	p.requests = make(map[csmsg.OpID][]*RequestKeeper)
	p.requestsMu.Unlock()

	for _, keepers := range all {
		for _, k := range keepers {
			k.invalidate()
		}
	}
}

func (p *Provider) saveRequest(k *RequestKeeper) {
	p.requestsMu.Lock()
	defer p.requestsMu.Unlock()
	p.requests[k.msg.OpID] = append(p.requests[k.msg.OpID], k)
}

func (p *Provider) removeRequest(target *RequestKeeper) {
	p.requestsMu.Lock()
	defer p.requestsMu.Unlock()
	list := p.requests[target.msg.OpID]
	for i, k := range list {
		if k == target {
			p.requests[target.msg.OpID] = append(list[:i], list[i+1:]...)
			if len(p.requests[target.msg.OpID]) == 0 {
				delete(p.requests, target.msg.OpID)
			}
			return
		}
	}
}

func (p *Provider) pickOutRequest(opID csmsg.OpID, requestID csmsg.RequestID) *RequestKeeper {
	p.requestsMu.Lock()
	defer p.requestsMu.Unlock()
	list := p.requests[opID]
	for i, k := range list {
		if k.msg.RequestID == requestID {
			p.requests[opID] = append(list[:i], list[i+1:]...)
			if len(p.requests[opID]) == 0 {
				delete(p.requests, opID)
			}
			return k
		}
	}
	return nil
}

func (p *Provider) saveRegistration(addr csmsg.Address, opID csmsg.OpID) {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	set, ok := p.regs[addr]
	if !ok {
		set = make(map[csmsg.OpID]bool)
		p.regs[addr] = set
	}
	set[opID] = true
}

func (p *Provider) removeRegistration(addr csmsg.Address, opID csmsg.OpID) {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	if set, ok := p.regs[addr]; ok {
		delete(set, opID)
		if len(set) == 0 {
			delete(p.regs, addr)
		}
	}
}

func (p *Provider) removeRegistrationsOfAddress(addr csmsg.Address) {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	delete(p.regs, addr)
}

func (p *Provider) subscribersOf(opID csmsg.OpID) []csmsg.Address {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	addrs := make([]csmsg.Address, 0)
	for addr, set := range p.regs {
		if set[opID] {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// OnIncomingMessage dispatches an inbound envelope addressed to this
// provider's service id.
func (p *Provider) OnIncomingMessage(msg *csmsg.CSMessage) {
	switch msg.OpCode {
	case csmsg.OpRequest, csmsg.OpStatusGet:
		p.onActionRequest(msg)
	case csmsg.OpAbort:
		p.onAbort(msg)
	case csmsg.OpStatusRegister:
		p.onStatusRegister(msg)
	case csmsg.OpSignalRegister:
		p.onSignalRegister(msg)
	case csmsg.OpUnregister:
		p.removeRegistration(msg.SourceAddress, msg.OpID)
	case csmsg.OpClientGoesOff:
		p.onClientGoesOff(msg)
	default:
		log.Warnf("provider: unhandled opcode %s for service %s", msg.OpCode, p.serviceID)
	}
}

func (p *Provider) onActionRequest(msg *csmsg.CSMessage) {
	keeper := newRequestKeeper(p, msg)
	p.saveRequest(keeper)

	handler, ok := p.handlerFor(msg.OpID)
	if !ok {
		keeper.Respond(nil, Complete)
		log.Errorf("provider: no handler registered for op %s on service %s", msg.OpID, p.serviceID)
		return
	}
	handler(keeper)
}

func (p *Provider) onAbort(msg *csmsg.CSMessage) {
	keeper := p.pickOutRequest(msg.OpID, msg.RequestID)
	if keeper == nil {
		return
	}
	keeper.fireAbort()
}

func (p *Provider) onStatusRegister(msg *csmsg.CSMessage) {
	p.saveRegistration(msg.SourceAddress, msg.OpID)

	current := p.GetStatus(msg.OpID)
	reply := &csmsg.CSMessage{
		ServiceID: p.serviceID,
		OpID:      msg.OpID,
		OpCode:    csmsg.OpStatusRegister,
		RequestID: msg.RequestID,
		Payload:   current,
	}
	p.sender.SendMessageToClient(reply, msg.SourceAddress)
}

func (p *Provider) onSignalRegister(msg *csmsg.CSMessage) {
	p.saveRegistration(msg.SourceAddress, msg.OpID)
}

func (p *Provider) onClientGoesOff(msg *csmsg.CSMessage) {
	addr := msg.SourceAddress
	p.removeRegistrationsOfAddress(addr)

	p.requestsMu.Lock()
	var toAbort []*RequestKeeper
	for opID, list := range p.requests {
		remaining := list[:0:0]
		for _, k := range list {
			if k.msg.SourceAddress == addr {
				toAbort = append(toAbort, k)
			} else {
				remaining = append(remaining, k)
			}
		}
		if len(remaining) == 0 {
			delete(p.requests, opID)
		} else {
			p.requests[opID] = remaining
		}
	}
	p.requestsMu.Unlock()

	for _, k := range toAbort {
		k.fireAbort()
	}
}
