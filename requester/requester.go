package requester

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/superisaac/csfabric/csmsg"
)

func (r *Requester) createMessage(opID csmsg.OpID, opCode csmsg.OpCode, content interface{}) *csmsg.CSMessage {
	var p csmsg.Payload
	if content != nil {
		p = r.trait.Encode(content)
	}
	return &csmsg.CSMessage{
		ServiceID: r.serviceID,
		OpID:      opID,
		OpCode:    opCode,
		RequestID: csmsg.RequestIDInvalid,
		Payload:   p,
	}
}

// SendRequestAsync issues an async request of opcode Request. callback
// is invoked exactly once, with the final reply, a nil payload on
// service loss, or not at all if the send itself fails.
func (r *Requester) SendRequestAsync(opID csmsg.OpID, content interface{}, callback ResultCallback) (csmsg.RegID, csmsg.ActionCallStatus) {
	if r.serviceUnavailable() {
		return csmsg.RegID{}, csmsg.ServiceUnavailable
	}
	return r.sendMessageAsync(opID, csmsg.OpRequest, content, callback)
}

func (r *Requester) sendMessageAsync(opID csmsg.OpID, opCode csmsg.OpCode, content interface{}, callback ResultCallback) (csmsg.RegID, csmsg.ActionCallStatus) {
	msg := r.createMessage(opID, opCode, content)
	return r.storeAndSend(msg, callback)
}

func (r *Requester) storeAndSend(msg *csmsg.CSMessage, callback ResultCallback) (csmsg.RegID, csmsg.ActionCallStatus) {
	id := r.idMgr.Allocate()
	regID := csmsg.RegID{OpID: msg.OpID, RequestID: csmsg.RequestID(id)}

	r.reqMu.Lock()
	r.reqMap[msg.OpID] = append(r.reqMap[msg.OpID], regEntry{requestID: regID.RequestID, callback: callback})
	r.reqMu.Unlock()

	msg.RequestID = regID.RequestID
	status := r.sender.SendMessageToServer(msg)
	if status != csmsg.Success {
		r.removeRequestEntry(regID)
		regID.Clear()
	}
	return regID, status
}

func (r *Requester) removeRequestEntry(regID csmsg.RegID) int {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	r.idMgr.Reclaim(uint32(regID.RequestID))

	list := r.reqMap[regID.OpID]
	for i, e := range list {
		if e.requestID == regID.RequestID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.reqMap, regID.OpID)
		return 0
	}
	r.reqMap[regID.OpID] = list
	return len(list)
}

// AbortRequest removes the local entry for regID then transmits Abort
// to the provider.
func (r *Requester) AbortRequest(regID csmsg.RegID) csmsg.ActionCallStatus {
	if !regID.Valid() {
		return csmsg.InvalidParam
	}

	r.reqMu.Lock()
	found := false
	list := r.reqMap[regID.OpID]
	for i, e := range list {
		if e.requestID == regID.RequestID {
			list = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if found {
		if len(list) == 0 {
			delete(r.reqMap, regID.OpID)
		} else {
			r.reqMap[regID.OpID] = list
		}
	}
	r.reqMu.Unlock()

	if !found {
		return csmsg.Success
	}

	msg := r.createMessage(regID.OpID, csmsg.OpAbort, nil)
	msg.RequestID = regID.RequestID
	status := r.sender.SendMessageToServer(msg)
	if status == csmsg.Success {
		r.idMgr.Reclaim(uint32(regID.RequestID))
	}
	return status
}

// SendRequest is a blocking request built on top of SendRequestAsync.
// On timeout it aborts and reports Timeout; a late reply, if any, is
// discarded at dispatch since the request id is no longer tracked.
func (r *Requester) SendRequest(opID csmsg.OpID, content interface{}, timeout time.Duration) (csmsg.Payload, csmsg.ActionCallStatus) {
	if r.serviceUnavailable() {
		return nil, csmsg.ServiceUnavailable
	}
	return r.sendMessageSync(opID, csmsg.OpRequest, content, timeout)
}

func (r *Requester) sendMessageSync(opID csmsg.OpID, opCode csmsg.OpCode, content interface{}, timeout time.Duration) (csmsg.Payload, csmsg.ActionCallStatus) {
	promise := &syncPromise{ch: make(chan csmsg.Payload, 1)}

	r.syncMu.Lock()
	r.syncReqs[promise] = true
	r.syncMu.Unlock()

	onResult := func(p csmsg.Payload) {
		r.removeSyncPromise(promise)
		select {
		case promise.ch <- p:
		default:
		}
	}

	regID, status := r.sendMessageAsync(opID, opCode, content, onResult)
	if !regID.Valid() {
		r.removeSyncPromise(promise)
		return nil, status
	}

	if timeout <= 0 {
		return <-promise.ch, csmsg.Success
	}

	select {
	case p := <-promise.ch:
		return p, csmsg.Success
	case <-time.After(timeout):
		log.Warnf("requester: request id %d on op %s expired, aborting", regID.RequestID, opID)
		r.AbortRequest(regID)
		return nil, csmsg.Timeout
	}
}

func (r *Requester) removeSyncPromise(promise *syncPromise) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	delete(r.syncReqs, promise)
}

// RegisterSignal binds callback to every SignalBroadcast received for
// opID. The first registration for opID transmits SignalRegister.
func (r *Requester) RegisterSignal(opID csmsg.OpID, callback ResultCallback) (csmsg.RegID, csmsg.ActionCallStatus) {
	if r.serviceUnavailable() {
		return csmsg.RegID{}, csmsg.ServiceUnavailable
	}
	return r.registerNotification(opID, csmsg.OpSignalRegister, callback)
}

// RegisterStatus binds callback to every StatusUpdate/StatusRegister
// received for opID. If a cached value already exists, callback is
// invoked synchronously with a clone of it.
func (r *Requester) RegisterStatus(opID csmsg.OpID, callback ResultCallback) (csmsg.RegID, csmsg.ActionCallStatus) {
	if r.serviceUnavailable() {
		return csmsg.RegID{}, csmsg.ServiceUnavailable
	}
	return r.registerNotification(opID, csmsg.OpStatusRegister, callback)
}

func (r *Requester) registerNotification(opID csmsg.OpID, opCode csmsg.OpCode, callback ResultCallback) (csmsg.RegID, csmsg.ActionCallStatus) {
	if callback == nil {
		return csmsg.RegID{}, csmsg.InvalidParam
	}

	id := r.idMgr.Allocate()
	regID := csmsg.RegID{OpID: opID, RequestID: csmsg.RequestID(id)}

	r.regMu.Lock()
	sameCount := len(r.regMap[opID]) + 1
	r.regMap[opID] = append(r.regMap[opID], regEntry{requestID: regID.RequestID, callback: callback})
	r.regMu.Unlock()

	if sameCount == 1 {
		msg := r.createMessage(opID, opCode, nil)
		msg.RequestID = regID.RequestID
		status := r.sender.SendMessageToServer(msg)
		if status != csmsg.Success {
			r.removeRegEntry(regID)
			regID.Clear()
		}
		return regID, status
	}

	if opCode == csmsg.OpStatusRegister {
		if cached := r.getCachedProperty(opID); cached != nil {
			callback(cached)
		}
	}
	return regID, csmsg.Success
}

func (r *Requester) removeRegEntry(regID csmsg.RegID) int {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.idMgr.Reclaim(uint32(regID.RequestID))

	list := r.regMap[regID.OpID]
	for i, e := range list {
		if e.requestID == regID.RequestID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.regMap, regID.OpID)
		return 0
	}
	r.regMap[regID.OpID] = list
	return len(list)
}

// Unregister removes regID. If it was the last entry for its opID and
// the service is available, Unregister transmits Unregister and drops
// the cached property.
func (r *Requester) Unregister(regID csmsg.RegID) csmsg.ActionCallStatus {
	if !regID.Valid() {
		log.Warnf("requester: try to unregister invalid RegID")
		return csmsg.InvalidParam
	}
	if r.serviceUnavailable() {
		return csmsg.ServiceUnavailable
	}

	opID := regID.OpID
	remaining := r.removeRegEntry(regID)
	if remaining == 0 {
		r.removeCachedProperty(opID)
		r.sender.SendMessageToServer(r.createMessage(opID, csmsg.OpUnregister, nil))
	}
	return csmsg.Success
}

// GetStatus returns the property value for opID. If the caller
// already holds a registration for opID the cached value is returned
// synchronously; otherwise it performs a blocking StatusGet request.
func (r *Requester) GetStatus(opID csmsg.OpID, timeout time.Duration) (csmsg.Payload, csmsg.ActionCallStatus) {
	if r.cachedPropertyUpToDate(opID) {
		return r.getCachedProperty(opID), csmsg.Success
	}
	if r.serviceUnavailable() {
		return nil, csmsg.ServiceUnavailable
	}
	return r.sendMessageSync(opID, csmsg.OpStatusGet, nil, timeout)
}

// GetStatusAsync behaves like GetStatus but delivers the result via
// callback instead of blocking.
func (r *Requester) GetStatusAsync(opID csmsg.OpID, callback ResultCallback) csmsg.ActionCallStatus {
	if r.cachedPropertyUpToDate(opID) {
		callback(r.getCachedProperty(opID))
		return csmsg.Success
	}
	if r.serviceUnavailable() {
		return csmsg.ServiceUnavailable
	}
	_, status := r.sendMessageAsync(opID, csmsg.OpStatusGet, nil, callback)
	return status
}

func (r *Requester) cachedPropertyUpToDate(opID csmsg.OpID) bool {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	_, ok := r.regMap[opID]
	return ok
}

func (r *Requester) getCachedProperty(opID csmsg.OpID) csmsg.Payload {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if v, ok := r.cache[opID]; ok && v != nil {
		return v.Clone()
	}
	return nil
}

func (r *Requester) cacheProperty(opID csmsg.OpID, p csmsg.Payload) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache[opID] = p
}

func (r *Requester) removeCachedProperty(opID csmsg.OpID) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	delete(r.cache, opID)
}

// RegisterServiceStatusObserver registers o. If the current status is
// Available, o is notified immediately (transition Unknown->Available)
// after being added to the list, never while holding the list lock.
func (r *Requester) RegisterServiceStatusObserver(o ServiceStatusObserver) {
	if o == nil {
		return
	}

	r.obsMu.Lock()
	current := r.ServiceStatus()
	r.obs = append(r.obs, o)
	r.obsMu.Unlock()

	if current == csmsg.Available {
		r.deliver(func() {
			if err := o.OnServiceStatusChanged(r.serviceID, csmsg.Unknown, csmsg.Available); err != nil {
				r.handleObserverError(o, err)
			}
		})
	}
}

// UnregisterServiceStatusObserver removes o.
func (r *Requester) UnregisterServiceStatusObserver(o ServiceStatusObserver) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	for i, obsv := range r.obs {
		if obsv == o {
			r.obs = append(r.obs[:i], r.obs[i+1:]...)
			return
		}
	}
}

func (r *Requester) handleObserverError(o ServiceStatusObserver, err error) {
	if err == ErrUnavailable {
		r.UnregisterServiceStatusObserver(o)
		return
	}
	log.Errorf("requester: observer error on service status change of %s: %s", r.serviceID, err)
}

// OnServiceStatusChanged is invoked by the Router when the provider's
// availability changes.
func (r *Requester) OnServiceStatusChanged(sid csmsg.ServiceID, oldStatus, newStatus csmsg.Availability) {
	if sid != r.serviceID {
		return
	}

	r.statusMu.Lock()
	current := r.status
	if newStatus == current {
		r.statusMu.Unlock()
		return
	}
	r.status = newStatus
	r.statusMu.Unlock()

	if newStatus == csmsg.Unavailable {
		r.abortAllSyncRequests()
		r.clearAllAsyncRequests()
		r.clearAllRegisterEntries()
	}

	r.forwardStatusToObservers(sid, oldStatus, newStatus)
}

func (r *Requester) forwardStatusToObservers(sid csmsg.ServiceID, oldStatus, newStatus csmsg.Availability) {
	r.obsMu.Lock()
	observers := make([]ServiceStatusObserver, len(r.obs))
	copy(observers, r.obs)
	r.obsMu.Unlock()

	for _, o := range observers {
		obs := o
		r.deliver(func() {
			if err := obs.OnServiceStatusChanged(sid, oldStatus, newStatus); err != nil {
				r.handleObserverError(obs, err)
			}
		})
	}
}

func (r *Requester) abortAllSyncRequests() {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	aborted := 0
	for promise := range r.syncReqs {
		select {
		case promise.ch <- nil:
		default:
		}
		aborted++
	}
	r.syncReqs = make(map[*syncPromise]bool)
	if aborted > 0 {
		log.Infof("requester: aborting %d sync requests on service %s", aborted, r.serviceID)
	}
}

func (r *Requester) clearAllAsyncRequests() {
	r.reqMu.Lock()
	all := r.reqMap
	r.reqMap = make(map[csmsg.OpID][]regEntry)
	r.reqMu.Unlock()

	for _, list := range all {
		for _, e := range list {
			if callback := e.callback; callback != nil {
				r.deliver(func() { callback(nil) })
			}
		}
	}
}

func (r *Requester) clearAllRegisterEntries() {
	r.regMu.Lock()
	r.regMap = make(map[csmsg.OpID][]regEntry)
	r.regMu.Unlock()

	r.cacheMu.Lock()
	r.cache = make(map[csmsg.OpID]csmsg.Payload)
	r.cacheMu.Unlock()
}

// OnIncomingMessage dispatches an inbound envelope addressed to this
// requester's service id.
func (r *Requester) OnIncomingMessage(msg *csmsg.CSMessage) {
	if msg.ServiceID != r.serviceID {
		return
	}

	switch msg.OpCode {
	case csmsg.OpSignalRegister:
		r.fanOutRegisters(msg)
	case csmsg.OpStatusRegister:
		if r.fanOutRegisters(msg) {
			r.cacheProperty(msg.OpID, msg.Payload)
		}
	case csmsg.OpStatusUpdate:
		r.cacheProperty(msg.OpID, msg.Payload)
		r.fanOutRegisters(msg)
	case csmsg.OpSignalBroadcast:
		r.fanOutRegisters(msg)
	case csmsg.OpRequest, csmsg.OpStatusGet:
		r.completeRequest(msg)
	default:
		log.Errorf("requester: unhandled opcode %s for service %s", msg.OpCode, r.serviceID)
	}
}

func (r *Requester) fanOutRegisters(msg *csmsg.CSMessage) bool {
	r.regMu.Lock()
	list := r.regMap[msg.OpID]
	callbacks := make([]ResultCallback, len(list))
	for i, e := range list {
		callbacks[i] = e.callback
	}
	r.regMu.Unlock()

	for _, cb := range callbacks {
		callback := cb
		var p csmsg.Payload
		if msg.Payload != nil {
			p = msg.Payload.Clone()
		}
		r.deliver(func() { callback(p) })
	}
	return len(callbacks) > 0
}

func (r *Requester) completeRequest(msg *csmsg.CSMessage) {
	r.reqMu.Lock()
	list := r.reqMap[msg.OpID]
	var callback ResultCallback
	found := false
	for i, e := range list {
		if e.requestID == msg.RequestID {
			callback = e.callback
			list = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if found {
		if len(list) == 0 {
			delete(r.reqMap, msg.OpID)
		} else {
			r.reqMap[msg.OpID] = list
		}
		r.idMgr.Reclaim(uint32(msg.RequestID))
	}
	r.reqMu.Unlock()

	if !found {
		log.Warnf("requester: request entry for op %s request id %d could not be found",
			msg.OpID, msg.RequestID)
		return
	}

	if callback != nil {
		payload := msg.Payload
		r.deliver(func() { callback(payload) })
	}
}
