package provider

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/payload"
)

// RequestKeeper is the server-side handle for an in-flight client
// request, handed to the RequestHandler that answers it.
//
// After Respond(Complete) or an external Abort, every further
// operation returns false/empty and has no side effect.
type RequestKeeper struct {
	provider *Provider
	msg      *csmsg.CSMessage

	valid int32 // atomic bool

	abortMu sync.Mutex
	abortCB func()
	aborted bool
}

func newRequestKeeper(p *Provider, msg *csmsg.CSMessage) *RequestKeeper {
	return &RequestKeeper{
		provider: p,
		msg:      msg,
		valid:    1,
	}
}

// GetOperationCode returns the opcode of the original request.
func (k *RequestKeeper) GetOperationCode() csmsg.OpCode { return k.msg.OpCode }

// GetOperationID returns the op id of the original request.
func (k *RequestKeeper) GetOperationID() csmsg.OpID { return k.msg.OpID }

// Valid reports whether the keeper may still be used.
func (k *RequestKeeper) Valid() bool { return atomic.LoadInt32(&k.valid) == 1 }

func (k *RequestKeeper) invalidate() {
	atomic.StoreInt32(&k.valid, 0)
}

// GetRequestContent decodes the inbound payload into dest. If the
// payload is absent or malformed the error is logged and an empty
// (NoSource/SourceCorrupted/DestSrcMismatch) status is returned.
func (k *RequestKeeper) GetRequestContent(dest interface{}) payload.TranslationStatus {
	status := k.provider.trait.Decode(k.msg.Payload, dest)
	if status != payload.Success {
		log.Errorf("request keeper: failed decoding request content for op %s: %s",
			k.msg.OpID, status)
	}
	return status
}

// Update sends a progress notification carrying the same request id
// and opcode as the original request. Only valid while Valid().
func (k *RequestKeeper) Update(content interface{}) bool {
	return k.Respond(content, Incomplete)
}

// Respond sends a reply. status=Complete invalidates the keeper and
// removes it from the provider's in-flight request record;
// status=Incomplete behaves like Update.
func (k *RequestKeeper) Respond(content interface{}, status RequestResultStatus) bool {
	if !k.Valid() {
		return false
	}

	reply := &csmsg.CSMessage{
		ServiceID: k.provider.serviceID,
		OpID:      k.msg.OpID,
		OpCode:    k.msg.OpCode,
		RequestID: k.msg.RequestID,
		Payload:   k.provider.trait.Encode(content),
	}

	if status == Complete {
		k.invalidate()
		k.provider.removeRequest(k)
	}

	callStatus := k.provider.sender.SendMessageToClient(reply, k.msg.SourceAddress)
	return callStatus == csmsg.Success
}

// AbortedBy registers a one-shot handler fired when the client sends
// an Abort for this request. Guarantees at-most-one invocation, and
// fires on the provider's dispatch goroutine.
func (k *RequestKeeper) AbortedBy(callback func()) {
	k.abortMu.Lock()
	alreadyAborted := k.aborted
	if !alreadyAborted {
		k.abortCB = callback
	}
	k.abortMu.Unlock()

	if alreadyAborted && callback != nil {
		// Abort already arrived before the handler registered a
		// callback: fire immediately, still at-most-once.
		callback()
	}
}

// fireAbort invokes the registered abort callback at most once.
func (k *RequestKeeper) fireAbort() {
	k.abortMu.Lock()
	if k.aborted {
		k.abortMu.Unlock()
		return
	}
	k.aborted = true
	cb := k.abortCB
	k.abortCB = nil
	k.abortMu.Unlock()

	k.invalidate()
	if cb != nil {
		cb()
	}
}
