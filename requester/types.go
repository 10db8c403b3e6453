// Package requester implements the client-side ServiceRequester state
// machine: async/sync requests, signal/property registration, the
// property cache, and service-availability observation.
package requester

import (
	"errors"
	"sync"

	"github.com/superisaac/csfabric/component"
	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/idalloc"
	"github.com/superisaac/csfabric/payload"
)

// ErrUnavailable is the sentinel a ServiceStatusObserver's callback can
// return to be silently unregistered on its next notification, the Go
// analogue of the original's UnavailableException.
var ErrUnavailable = errors.New("requester: observer unavailable")

// ResultCallback receives the decoded/opaque payload of a completed
// request, signal fan-out, or property update. It is invoked exactly
// once per completed async request.
type ResultCallback func(p csmsg.Payload)

// ServiceStatusObserver is notified of Availability transitions. If
// OnServiceStatusChanged returns ErrUnavailable the observer is
// removed after the call; any other error is logged only. It is not
// passed back to the caller of the triggering state-change path, since
// Requester.OnServiceStatusChanged has no return value.
type ServiceStatusObserver interface {
	OnServiceStatusChanged(sid csmsg.ServiceID, old, new csmsg.Availability) error
}

// ServiceStatusObserverFunc adapts a plain function to a
// ServiceStatusObserver.
type ServiceStatusObserverFunc func(sid csmsg.ServiceID, old, new csmsg.Availability) error

func (f ServiceStatusObserverFunc) OnServiceStatusChanged(sid csmsg.ServiceID, old, new csmsg.Availability) error {
	return f(sid, old, new)
}

// Sender is the capability the requester needs from its Router to
// transmit envelopes to the provider side.
type Sender interface {
	SendMessageToServer(msg *csmsg.CSMessage) csmsg.ActionCallStatus
}

type regEntry struct {
	requestID csmsg.RequestID
	callback  ResultCallback
}

type syncPromise struct {
	ch chan csmsg.Payload
}

// Requester is the client-side façade to a single named service.
type Requester struct {
	serviceID csmsg.ServiceID
	sender    Sender
	trait     payload.Trait
	idMgr     *idalloc.Allocator
	owner     component.Handle
	hasOwner  bool

	statusMu sync.RWMutex
	status   csmsg.Availability

	regMu     sync.Mutex
	regMap    map[csmsg.OpID][]regEntry

	reqMu     sync.Mutex
	reqMap    map[csmsg.OpID][]regEntry

	cacheMu sync.Mutex
	cache   map[csmsg.OpID]csmsg.Payload

	obsMu sync.Mutex
	obs   []ServiceStatusObserver

	syncMu   sync.Mutex
	syncReqs map[*syncPromise]bool
}

// New creates a Requester for serviceID, bound to sender for
// transmission and trait for content encode/decode.
func New(serviceID csmsg.ServiceID, sender Sender, trait payload.Trait) *Requester {
	return &Requester{
		serviceID: serviceID,
		sender:    sender,
		trait:     trait,
		idMgr:     idalloc.New(),
		status:    csmsg.Unknown,
		regMap:    make(map[csmsg.OpID][]regEntry),
		reqMap:    make(map[csmsg.OpID][]regEntry),
		cache:     make(map[csmsg.OpID]csmsg.Payload),
		syncReqs:  make(map[*syncPromise]bool),
	}
}

func (r *Requester) ServiceID() csmsg.ServiceID { return r.serviceID }

func (r *Requester) ServiceStatus() csmsg.Availability {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

func (r *Requester) serviceUnavailable() bool {
	return r.ServiceStatus() != csmsg.Available
}

// BindComponent marks h as the originating component: every result
// and observer callback is delivered by posting a
// component.CallbackExecMessage into h's mailbox instead of being
// invoked inline. If the component is gone at delivery time the
// callback is silently skipped, per component.PostTo.
func (r *Requester) BindComponent(h component.Handle) {
	r.owner = h
	r.hasOwner = true
}

// deliver invokes cb, either inline (no bound component) or by posting
// it to the bound component's mailbox.
func (r *Requester) deliver(cb func()) {
	if !r.hasOwner {
		cb()
		return
	}
	component.PostTo(r.owner, &component.CallbackExecMessage{Callback: cb})
}
