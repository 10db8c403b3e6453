// Package provider implements the server-side ServiceProvider state
// machine: handler registration, inbound dispatch, request keepers,
// property state and subscriber bookkeeping.
package provider

import (
	"sync"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/payload"
)

// Sender is the capability the provider needs from its Router to
// deliver envelopes back to clients.
type Sender interface {
	SendMessageToClient(msg *csmsg.CSMessage, addr csmsg.Address) csmsg.ActionCallStatus
}

// RequestHandler processes an inbound request. It is handed the
// RequestKeeper and is responsible for eventually calling Respond (or
// registering AbortedBy and responding later, possibly from another
// goroutine).
type RequestHandler func(keeper *RequestKeeper)

// RequestResultStatus distinguishes a final reply from an intermediate
// progress update.
type RequestResultStatus bool

const (
	Incomplete RequestResultStatus = false
	Complete   RequestResultStatus = true
)

// Provider is the server-side façade of a single named service.
type Provider struct {
	serviceID csmsg.ServiceID
	sender    Sender
	trait     payload.Trait

	availMu      sync.RWMutex
	availability csmsg.Availability

	handlersMu sync.RWMutex
	handlers   map[csmsg.OpID]RequestHandler

	requestsMu sync.Mutex
	requests   map[csmsg.OpID][]*RequestKeeper

	regMu sync.Mutex
	regs  map[csmsg.Address]map[csmsg.OpID]bool

	propsMu    sync.RWMutex
	properties map[csmsg.OpID]csmsg.Payload
}

// New creates a Provider for serviceID, using sender to deliver
// outgoing envelopes and trait to encode/decode payload content.
func New(serviceID csmsg.ServiceID, sender Sender, trait payload.Trait) *Provider {
	return &Provider{
		serviceID:    serviceID,
		sender:       sender,
		trait:        trait,
		availability: csmsg.Unavailable,
		handlers:     make(map[csmsg.OpID]RequestHandler),
		requests:     make(map[csmsg.OpID][]*RequestKeeper),
		regs:         make(map[csmsg.Address]map[csmsg.OpID]bool),
		properties:   make(map[csmsg.OpID]csmsg.Payload),
	}
}

func (p *Provider) ServiceID() csmsg.ServiceID { return p.serviceID }

func (p *Provider) Availability() csmsg.Availability {
	p.availMu.RLock()
	defer p.availMu.RUnlock()
	return p.availability
}
