package wsock

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/superisaac/csfabric/csmsg"
)

// Hub is the standalone router process: providers and requesters each
// dial in as a Client and register under a service id; the hub relays
// frames between them without ever decoding payload content. It is
// the network realization of what router.Direct does in-process.
type Hub struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	providers  map[csmsg.ServiceID]*wsConn
	requesters map[csmsg.ServiceID]map[csmsg.Address]*wsConn
}

// NewHub returns an empty Hub ready to serve ServeHTTP.
func NewHub() *Hub {
	return &Hub{
		providers:  make(map[csmsg.ServiceID]*wsConn),
		requesters: make(map[csmsg.ServiceID]map[csmsg.Address]*wsConn),
	}
}

// ServeHTTP upgrades the connection and processes frames from it until
// it closes. The first frame received must be a register frame; any
// other first frame closes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("wsock: upgrade failed: %s", err)
		return
	}
	conn := newWSConn(raw)

	var registered *registration
	conn.readLoop(func(f *frame) {
		if registered == nil {
			reg, ok := h.register(f, conn)
			if !ok {
				conn.Close()
				return
			}
			registered = reg
			return
		}
		h.relay(registered, f)
	})

	if registered != nil {
		h.unregister(registered)
	}
}

type registration struct {
	isProvider bool
	serviceID  csmsg.ServiceID
	address    csmsg.Address
}

func (h *Hub) register(f *frame, conn *wsConn) (*registration, bool) {
	switch f.Kind {
	case frameRegisterProvider:
		h.mu.Lock()
		h.providers[f.ServiceID] = conn
		targets := h.requesterConnsLocked(f.ServiceID)
		h.mu.Unlock()
		log.Infof("wsock: provider %s connected", f.ServiceID)
		h.broadcastStatus(f.ServiceID, targets, csmsg.Unavailable, csmsg.Available)
		return &registration{isProvider: true, serviceID: f.ServiceID}, true

	case frameRegisterRequester:
		h.mu.Lock()
		byAddr, ok := h.requesters[f.ServiceID]
		if !ok {
			byAddr = make(map[csmsg.Address]*wsConn)
			h.requesters[f.ServiceID] = byAddr
		}
		byAddr[f.Address] = conn
		_, hasProvider := h.providers[f.ServiceID]
		h.mu.Unlock()
		log.Infof("wsock: requester %s@%s connected", f.ServiceID, f.Address)
		if hasProvider {
			h.broadcastStatus(f.ServiceID, []*wsConn{conn}, csmsg.Unavailable, csmsg.Available)
		}
		return &registration{isProvider: false, serviceID: f.ServiceID, address: f.Address}, true

	default:
		log.Errorf("wsock: expected a register frame, got kind %d", f.Kind)
		return nil, false
	}
}

func (h *Hub) unregister(reg *registration) {
	h.mu.Lock()
	if reg.isProvider {
		delete(h.providers, reg.serviceID)
		targets := h.requesterConnsLocked(reg.serviceID)
		h.mu.Unlock()
		log.Infof("wsock: provider %s disconnected", reg.serviceID)
		h.broadcastStatus(reg.serviceID, targets, csmsg.Available, csmsg.Unavailable)
		return
	}
	if byAddr, ok := h.requesters[reg.serviceID]; ok {
		delete(byAddr, reg.address)
		if len(byAddr) == 0 {
			delete(h.requesters, reg.serviceID)
		}
	}
	h.mu.Unlock()
	log.Infof("wsock: requester %s@%s disconnected", reg.serviceID, reg.address)
}

// requesterConnsLocked snapshots the connections currently registered
// as requesters of sid. Callers must hold h.mu.
func (h *Hub) requesterConnsLocked(sid csmsg.ServiceID) []*wsConn {
	byAddr := h.requesters[sid]
	conns := make([]*wsConn, 0, len(byAddr))
	for _, c := range byAddr {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) broadcastStatus(sid csmsg.ServiceID, targets []*wsConn, old, new csmsg.Availability) {
	f := &frame{Kind: frameServiceStatus, ServiceID: sid, OldAvail: old, NewAvail: new}
	for _, c := range targets {
		if err := c.send(f); err != nil {
			log.Errorf("wsock: status broadcast for %s failed: %s", sid, err)
		}
	}
}

// relay forwards a message frame from reg's connection to its peer.
// Provider traffic is addressed by f.Address (the destination client);
// requester traffic is always addressed to the single provider of
// reg.serviceID, with the source address stamped to the address the
// requester registered under rather than whatever it claims in the
// frame.
func (h *Hub) relay(reg *registration, f *frame) {
	if f.Kind != frameMessage {
		return
	}

	if reg.isProvider {
		h.mu.Lock()
		dest := h.requesters[reg.serviceID][f.Address]
		h.mu.Unlock()
		if dest == nil {
			log.Warnf("wsock: no requester %s@%s to relay to", reg.serviceID, f.Address)
			return
		}
		if err := dest.send(f); err != nil {
			log.Errorf("wsock: relay to requester failed: %s", err)
		}
		return
	}

	f.SourceAddress = reg.address
	h.mu.Lock()
	dest := h.providers[reg.serviceID]
	h.mu.Unlock()
	if dest == nil {
		log.Warnf("wsock: no provider for service %s to relay to", reg.serviceID)
		return
	}
	if err := dest.send(f); err != nil {
		log.Errorf("wsock: relay to provider failed: %s", err)
	}
}
