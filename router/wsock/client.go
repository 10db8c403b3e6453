package wsock

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/provider"
	"github.com/superisaac/csfabric/requester"
)

// Client is one process's single connection to a Hub. A process may
// host any mix of providers and requesters over the same Client; each
// is registered independently and the read loop fans incoming frames
// out by kind.
type Client struct {
	conn *wsConn

	mu         sync.Mutex
	providers  map[csmsg.ServiceID]*provider.Provider
	requesters map[csmsg.ServiceID]map[csmsg.Address]*requester.Requester
}

// Dial connects to a Hub's ServeHTTP endpoint at url (e.g.
// "ws://host:port/csfabric/ws") and starts its read loop.
func Dial(url string) (*Client, error) {
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsock: dial %s: %w", url, err)
	}
	c := &Client{
		conn:       newWSConn(raw),
		providers:  make(map[csmsg.ServiceID]*provider.Provider),
		requesters: make(map[csmsg.ServiceID]map[csmsg.Address]*requester.Requester),
	}
	go c.conn.readLoop(c.onFrame)
	return c, nil
}

// Close disconnects from the Hub.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done reports when the underlying connection has dropped.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// BindProvider sends the register frame for p under sid and remembers
// p so inbound frames addressed to sid are dispatched to it.
func (c *Client) BindProvider(sid csmsg.ServiceID, p *provider.Provider) error {
	c.mu.Lock()
	c.providers[sid] = p
	c.mu.Unlock()
	return c.conn.send(&frame{Kind: frameRegisterProvider, ServiceID: sid})
}

// BindRequester sends the register frame for r under (sid, addr) and
// remembers r so inbound frames addressed to it are dispatched there.
func (c *Client) BindRequester(sid csmsg.ServiceID, addr csmsg.Address, r *requester.Requester) error {
	c.mu.Lock()
	byAddr, ok := c.requesters[sid]
	if !ok {
		byAddr = make(map[csmsg.Address]*requester.Requester)
		c.requesters[sid] = byAddr
	}
	byAddr[addr] = r
	c.mu.Unlock()
	return c.conn.send(&frame{Kind: frameRegisterRequester, ServiceID: sid, Address: addr})
}

// ProviderSender builds the provider.Sender a Provider bound under sid
// via BindProvider should be constructed with.
func (c *Client) ProviderSender(sid csmsg.ServiceID) provider.Sender {
	return &clientProviderSender{client: c, sid: sid}
}

// RequesterSender builds the requester.Sender a Requester bound under
// (sid, addr) via BindRequester should be constructed with.
func (c *Client) RequesterSender(sid csmsg.ServiceID) requester.Sender {
	return &clientRequesterSender{client: c, sid: sid}
}

func (c *Client) onFrame(f *frame) {
	switch f.Kind {
	case frameServiceStatus:
		c.mu.Lock()
		byAddr := c.requesters[f.ServiceID]
		targets := make([]*requester.Requester, 0, len(byAddr))
		for _, r := range byAddr {
			targets = append(targets, r)
		}
		c.mu.Unlock()
		for _, r := range targets {
			r.OnServiceStatusChanged(f.ServiceID, f.OldAvail, f.NewAvail)
		}
		return

	case frameMessage:
		msg := f.toMessage()
		msg.ServiceID = f.ServiceID

		c.mu.Lock()
		p := c.providers[f.ServiceID]
		var r *requester.Requester
		if byAddr, ok := c.requesters[f.ServiceID]; ok {
			r = byAddr[f.Address]
		}
		c.mu.Unlock()

		switch {
		case p != nil:
			p.OnIncomingMessage(msg)
		case r != nil:
			r.OnIncomingMessage(msg)
		default:
			log.Warnf("wsock: frame for unknown service/address %s/%s dropped", f.ServiceID, f.Address)
		}

	default:
		log.Errorf("wsock: client received unexpected frame kind %d", f.Kind)
	}
}

type clientProviderSender struct {
	client *Client
	sid    csmsg.ServiceID
}

// SendMessageToClient relays a provider's reply to addr through the
// hub, which looks addr up among the requesters registered for sid.
func (s *clientProviderSender) SendMessageToClient(msg *csmsg.CSMessage, addr csmsg.Address) csmsg.ActionCallStatus {
	f := frameFromMessage(frameMessage, s.sid, addr, msg)
	if err := s.client.conn.send(f); err != nil {
		log.Errorf("wsock: send to client failed: %s", err)
		return csmsg.ReceiverUnavailable
	}
	return csmsg.Success
}

type clientRequesterSender struct {
	client *Client
	sid    csmsg.ServiceID
}

// SendMessageToServer relays a requester's outgoing message through
// the hub to the provider of sid; the hub, not this client, stamps the
// true registered source address.
func (s *clientRequesterSender) SendMessageToServer(msg *csmsg.CSMessage) csmsg.ActionCallStatus {
	f := frameFromMessage(frameMessage, s.sid, csmsg.Address{}, msg)
	if err := s.client.conn.send(f); err != nil {
		log.Errorf("wsock: send to server failed: %s", err)
		return csmsg.ReceiverUnavailable
	}
	return csmsg.Success
}
