// Package wsock implements the WebSocket socket binding described in
// SPEC_FULL.md §6: a central hub process (run by cmd/csbusd) that
// providers and requesters dial into, each CSMessage framed as one
// binary WebSocket frame. Unlike router/redisbus, where every process
// talks to Redis directly, here the hub is itself the router: Client
// connections only ever see the hub, never each other.
package wsock

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/payload"
)

type frameKind byte

const (
	frameRegisterProvider frameKind = iota
	frameRegisterRequester
	frameMessage
	frameServiceStatus
)

// frame is the single type gob-encoded onto every WebSocket binary
// frame exchanged between a Client and the Hub. Msg's payload travels
// as raw bytes rather than through csmsg.Payload directly, so gob
// never has to encode that interface.
type frame struct {
	Kind      frameKind
	ServiceID csmsg.ServiceID
	// Address carries the connection's own address on a register
	// frame; on a message frame it carries the destination address
	// for a hub->client relay, or is ignored on a client->hub relay
	// (the hub substitutes the address it recorded at registration).
	Address csmsg.Address

	OpID          csmsg.OpID
	OpCode        csmsg.OpCode
	RequestID     csmsg.RequestID
	SourceAddress csmsg.Address
	PayloadBytes  []byte

	// OldAvail/NewAvail are only meaningful on a frameServiceStatus frame.
	OldAvail csmsg.Availability
	NewAvail csmsg.Availability
}

func frameFromMessage(kind frameKind, sid csmsg.ServiceID, addr csmsg.Address, msg *csmsg.CSMessage) *frame {
	f := &frame{
		Kind:      kind,
		ServiceID: sid,
		Address:   addr,
	}
	if msg != nil {
		f.OpID = msg.OpID
		f.OpCode = msg.OpCode
		f.RequestID = msg.RequestID
		f.SourceAddress = msg.SourceAddress
		if msg.Payload != nil {
			f.PayloadBytes = msg.Payload.Bytes()
		}
	}
	return f
}

func (f *frame) toMessage() *csmsg.CSMessage {
	var p csmsg.Payload
	if len(f.PayloadBytes) > 0 {
		p = payload.NewIncomingPayload(f.PayloadBytes)
	}
	return &csmsg.CSMessage{
		ServiceID:     f.ServiceID,
		OpID:          f.OpID,
		OpCode:        f.OpCode,
		RequestID:     f.RequestID,
		SourceAddress: f.SourceAddress,
		Payload:       p,
	}
}

func encodeFrame(f *frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("wsock: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(raw []byte) (*frame, error) {
	var f frame
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&f); err != nil {
		return nil, fmt.Errorf("wsock: decode frame: %w", err)
	}
	return &f, nil
}
