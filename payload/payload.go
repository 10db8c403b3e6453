// Package payload implements the pluggable translator between user
// content objects and the opaque csmsg.Payload carried on the wire.
package payload

import (
	"bytes"
	"encoding/gob"

	log "github.com/sirupsen/logrus"

	"github.com/superisaac/csfabric/csmsg"
)

// TranslationStatus reports the outcome of a Trait.Decode call.
type TranslationStatus int

const (
	Success TranslationStatus = iota
	NoSource
	SourceCorrupted
	DestSrcMismatch
)

func (s TranslationStatus) String() string {
	switch s {
	case Success:
		return "Success"
	case NoSource:
		return "NoSource"
	case SourceCorrupted:
		return "SourceCorrupted"
	default:
		return "DestSrcMismatch"
	}
}

// Trait translates between typed content and opaque wire payloads.
// Decode must never panic out of the boundary: any codec-level error
// is reported through status, never via a panic escaping the trait.
type Trait interface {
	Decode(src csmsg.Payload, dest interface{}) TranslationStatus
	Encode(content interface{}) csmsg.Payload
}

// IncomingPayload wraps a received byte buffer. Clone deep-copies the
// buffer so two independent readers never share position state.
type IncomingPayload struct {
	buf []byte
}

func NewIncomingPayload(buf []byte) *IncomingPayload {
	return &IncomingPayload{buf: buf}
}

func (p *IncomingPayload) Bytes() []byte {
	if p == nil {
		return nil
	}
	return p.buf
}

func (p *IncomingPayload) Clone() csmsg.Payload {
	if p == nil {
		return nil
	}
	cp := make([]byte, len(p.buf))
	copy(cp, p.buf)
	return &IncomingPayload{buf: cp}
}

// OutgoingPayload lazily serializes content; the gob encoding only
// happens when Bytes() is called at transport send time.
type OutgoingPayload struct {
	content interface{}
	cached  []byte
}

func NewOutgoingPayload(content interface{}) *OutgoingPayload {
	return &OutgoingPayload{content: content}
}

func (p *OutgoingPayload) Bytes() []byte {
	if p == nil {
		return nil
	}
	if p.cached == nil {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(p.content); err != nil {
			log.Errorf("payload: gob encode failed: %s", err)
			return nil
		}
		p.cached = buf.Bytes()
	}
	return p.cached
}

func (p *OutgoingPayload) Clone() csmsg.Payload {
	if p == nil {
		return nil
	}
	// force materialization so the clone and original never race on
	// the lazy cache
	_ = p.Bytes()
	cp := make([]byte, len(p.cached))
	copy(cp, p.cached)
	return &IncomingPayload{buf: cp}
}

// GobTrait is the default Trait, backed by encoding/gob.
type GobTrait struct{}

func NewGobTrait() *GobTrait { return &GobTrait{} }

func (GobTrait) Encode(content interface{}) csmsg.Payload {
	return NewOutgoingPayload(content)
}

func (GobTrait) Decode(src csmsg.Payload, dest interface{}) (status TranslationStatus) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("payload: recovered panic during decode: %v", r)
			status = DestSrcMismatch
		}
	}()

	if src == nil {
		return NoSource
	}
	raw := src.Bytes()
	if len(raw) == 0 {
		return NoSource
	}
	err := gob.NewDecoder(bytes.NewReader(raw)).Decode(dest)
	if err != nil {
		log.Errorf("payload: gob decode failed: %s", err)
		return SourceCorrupted
	}
	return Success
}
