package csmsg

import (
	"io/ioutil"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	log.SetOutput(ioutil.Discard)
	os.Exit(m.Run())
}

func TestAddressUnspecified(t *testing.T) {
	assert := assert.New(t)

	assert.True(Address{}.IsUnspecified())
	assert.False(Address{Host: "10.0.0.1"}.IsUnspecified())
	assert.False(Address{Port: 9000}.IsUnspecified())
	assert.Equal("10.0.0.1:9000", Address{Host: "10.0.0.1", Port: 9000}.String())
}

func TestRegIDValid(t *testing.T) {
	assert := assert.New(t)

	var r RegID
	assert.False(r.Valid())

	r = RegID{OpID: "pos.get", RequestID: 7}
	assert.True(r.Valid())

	r.Clear()
	assert.False(r.Valid())
	assert.Equal(OpID(""), r.OpID)
}

type fakePayload struct {
	buf    []byte
	cloned int
}

func (p *fakePayload) Bytes() []byte { return p.buf }
func (p *fakePayload) Clone() Payload {
	p.cloned++
	cp := make([]byte, len(p.buf))
	copy(cp, p.buf)
	return &fakePayload{buf: cp}
}

func TestCSMessageCloneDeepCopiesPayload(t *testing.T) {
	assert := assert.New(t)

	original := &CSMessage{
		ServiceID: "svc",
		OpID:      "op",
		OpCode:    OpRequest,
		RequestID: 1,
		Payload:   &fakePayload{buf: []byte("hello")},
	}

	clone := original.Clone()
	assert.Equal(original.ServiceID, clone.ServiceID)
	assert.NotSame(original.Payload, clone.Payload)
	assert.Equal(original.Payload.Bytes(), clone.Payload.Bytes())
}

func TestCSMessageCloneNilPayload(t *testing.T) {
	assert := assert.New(t)

	original := &CSMessage{ServiceID: "svc"}
	clone := original.Clone()
	assert.Nil(clone.Payload)
}
