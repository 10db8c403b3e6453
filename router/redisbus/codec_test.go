package redisbus

import (
	"io/ioutil"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/payload"
)

func TestMain(m *testing.M) {
	log.SetOutput(ioutil.Discard)
	os.Exit(m.Run())
}

func TestEncodeDecodeFieldsRoundTrip(t *testing.T) {
	assert := assert.New(t)

	trait := payload.NewGobTrait()
	original := &csmsg.CSMessage{
		OpID:          "greet",
		OpCode:        csmsg.OpRequest,
		RequestID:     42,
		SourceAddress: csmsg.Address{Host: "10.0.0.1", Port: 9000},
		Payload:       trait.Encode("hello"),
	}

	fields := encodeFields(original)
	got, err := decodeFields(fields)
	assert.NoError(err)

	assert.Equal(original.OpID, got.OpID)
	assert.Equal(original.OpCode, got.OpCode)
	assert.Equal(original.RequestID, got.RequestID)
	assert.Equal(original.SourceAddress, got.SourceAddress)

	var s string
	assert.Equal(payload.Success, trait.Decode(got.Payload, &s))
	assert.Equal("hello", s)
}

func TestEncodeDecodeFieldsRoundTripNilPayload(t *testing.T) {
	assert := assert.New(t)

	original := &csmsg.CSMessage{
		OpID:      "ping",
		OpCode:    csmsg.OpSignalBroadcast,
		RequestID: csmsg.RequestIDInvalid,
	}

	fields := encodeFields(original)
	got, err := decodeFields(fields)
	assert.NoError(err)
	assert.Nil(got.Payload)
}

func TestDecodeFieldsMissingFieldErrors(t *testing.T) {
	assert := assert.New(t)

	_, err := decodeFields(map[string]interface{}{"opid": "x"})
	assert.Error(err)
}

func TestDecodeFieldsBadOpCodeErrors(t *testing.T) {
	assert := assert.New(t)

	fields := encodeFields(&csmsg.CSMessage{OpID: "x", OpCode: csmsg.OpRequest})
	fields["opcode"] = "not-a-number"
	_, err := decodeFields(fields)
	assert.Error(err)
}
