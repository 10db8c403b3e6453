package redisbus

import (
	"fmt"
	"strconv"

	"github.com/superisaac/csfabric/csmsg"
	"github.com/superisaac/csfabric/payload"
)

// encodeFields flattens msg into the string-keyed field map a Redis
// stream entry stores. Payload bytes travel as a string field; gob's
// own framing keeps it unambiguous when decoded back.
func encodeFields(msg *csmsg.CSMessage) map[string]interface{} {
	var payloadBytes []byte
	if msg.Payload != nil {
		payloadBytes = msg.Payload.Bytes()
	}
	return map[string]interface{}{
		"opid":    string(msg.OpID),
		"opcode":  strconv.Itoa(int(msg.OpCode)),
		"reqid":   strconv.FormatUint(uint64(msg.RequestID), 10),
		"srchost": msg.SourceAddress.Host,
		"srcport": strconv.Itoa(int(msg.SourceAddress.Port)),
		"payload": string(payloadBytes),
	}
}

// decodeFields is the inverse of encodeFields, rehydrating the opaque
// payload as an IncomingPayload ready for the consumer's Trait.Decode.
func decodeFields(values map[string]interface{}) (*csmsg.CSMessage, error) {
	opID, err := stringField(values, "opid")
	if err != nil {
		return nil, err
	}
	opCodeStr, err := stringField(values, "opcode")
	if err != nil {
		return nil, err
	}
	opCode, err := strconv.Atoi(opCodeStr)
	if err != nil {
		return nil, fmt.Errorf("redisbus: bad opcode field %q: %w", opCodeStr, err)
	}
	reqIDStr, err := stringField(values, "reqid")
	if err != nil {
		return nil, err
	}
	reqID, err := strconv.ParseUint(reqIDStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("redisbus: bad reqid field %q: %w", reqIDStr, err)
	}
	srcHost, err := stringField(values, "srchost")
	if err != nil {
		return nil, err
	}
	srcPortStr, err := stringField(values, "srcport")
	if err != nil {
		return nil, err
	}
	srcPort, err := strconv.Atoi(srcPortStr)
	if err != nil {
		return nil, fmt.Errorf("redisbus: bad srcport field %q: %w", srcPortStr, err)
	}
	payloadStr, err := stringField(values, "payload")
	if err != nil {
		return nil, err
	}

	var p csmsg.Payload
	if payloadStr != "" {
		p = payload.NewIncomingPayload([]byte(payloadStr))
	}

	return &csmsg.CSMessage{
		OpID:          csmsg.OpID(opID),
		OpCode:        csmsg.OpCode(opCode),
		RequestID:     csmsg.RequestID(reqID),
		SourceAddress: csmsg.Address{Host: srcHost, Port: uint16(srcPort)},
		Payload:       p,
	}, nil
}

func stringField(values map[string]interface{}, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("redisbus: missing field %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("redisbus: field %q has unexpected type %T", key, raw)
	}
	return s, nil
}
