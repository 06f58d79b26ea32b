// Package envelope implements the headers+payload codec shared by the
// producer and consumer. Encoding and decoding are pure and perform no I/O;
// callers own the flat string field map that is actually written to or
// read from a stream entry.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Field names used in the default stream entry layout. The layout is an
// implementation detail of this codec; consumers must treat entry fields
// as opaque and always go through Decode.
const (
	FieldHeaders = "headers"
	FieldPayload = "payload"
)

// Headers carry the routing and retry bookkeeping for an envelope.
type Headers struct {
	Type       string `json:"type"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueuedAt"`
	Key        string `json:"key,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

// Envelope is the unit exchanged between producer and consumer.
type Envelope struct {
	Headers Headers
	Payload []byte
}

// Codec encodes and decodes envelopes to and from a flat field map. It is
// pure and stateless: no network calls, no clock reads.
type Codec interface {
	Encode(e Envelope) (map[string]string, error)
	Decode(fields map[string]string) (Envelope, error)
}

// JSONCodec is the default codec: headers and payload are serialized as
// independent strings under stable field names.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

// Encode is total over any Envelope the producer can construct.
func (JSONCodec) Encode(e Envelope) (map[string]string, error) {
	headerBytes, err := json.Marshal(e.Headers)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal headers: %w", err)
	}
	return map[string]string{
		FieldHeaders: string(headerBytes),
		FieldPayload: string(e.Payload),
	}, nil
}

// Decode round-trips any output of Encode.
func (JSONCodec) Decode(fields map[string]string) (Envelope, error) {
	rawHeaders, ok := fields[FieldHeaders]
	if !ok {
		return Envelope{}, fmt.Errorf("envelope: missing %q field", FieldHeaders)
	}
	var headers Headers
	if err := json.Unmarshal([]byte(rawHeaders), &headers); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal headers: %w", err)
	}
	payload, ok := fields[FieldPayload]
	if !ok {
		return Envelope{}, fmt.Errorf("envelope: missing %q field", FieldPayload)
	}
	return Envelope{Headers: headers, Payload: []byte(payload)}, nil
}
