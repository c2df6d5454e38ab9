// Package codec serializes envelopes for transports that carry bytes.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//   - Protocol Buffers (binary, encoded as a google.protobuf.Struct)
package codec

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/mailbox/message"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode envelope")
	ErrDecodeFailure = errors.New("failed to decode envelope")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Codec handles envelope serialization for external transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes an envelope to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(env message.Envelope) ([]byte, error)

	// Decode deserializes bytes to an envelope.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (message.Envelope, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack", "proto").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name. An empty name selects
// the default codec.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	case "proto":
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// envelopeOf rebuilds an envelope from decoded wire fields.
func envelopeOf(trackingID, routingKey, payloadType string, payload []byte, traceID string, headers map[string]string) message.Envelope {
	return message.NewEnvelope(trackingID, routingKey, payloadType, payload).
		WithTraceID(traceID).
		WithHeaders(headers)
}
