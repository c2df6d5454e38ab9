package codec

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rbaliyan/mailbox/message"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
//
// Payload is stored as raw bytes (base64 in JSON wire format).
type JSON struct{}

// jsonEnvelope is the JSON wire format
type jsonEnvelope struct {
	TrackingID  string            `json:"tracking_id"`
	RoutingKey  string            `json:"routing_key"`
	PayloadType string            `json:"payload_type"`
	Payload     []byte            `json:"payload"`
	TraceID     string            `json:"trace_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Encode serializes an envelope to JSON bytes
func (c JSON) Encode(env message.Envelope) ([]byte, error) {
	data, err := json.Marshal(jsonEnvelope{
		TrackingID:  env.TrackingID(),
		RoutingKey:  env.RoutingKey(),
		PayloadType: env.PayloadType(),
		Payload:     env.Payload(),
		TraceID:     env.TraceID(),
		CreatedAt:   env.CreatedAt(),
		Headers:     env.Headers(),
	})
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to an envelope
func (c JSON) Decode(data []byte) (message.Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return message.Envelope{}, errors.Join(ErrDecodeFailure, err)
	}
	if je.TrackingID == "" {
		return message.Envelope{}, errors.Join(ErrDecodeFailure, errors.New("missing tracking id"))
	}
	env := envelopeOf(je.TrackingID, je.RoutingKey, je.PayloadType, je.Payload, je.TraceID, je.Headers)
	return env.WithCreatedAt(je.CreatedAt), nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
