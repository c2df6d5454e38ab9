package message

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Envelope is the immutable unit exchanged with a transport.
//
// It carries the payload bytes together with the routing key and identity
// needed to build inbox/outbox record ids. Use the With* methods to derive
// modified copies; the receiver is never changed.
type Envelope struct {
	trackingID  string
	routingKey  string
	payloadType string
	payload     []byte
	traceID     string
	createdAt   time.Time
	headers     map[string]string
}

// NewEnvelope creates an envelope. An empty tracking id is replaced by a new uuid.
func NewEnvelope(trackingID, routingKey, payloadType string, payload []byte) Envelope {
	if trackingID == "" {
		trackingID = uuid.NewString()
	}
	return Envelope{
		trackingID:  trackingID,
		routingKey:  routingKey,
		payloadType: payloadType,
		payload:     append([]byte(nil), payload...),
		createdAt:   time.Now().UTC(),
	}
}

// TrackingID returns the message identity shared by every consumer.
func (e Envelope) TrackingID() string { return e.trackingID }

// RoutingKey returns the dot separated routing key.
func (e Envelope) RoutingKey() string { return e.routingKey }

// PayloadType returns the registered payload type name.
func (e Envelope) PayloadType() string { return e.payloadType }

// Payload returns a copy of the payload bytes.
func (e Envelope) Payload() []byte { return append([]byte(nil), e.payload...) }

// TraceID returns the trace id propagated with the message.
func (e Envelope) TraceID() string { return e.traceID }

// CreatedAt returns when the message was produced.
func (e Envelope) CreatedAt() time.Time { return e.createdAt }

// Header returns a header value.
func (e Envelope) Header(key string) string { return e.headers[key] }

// Headers returns a copy of all headers.
func (e Envelope) Headers() map[string]string { return maps.Clone(e.headers) }

// WithTraceID returns a copy with the trace id set.
func (e Envelope) WithTraceID(id string) Envelope {
	e.traceID = id
	return e
}

// WithCreatedAt returns a copy with the creation time set.
func (e Envelope) WithCreatedAt(t time.Time) Envelope {
	e.createdAt = t
	return e
}

// WithRoutingKey returns a copy with a different routing key.
func (e Envelope) WithRoutingKey(key string) Envelope {
	e.routingKey = key
	return e
}

// WithHeader returns a copy with the header set.
func (e Envelope) WithHeader(key, value string) Envelope {
	h := make(map[string]string, len(e.headers)+1)
	maps.Copy(h, e.headers)
	h[key] = value
	e.headers = h
	return e
}

// WithHeaders returns a copy with all headers of h merged in.
func (e Envelope) WithHeaders(h map[string]string) Envelope {
	if len(h) == 0 {
		return e
	}
	merged := make(map[string]string, len(e.headers)+len(h))
	maps.Copy(merged, e.headers)
	maps.Copy(merged, h)
	e.headers = merged
	return e
}
