package codec

import (
	"errors"
	"time"

	"github.com/rbaliyan/mailbox/message"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// and carries the payload bytes without base64 inflation.
type MsgPack struct{}

// msgpackEnvelope is the MessagePack wire format
type msgpackEnvelope struct {
	TrackingID  string            `msgpack:"tracking_id"`
	RoutingKey  string            `msgpack:"routing_key"`
	PayloadType string            `msgpack:"payload_type"`
	Payload     []byte            `msgpack:"payload"`
	TraceID     string            `msgpack:"trace_id,omitempty"`
	CreatedAt   time.Time         `msgpack:"created_at"`
	Headers     map[string]string `msgpack:"headers,omitempty"`
}

// Encode serializes an envelope to MessagePack bytes
func (c MsgPack) Encode(env message.Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(msgpackEnvelope{
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

// Decode deserializes MessagePack bytes to an envelope
func (c MsgPack) Decode(data []byte) (message.Envelope, error) {
	var me msgpackEnvelope
	if err := msgpack.Unmarshal(data, &me); err != nil {
		return message.Envelope{}, errors.Join(ErrDecodeFailure, err)
	}
	if me.TrackingID == "" {
		return message.Envelope{}, errors.Join(ErrDecodeFailure, errors.New("missing tracking id"))
	}
	env := envelopeOf(me.TrackingID, me.RoutingKey, me.PayloadType, me.Payload, me.TraceID, me.Headers)
	return env.WithCreatedAt(me.CreatedAt.UTC()), nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
