package codec

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/rbaliyan/mailbox/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using Protocol Buffers serialization.
//
// The envelope is encoded as a google.protobuf.Struct so that any protobuf
// runtime can read it without generated code. The payload is carried as a
// base64 string and the creation time as RFC 3339 with nanoseconds.
type Proto struct{}

// Encode serializes an envelope to Protocol Buffer bytes
func (c Proto) Encode(env message.Envelope) ([]byte, error) {
	headers := make(map[string]any, len(env.Headers()))
	for k, v := range env.Headers() {
		headers[k] = v
	}
	s, err := structpb.NewStruct(map[string]any{
		"tracking_id":  env.TrackingID(),
		"routing_key":  env.RoutingKey(),
		"payload_type": env.PayloadType(),
		"payload":      base64.StdEncoding.EncodeToString(env.Payload()),
		"trace_id":     env.TraceID(),
		"created_at":   env.CreatedAt().Format(time.RFC3339Nano),
		"headers":      headers,
	})
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes Protocol Buffer bytes to an envelope
func (c Proto) Decode(data []byte) (message.Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return message.Envelope{}, errors.Join(ErrDecodeFailure, err)
	}
	fields := s.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }

	if str("tracking_id") == "" {
		return message.Envelope{}, errors.Join(ErrDecodeFailure, errors.New("missing tracking id"))
	}
	payload, err := base64.StdEncoding.DecodeString(str("payload"))
	if err != nil {
		return message.Envelope{}, errors.Join(ErrDecodeFailure, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, str("created_at"))
	if err != nil {
		return message.Envelope{}, errors.Join(ErrDecodeFailure, err)
	}

	var headers map[string]string
	if hs := fields["headers"].GetStructValue().GetFields(); len(hs) > 0 {
		headers = make(map[string]string, len(hs))
		for k, v := range hs {
			headers[k] = v.GetStringValue()
		}
	}

	env := envelopeOf(str("tracking_id"), str("routing_key"), str("payload_type"), payload, str("trace_id"), headers)
	return env.WithCreatedAt(createdAt), nil
}

// ContentType returns the MIME type for Protocol Buffers
func (c Proto) ContentType() string {
	return "application/x-protobuf"
}

// Name returns the codec identifier
func (c Proto) Name() string {
	return "proto"
}

// Compile-time check
var _ Codec = Proto{}
