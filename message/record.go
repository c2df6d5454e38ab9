package message

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Record is a row of an inbox or outbox table.
//
// Both tables share the same shape. The ID is deterministic (see BuildID) so
// that a redelivered message maps to the row that was created the first time.
// Every mutation goes through Transition, which regenerates the
// ConcurrencyToken so that conditional updates from other instances fail.
type Record struct {
	ID                string            `json:"id" bson:"_id"`
	SerializedPayload string            `json:"serialized_payload" bson:"serialized_payload"`
	PayloadType       string            `json:"payload_type" bson:"payload_type"`
	RoutingKey        string            `json:"routing_key" bson:"routing_key"`
	Status            Status            `json:"status" bson:"status"`
	RetriedCount      int               `json:"retried_count" bson:"retried_count"`
	CreatedAt         time.Time         `json:"created_at" bson:"created_at"`
	LastActionAt      time.Time         `json:"last_action_at" bson:"last_action_at"`
	NextRetryAfter    *time.Time        `json:"next_retry_after,omitempty" bson:"next_retry_after,omitempty"`
	LastError         string            `json:"last_error,omitempty" bson:"last_error,omitempty"`
	ConcurrencyToken  string            `json:"concurrency_token" bson:"concurrency_token"`
	TraceID           string            `json:"trace_id,omitempty" bson:"trace_id,omitempty"`
	Headers           map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
}

// NewRecord creates a record in the given initial status.
//
// Only StatusNew and StatusProcessing are valid initial states: inline
// consumption inserts the row already claimed.
func NewRecord(id string, env Envelope, status Status, now time.Time) *Record {
	return &Record{
		ID:                id,
		SerializedPayload: string(env.Payload()),
		PayloadType:       env.PayloadType(),
		RoutingKey:        env.RoutingKey(),
		Status:            status,
		CreatedAt:         now,
		LastActionAt:      now,
		ConcurrencyToken:  NewToken(),
		TraceID:           env.TraceID(),
		Headers:           env.Headers(),
	}
}

// NewToken returns a fresh concurrency token.
func NewToken() string {
	return uuid.NewString()
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = maps.Clone(r.Headers)
	if r.NextRetryAfter != nil {
		t := *r.NextRetryAfter
		c.NextRetryAfter = &t
	}
	return &c
}

// Prefix returns the grouping key of the record.
func (r *Record) Prefix() string {
	return IDPrefix(r.ID)
}

// Transition moves the record to next, bumping LastActionAt and the token.
// NextRetryAfter is cleared for every status except StatusFailed.
func (r *Record) Transition(next Status, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return &TransitionError{ID: r.ID, From: r.Status, To: next}
	}
	r.Status = next
	r.LastActionAt = now
	r.ConcurrencyToken = NewToken()
	if next != StatusFailed {
		r.NextRetryAfter = nil
	}
	if next == StatusProcessed {
		r.LastError = ""
	}
	return nil
}

// Fail marks the record failed with the error text, an incremented retry
// count and the next eligible time.
func (r *Record) Fail(cause error, now, nextRetryAfter time.Time) error {
	if err := r.Transition(StatusFailed, now); err != nil {
		return err
	}
	r.RetriedCount++
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.NextRetryAfter = &nextRetryAfter
	return nil
}

// Envelope rebuilds the envelope the record was created from.
func (r *Record) Envelope() Envelope {
	return NewEnvelope(TrackingID(r.ID), r.RoutingKey, r.PayloadType, []byte(r.SerializedPayload)).
		WithTraceID(r.TraceID).
		WithCreatedAt(r.CreatedAt).
		WithHeaders(r.Headers)
}
