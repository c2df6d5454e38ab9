package message

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// IDSeparator separates the grouping prefix from the tracking id.
	IDSeparator = "----"

	// SubQueueSeparator separates the handler name from the sub-queue key.
	SubQueueSeparator = "_"

	// MaxIDLength bounds the record primary key.
	MaxIDLength = 400
)

// ID errors
var (
	ErrEmptyName       = errors.New("record id: empty handler name")
	ErrEmptyTrackingID = errors.New("record id: empty tracking id")
	ErrIDTooLong       = errors.New("record id: too long")
	ErrInvalidIDPart   = errors.New("record id: part contains separator")
)

// BuildID builds the deterministic record id
//
//	{name}[_{subQueue}]----{trackingID}
//
// The same (name, subQueue, trackingID) triple always maps to the same id,
// which is what makes redelivery of a message land on the same row.
func BuildID(name, subQueue, trackingID string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	if trackingID == "" {
		return "", ErrEmptyTrackingID
	}
	for _, part := range []string{name, subQueue} {
		if strings.Contains(part, IDSeparator) {
			return "", fmt.Errorf("%w: %q", ErrInvalidIDPart, part)
		}
	}

	id := GroupingKey(name, subQueue) + IDSeparator + trackingID
	if len(id) > MaxIDLength {
		return "", fmt.Errorf("%w: %d > %d", ErrIDTooLong, len(id), MaxIDLength)
	}
	return id, nil
}

// GroupingKey returns the prefix shared by every record of a handler sub-queue.
func GroupingKey(name, subQueue string) string {
	if subQueue == "" {
		return name
	}
	return name + SubQueueSeparator + subQueue
}

// IDPrefix returns the grouping key of a record id (the text before IDSeparator).
// Ids without a separator are returned unchanged.
func IDPrefix(id string) string {
	prefix, _, found := strings.Cut(id, IDSeparator)
	if !found {
		return id
	}
	return prefix
}

// TrackingID returns the tracking id part of a record id.
func TrackingID(id string) string {
	_, tracking, found := strings.Cut(id, IDSeparator)
	if !found {
		return ""
	}
	return tracking
}

// SubQueue returns the sub-queue key of id for the handler name,
// or "" when the id has none or belongs to another handler.
func SubQueue(name, id string) string {
	prefix := IDPrefix(id)
	sub, ok := strings.CutPrefix(prefix, name+SubQueueSeparator)
	if !ok {
		return ""
	}
	return sub
}

// HasSubQueue reports whether the record id carries a sub-queue for the handler name.
func HasSubQueue(name, id string) bool {
	return SubQueue(name, id) != ""
}
