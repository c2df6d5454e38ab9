// Package routing implements the routing key grammar used to bind messages
// to consumers.
//
// A routing key has three or four dot separated segments:
//
//	MessageGroup.ProducerContext.MessageType[.MessageAction]
//
// Patterns use the same shape. A segment of "*" matches any value in that
// position, while "*foo", "foo*" and "*foo*" match by suffix, prefix and
// substring. A pattern without an action segment matches every action.
package routing

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Separator splits routing key segments.
	Separator = "."

	// Wildcard matches any value (whole segment) or any text (partial segment).
	Wildcard = "*"

	minSegments = 3
	maxSegments = 4
)

// Routing errors
var (
	ErrEmptyKey        = errors.New("routing: empty key")
	ErrSegmentCount    = errors.New("routing: key must have 3 or 4 segments")
	ErrEmptySegment    = errors.New("routing: empty segment")
	ErrInvalidSegment  = errors.New("routing: segment contains a reserved character")
	ErrInvalidWildcard = errors.New("routing: wildcard only allowed at segment start or end")
)

// Key is a parsed routing key.
type Key struct {
	Group    string
	Producer string
	Type     string
	Action   string // optional
}

// NewKey builds and validates a routing key from its segments.
func NewKey(group, producer, typ, action string) (Key, error) {
	k := Key{Group: group, Producer: producer, Type: typ, Action: action}
	for _, seg := range k.segments() {
		if err := ValidateSegment(seg); err != nil {
			return Key{}, err
		}
	}
	return k, nil
}

// Parse parses a concrete routing key. Wildcards are rejected.
func Parse(s string) (Key, error) {
	segs, err := split(s)
	if err != nil {
		return Key{}, err
	}
	for _, seg := range segs {
		if err := ValidateSegment(seg); err != nil {
			return Key{}, fmt.Errorf("%w (key %q)", err, s)
		}
	}
	k := Key{Group: segs[0], Producer: segs[1], Type: segs[2]}
	if len(segs) == maxSegments {
		k.Action = segs[3]
	}
	return k, nil
}

// MustParse is like Parse but panics on error. Intended for static keys.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// String renders the key in dotted form.
func (k Key) String() string {
	return strings.Join(k.segments(), Separator)
}

func (k Key) segments() []string {
	segs := []string{k.Group, k.Producer, k.Type}
	if k.Action != "" {
		segs = append(segs, k.Action)
	}
	return segs
}

// ValidateSegment checks a concrete segment value.
func ValidateSegment(seg string) error {
	if seg == "" {
		return ErrEmptySegment
	}
	if strings.Contains(seg, Separator) || strings.Contains(seg, Wildcard) {
		return fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
	}
	return nil
}

// ValidatePattern checks a subscription pattern.
func ValidatePattern(pattern string) error {
	segs, err := split(pattern)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if err := validatePatternSegment(seg); err != nil {
			return fmt.Errorf("%w (pattern %q)", err, pattern)
		}
	}
	return nil
}

func validatePatternSegment(seg string) error {
	if seg == "" {
		return ErrEmptySegment
	}
	if seg == Wildcard {
		return nil
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(seg, Wildcard), Wildcard)
	if inner == "" {
		return fmt.Errorf("%w: %q", ErrInvalidWildcard, seg)
	}
	if strings.Contains(inner, Wildcard) {
		return fmt.Errorf("%w: %q", ErrInvalidWildcard, seg)
	}
	return nil
}

// Match reports whether key satisfies pattern. Invalid input never matches.
func Match(pattern, key string) bool {
	if pattern == "" || key == "" {
		return false
	}
	if pattern == key {
		return true
	}

	p := strings.Split(pattern, Separator)
	k := strings.Split(key, Separator)
	if len(p) < minSegments || len(p) > maxSegments || len(k) < minSegments || len(k) > maxSegments {
		return false
	}

	for i, seg := range p {
		if i >= len(k) {
			// pattern has an action, key does not
			return seg == Wildcard
		}
		if !MatchSegment(seg, k[i]) {
			return false
		}
	}
	return true
}

// MatchSegment matches a single segment against a pattern segment.
func MatchSegment(pattern, value string) bool {
	if pattern == Wildcard {
		return true
	}
	leading := strings.HasPrefix(pattern, Wildcard)
	trailing := strings.HasSuffix(pattern, Wildcard)
	inner := strings.TrimSuffix(strings.TrimPrefix(pattern, Wildcard), Wildcard)

	switch {
	case leading && trailing:
		return strings.Contains(value, inner)
	case leading:
		return strings.HasSuffix(value, inner)
	case trailing:
		return strings.HasPrefix(value, inner)
	default:
		return pattern == value
	}
}

// HasPartialWildcard reports whether a pattern uses "*foo" style segments.
// Brokers with native segment wildcards can only express whole "*" segments.
func HasPartialWildcard(pattern string) bool {
	for _, seg := range strings.Split(pattern, Separator) {
		if seg != Wildcard && strings.Contains(seg, Wildcard) {
			return true
		}
	}
	return false
}

// Broaden returns the pattern segments with every partial wildcard widened
// to a whole "*" segment. Brokers bind the result natively and filter
// deliveries with Match.
func Broaden(pattern string) ([]string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	segs := strings.Split(pattern, Separator)
	for i, seg := range segs {
		if strings.Contains(seg, Wildcard) {
			segs[i] = Wildcard
		}
	}
	return segs, nil
}

func split(s string) ([]string, error) {
	if s == "" {
		return nil, ErrEmptyKey
	}
	segs := strings.Split(s, Separator)
	if len(segs) < minSegments || len(segs) > maxSegments {
		return nil, fmt.Errorf("%w: %q", ErrSegmentCount, s)
	}
	return segs, nil
}
