package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
)

// Consumer describes a typed message handler.
type Consumer[T any] struct {
	// Name identifies the consumer and prefixes its inbox row ids.
	Name string

	// Pattern selects the routing keys the consumer receives (see package
	// routing).
	Pattern string

	// SubQueue optionally returns the sub-queue of a message. Messages of
	// one sub-queue are handled strictly in creation order; an empty result
	// means no ordering.
	SubQueue func(payload T) string

	// Handle processes one message. It may run more than once for the same
	// message only if it failed before.
	Handle func(ctx context.Context, payload T, env message.Envelope) error
}

// entry is a registered consumer with its payload type erased.
type entry struct {
	name     string
	pattern  string
	subQueue func(payload []byte) (string, error)
	handle   func(ctx context.Context, env message.Envelope) error
}

// Registry is the table of consumers. It is populated at startup and read
// concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{consumers: make(map[string]*entry)}
}

// Register adds a consumer. Payloads are decoded from JSON into T.
// The pattern is validated here so that a typo fails at startup.
func Register[T any](r *Registry, c Consumer[T]) error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidConsumer)
	case strings.Contains(c.Name, message.IDSeparator):
		return fmt.Errorf("%w: name %q contains %q", ErrInvalidConsumer, c.Name, message.IDSeparator)
	case c.Handle == nil:
		return fmt.Errorf("%w: %s has no handler", ErrInvalidConsumer, c.Name)
	}
	if err := routing.ValidatePattern(c.Pattern); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConsumer, c.Name, err)
	}

	e := &entry{
		name:    c.Name,
		pattern: c.Pattern,
		subQueue: func([]byte) (string, error) {
			return "", nil
		},
		handle: func(ctx context.Context, env message.Envelope) error {
			v, err := decode[T](env.Payload())
			if err != nil {
				return err
			}
			return c.Handle(ctx, v, env)
		},
	}
	if c.SubQueue != nil {
		e.subQueue = func(payload []byte) (string, error) {
			v, err := decode[T](payload)
			if err != nil {
				return "", err
			}
			return c.SubQueue(v), nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consumers[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConsumer, c.Name)
	}
	r.consumers[c.Name] = e
	return nil
}

func decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// Names returns the registered consumer names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.consumers))
	for name := range r.consumers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Patterns returns the distinct patterns of all consumers in order.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var patterns []string
	for _, e := range r.consumers {
		if !slices.Contains(patterns, e.pattern) {
			patterns = append(patterns, e.pattern)
		}
	}
	slices.Sort(patterns)
	return patterns
}

// matching returns the consumers accepting routingKey, ordered by name.
func (r *Registry) matching(routingKey string, keep func(*entry) bool) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entry
	for _, e := range r.consumers {
		if keep(e) && routing.Match(e.pattern, routingKey) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *entry) int {
		return strings.Compare(a.name, b.name)
	})
	return out
}

// owner returns the consumer a grouping key belongs to and whether the key
// carries a sub-queue. Consumer names may contain the sub-queue separator,
// so the longest matching name wins.
func (r *Registry) owner(prefix string) (*entry, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.consumers[prefix]; ok {
		return e, false, true
	}
	var best *entry
	for name, e := range r.consumers {
		if strings.HasPrefix(prefix, name+message.SubQueueSeparator) && (best == nil || len(name) > len(best.name)) {
			best = e
		}
	}
	return best, best != nil, best != nil
}

// sequential reports whether rows with the grouping key prefix must be
// handled in order.
func (r *Registry) sequential(prefix string) bool {
	_, sub, ok := r.owner(prefix)
	if !ok {
		return false
	}
	return sub
}
