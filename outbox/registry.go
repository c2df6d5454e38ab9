package outbox

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/routing"
)

// Route binds a payload type to where it is published.
type Route struct {
	// Producer names the outbox rows of this type (the id prefix).
	Producer string
	// RoutingKey is the default routing key. See RoutingKeyer.
	RoutingKey string
	// PayloadType is the type name carried in the envelope.
	PayloadType string
}

// RoutingKeyer is implemented by payloads that pick their own routing key.
// An empty result falls back to the route's default.
type RoutingKeyer interface {
	RoutingKey() string
}

// typeKey identifies T in the registry. Distinct type arguments produce
// distinct, comparable map keys.
type typeKey[T any] struct{}

// Registry maps payload types to routes. It is populated at startup and
// read concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	byType map[any]Route
	names  map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[any]Route),
		names:  make(map[string]struct{}),
	}
}

// Register adds the route for payload type T. The routing key is validated
// here so that misconfiguration fails at startup rather than on publish.
func Register[T any](r *Registry, route Route) error {
	if err := route.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := typeKey[T]{}
	if _, ok := r.byType[key]; ok {
		return fmt.Errorf("%w: %T", ErrDuplicateRoute, *new(T))
	}
	if _, ok := r.names[route.PayloadType]; ok {
		return fmt.Errorf("%w: payload type %q", ErrDuplicateRoute, route.PayloadType)
	}
	r.byType[key] = route
	r.names[route.PayloadType] = struct{}{}
	return nil
}

// Lookup returns the route registered for T.
func Lookup[T any](r *Registry) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.byType[typeKey[T]{}]
	return route, ok
}

// Routes returns every registered route ordered by payload type.
func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]Route, 0, len(r.byType))
	for _, route := range r.byType {
		routes = append(routes, route)
	}
	slices.SortFunc(routes, func(a, b Route) int {
		return strings.Compare(a.PayloadType, b.PayloadType)
	})
	return routes
}

// producers returns the producer names of the registered routes.
func (r *Registry) producers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byType))
	for _, route := range r.byType {
		names = append(names, route.Producer)
	}
	return names
}

func (route Route) validate() error {
	switch {
	case route.Producer == "":
		return fmt.Errorf("%w: empty producer", ErrInvalidRoute)
	case strings.Contains(route.Producer, message.IDSeparator):
		return fmt.Errorf("%w: producer %q contains %q", ErrInvalidRoute, route.Producer, message.IDSeparator)
	case route.PayloadType == "":
		return fmt.Errorf("%w: empty payload type", ErrInvalidRoute)
	}
	if _, err := routing.Parse(route.RoutingKey); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRoute, err)
	}
	return nil
}
