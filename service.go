package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailbox/cleanup"
	"github.com/rbaliyan/mailbox/inbox"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/outbox"
	"github.com/rbaliyan/mailbox/ratelimit"
	"github.com/rbaliyan/mailbox/store"
	"github.com/rbaliyan/mailbox/transport"
	"golang.org/x/sync/errgroup"
)

// Service errors
var (
	ErrTransportRequired = errors.New("transport is required: use WithTransport(channel.New()) or similar")
	ErrNothingToRun      = errors.New("neither outbox nor inbox configured: use WithOutbox or WithInbox")
	ErrAlreadyRunning    = errors.New("service already running")
	ErrServiceClosed     = errors.New("service closed")
)

// StatusCode represents the health state of the service
type StatusCode string

const (
	// StatusHealthy indicates the service is functioning normally
	StatusHealthy StatusCode = "healthy"
	// StatusDegraded indicates rows are failing or the breaker is open
	StatusDegraded StatusCode = "degraded"
	// StatusUnhealthy indicates the service is closed or a store is unreachable
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status contains detailed status information for the service
type Status struct {
	Code      StatusCode       `json:"status"`
	Message   string           `json:"message,omitempty"`
	Outbox    map[string]int64 `json:"outbox,omitempty"`
	Inbox     map[string]int64 `json:"inbox,omitempty"`
	Details   map[string]any   `json:"details,omitempty"`
	CheckedAt time.Time        `json:"checked_at"`
}

// IsHealthy returns true if the status code is healthy
func (s *Status) IsHealthy() bool {
	return s.Code == StatusHealthy
}

type side[O any] struct {
	store store.Store
	opts  O
}

// serviceOptions holds configuration for the service (unexported)
type serviceOptions struct {
	transport transport.Transport
	outbox    *side[outbox.Options]
	routes    *outbox.Registry
	inbox     *side[inbox.Options]
	consumers *inbox.Registry
	cleanup   *cleanup.Options
	limiter   ratelimit.Limiter
	logger    *slog.Logger
}

// ServiceOption option function for service configuration
type ServiceOption func(*serviceOptions)

// WithTransport sets the broker used to send and receive
func WithTransport(t transport.Transport) ServiceOption {
	return func(o *serviceOptions) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithOutbox enables the producer and dispatcher over s. The route
// registry may be nil.
func WithOutbox(s store.Store, routes *outbox.Registry, opts outbox.Options) ServiceOption {
	return func(o *serviceOptions) {
		o.outbox = &side[outbox.Options]{store: s, opts: opts}
		o.routes = routes
	}
}

// WithInbox enables the receiver and worker over s for the consumers in
// registry.
func WithInbox(s store.Store, registry *inbox.Registry, opts inbox.Options) ServiceOption {
	return func(o *serviceOptions) {
		o.inbox = &side[inbox.Options]{store: s, opts: opts}
		o.consumers = registry
	}
}

// WithCleanup runs a sweeper over each configured store
func WithCleanup(opts cleanup.Options) ServiceOption {
	return func(o *serviceOptions) {
		o.cleanup = &opts
	}
}

// WithLimiter throttles outbox sends
func WithLimiter(l ratelimit.Limiter) ServiceOption {
	return func(o *serviceOptions) {
		o.limiter = l
	}
}

// WithLogger sets a custom logger for the service and its components
func WithLogger(l *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

const (
	serviceIdle int32 = iota
	serviceRunning
	serviceClosed
)

// Service runs the outbox dispatcher, the inbox worker and the sweepers of
// one process.
type Service struct {
	status     int32
	id         string
	name       string
	transport  transport.Transport
	logger     *slog.Logger
	producer   *outbox.Producer
	dispatcher *outbox.Dispatcher
	worker     *inbox.Worker
	receiver   *inbox.Receiver
	sweepers   map[string]*cleanup.Sweeper
	stores     map[string]store.Store

	mu   sync.Mutex
	subs []transport.Subscription
}

// NewService creates a service. Returns error if:
//   - Transport is not provided via WithTransport()
//   - Neither WithOutbox nor WithInbox is given
//   - Any component rejects its options
func NewService(name string, opts ...ServiceOption) (*Service, error) {
	o := &serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		return nil, ErrTransportRequired
	}
	if o.outbox == nil && o.inbox == nil {
		return nil, ErrNothingToRun
	}
	if name == "" {
		name = "mailbox"
	}

	svc := &Service{
		id:        uuid.NewString(),
		name:      name,
		transport: o.transport,
		logger:    o.logger.With("component", "service>"+name),
		sweepers:  make(map[string]*cleanup.Sweeper),
		stores:    make(map[string]store.Store),
	}

	if o.outbox != nil {
		d, err := outbox.NewDispatcher(o.outbox.store, o.transport, o.outbox.opts)
		if err != nil {
			return nil, err
		}
		d.WithLogger(o.logger.With("component", "outbox.dispatcher"))
		if o.limiter != nil {
			d.WithLimiter(o.limiter)
		}
		svc.dispatcher = d
		svc.producer = outbox.NewProducer(o.outbox.store, o.routes).
			WithName(name).
			WithDispatcher(d).
			WithLogger(o.logger.With("component", "outbox.producer"))
		svc.stores["outbox"] = o.outbox.store
	}

	if o.inbox != nil {
		consumers := o.consumers
		if consumers == nil {
			consumers = inbox.NewRegistry()
		}
		w, err := inbox.NewWorker(o.inbox.store, consumers, o.inbox.opts)
		if err != nil {
			return nil, err
		}
		svc.worker = w.WithLogger(o.logger.With("component", "inbox.worker"))
		svc.receiver = inbox.NewReceiver(w).WithLogger(o.logger.With("component", "inbox.receiver"))
		svc.stores["inbox"] = o.inbox.store
	}

	if o.cleanup != nil {
		for side, s := range svc.stores {
			sw, err := cleanup.New(s, *o.cleanup)
			if err != nil {
				return nil, err
			}
			svc.sweepers[side] = sw.WithLogger(o.logger.With("component", "cleanup>"+side))
		}
	}
	return svc, nil
}

// ID returns the service instance ID
func (s *Service) ID() string {
	return s.id
}

// Name returns the service name, also the default outbox producer name
func (s *Service) Name() string {
	return s.name
}

// Producer returns the outbox producer, or nil without WithOutbox
func (s *Service) Producer() *outbox.Producer {
	return s.producer
}

// Dispatcher returns the outbox dispatcher, or nil without WithOutbox
func (s *Service) Dispatcher() *outbox.Dispatcher {
	return s.dispatcher
}

// Worker returns the inbox worker, or nil without WithInbox
func (s *Service) Worker() *inbox.Worker {
	return s.worker
}

// Receiver returns the inbox receiver, or nil without WithInbox
func (s *Service) Receiver() *inbox.Receiver {
	return s.receiver
}

// Run subscribes the inbox consumers and runs every loop until ctx is
// cancelled or one of them fails. It returns nil on cancellation.
func (s *Service) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.status, serviceIdle, serviceRunning) {
		if atomic.LoadInt32(&s.status) == serviceClosed {
			return ErrServiceClosed
		}
		return ErrAlreadyRunning
	}

	if s.receiver != nil {
		subs, err := s.receiver.Subscribe(ctx, s.transport)
		if err != nil {
			return fmt.Errorf("inbox subscribe: %w", err)
		}
		s.mu.Lock()
		s.subs = subs
		s.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.dispatcher != nil {
		g.Go(func() error { return s.dispatcher.Run(gctx) })
	}
	if s.worker != nil {
		g.Go(func() error { return s.worker.Run(gctx) })
	}
	for _, sw := range s.sweepers {
		g.Go(func() error { return sw.Run(gctx) })
	}

	s.logger.Info("service started", "id", s.id)
	err := g.Wait()
	s.logger.Info("service stopped", "id", s.id)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close closes the inbox subscriptions and the transport. Loops stop when
// the context given to Run is cancelled.
func (s *Service) Close(ctx context.Context) error {
	if atomic.SwapInt32(&s.status, serviceClosed) == serviceClosed {
		return nil
	}
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", sub.Pattern(), err))
		}
	}
	if err := s.transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}

// Status returns row counts per status for each store. Failed rows make
// the service degraded; a closed service or an unreachable store makes it
// unhealthy.
func (s *Service) Status(ctx context.Context) *Status {
	result := &Status{
		Code:      StatusHealthy,
		Message:   "service is healthy",
		Details:   map[string]any{"service": s.name, "id": s.id},
		CheckedAt: time.Now(),
	}
	if atomic.LoadInt32(&s.status) == serviceClosed {
		result.Code = StatusUnhealthy
		result.Message = "service is closed"
		return result
	}

	for side, st := range s.stores {
		counts := make(map[string]int64, len(message.Statuses))
		for _, status := range message.Statuses {
			n, err := st.Count(ctx, status)
			if err != nil {
				result.Code = StatusUnhealthy
				result.Message = fmt.Sprintf("%s store: %v", side, err)
				return result
			}
			counts[status.String()] = n
		}
		if side == "outbox" {
			result.Outbox = counts
		} else {
			result.Inbox = counts
		}
		if counts[message.StatusFailed.String()] > 0 && result.Code == StatusHealthy {
			result.Code = StatusDegraded
			result.Message = side + " has failed rows"
		}
	}

	if b, ok := s.transport.(interface{ State() string }); ok {
		result.Details["breaker"] = b.State()
		if b.State() == "open" {
			result.Code = StatusDegraded
			result.Message = "circuit breaker is open"
		}
	}
	return result
}

// Health performs a health check suitable for health probes.
// Returns nil unless the service is unhealthy.
func (s *Service) Health(ctx context.Context) error {
	status := s.Status(ctx)
	if status.Code == StatusUnhealthy {
		return errors.New(status.Message)
	}
	return nil
}
