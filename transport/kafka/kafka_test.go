package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rbaliyan/mailbox/codec"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/transport"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{ch: ch}
}

// fakeGroup feeds one claim to the handler, then blocks until cancelled.
type fakeGroup struct {
	sarama.ConsumerGroup
	claim   *fakeClaim
	session *fakeSession
	once    sync.Once
	closed  chan struct{}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, h sarama.ConsumerGroupHandler) error {
	g.once.Do(func() {
		g.session.ctx = ctx
		_ = h.ConsumeClaim(g.session, g.claim)
	})
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Close() error {
	close(g.closed)
	return nil
}

func encoded(t *testing.T, env message.Envelope, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	data, err := codec.Default().Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	return &sarama.ConsumerMessage{Topic: DefaultTopic, Offset: offset, Value: data}
}

func TestSend(t *testing.T) {
	t.Run("produces to the topic keyed by routing key", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
		env := message.NewEnvelope("t1", "Sales.Order.Placed", "OrderPlaced", []byte(`{"id":1}`))

		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			if msg.Topic != "orders" {
				return errors.New("unexpected topic " + msg.Topic)
			}
			key, _ := msg.Key.Encode()
			if string(key) != "Sales.Order.Placed" {
				return errors.New("unexpected key " + string(key))
			}
			value, _ := msg.Value.Encode()
			got, err := codec.Default().Decode(value)
			if err != nil {
				return err
			}
			if got.TrackingID() != "t1" || string(got.Payload()) != `{"id":1}` {
				return errors.New("unexpected envelope")
			}
			return nil
		})

		tr := NewWithProducer(producer, nil, WithTopic("orders"))
		if err := tr.Send(context.Background(), env); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if err := producer.Close(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("broker errors are returned", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
		producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

		tr := NewWithProducer(producer, nil)
		err := tr.Send(context.Background(), message.NewEnvelope("", "A.B.C", "T", nil))
		if !errors.Is(err, sarama.ErrNotLeaderForPartition) {
			t.Fatalf("expected leader error, got %v", err)
		}
	})

	t.Run("envelope without routing key is rejected", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
		tr := NewWithProducer(producer, nil)
		err := tr.Send(context.Background(), message.NewEnvelope("", "", "T", nil))
		if !errors.Is(err, transport.ErrNoRoutingKey) {
			t.Fatalf("expected ErrNoRoutingKey, got %v", err)
		}
	})

	t.Run("closed transport", func(t *testing.T) {
		producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
		tr := NewWithProducer(producer, nil)
		if err := tr.Close(context.Background()); err != nil {
			t.Fatal(err)
		}
		err := tr.Send(context.Background(), message.NewEnvelope("", "A.B.C", "T", nil))
		if !errors.Is(err, transport.ErrTransportClosed) {
			t.Fatalf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestConsumeClaim(t *testing.T) {
	t.Run("marks matching, foreign and undecodable messages", func(t *testing.T) {
		var got []string
		h := &consumerHandler{
			receiver: transport.Filter("Sales.*.*", transport.ReceiverFunc(func(_ context.Context, env message.Envelope) error {
				got = append(got, env.TrackingID())
				return nil
			})),
			codec:  codec.Default(),
			logger: transport.Logger("test"),
		}
		session := &fakeSession{ctx: context.Background()}
		claim := claimOf(
			encoded(t, message.NewEnvelope("a", "Sales.Order.Placed", "T", nil), 1),
			encoded(t, message.NewEnvelope("b", "Billing.Invoice.Paid", "T", nil), 2),
			&sarama.ConsumerMessage{Offset: 3, Value: []byte("garbage")},
		)

		if err := h.ConsumeClaim(session, claim); err != nil {
			t.Fatalf("ConsumeClaim: %v", err)
		}
		if len(got) != 1 || got[0] != "a" {
			t.Errorf("expected only a to be received, got %v", got)
		}
		if marked := session.offsets(); len(marked) != 3 {
			t.Errorf("expected 3 marked offsets, got %v", marked)
		}
	})

	t.Run("failing receiver abandons the claim unmarked", func(t *testing.T) {
		calls := 0
		h := &consumerHandler{
			receiver: transport.ReceiverFunc(func(context.Context, message.Envelope) error {
				calls++
				return errors.New("store down")
			}),
			codec:        codec.Default(),
			redeliveries: 2,
			retryDelay:   time.Millisecond,
			logger:       transport.Logger("test"),
		}
		session := &fakeSession{ctx: context.Background()}
		claim := claimOf(
			encoded(t, message.NewEnvelope("a", "Sales.Order.Placed", "T", nil), 1),
			encoded(t, message.NewEnvelope("b", "Sales.Order.Placed", "T", nil), 2),
		)

		if err := h.ConsumeClaim(session, claim); err == nil {
			t.Fatal("expected error")
		}
		if calls != 3 {
			t.Errorf("expected 3 attempts, got %d", calls)
		}
		if marked := session.offsets(); len(marked) != 0 {
			t.Errorf("expected nothing marked, got %v", marked)
		}
	})
}

func TestSubscribe(t *testing.T) {
	t.Run("delivers through the consumer group", func(t *testing.T) {
		group := &fakeGroup{
			claim:   claimOf(encoded(t, message.NewEnvelope("a", "Sales.Order.Placed", "T", nil), 7)),
			session: &fakeSession{},
			closed:  make(chan struct{}),
		}
		var groupID string
		tr := NewWithProducer(mocks.NewSyncProducer(t, mocks.NewTestConfig()), func(id string) (sarama.ConsumerGroup, error) {
			groupID = id
			return group, nil
		}, WithConsumerGroup("billing"))

		received := make(chan string, 1)
		sub, err := tr.Subscribe(context.Background(), "Sales.*.*", transport.ReceiverFunc(func(_ context.Context, env message.Envelope) error {
			received <- env.TrackingID()
			return nil
		}))
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if groupID != "billing.Sales.*.*" {
			t.Errorf("unexpected group id %q", groupID)
		}

		select {
		case id := <-received:
			if id != "a" {
				t.Errorf("expected a, got %s", id)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}

		if err := tr.Close(context.Background()); err != nil {
			t.Fatalf("Close: %v", err)
		}
		select {
		case <-group.closed:
		default:
			t.Error("consumer group was not closed")
		}
		if sub.Pattern() != "Sales.*.*" {
			t.Errorf("unexpected pattern %q", sub.Pattern())
		}
	})

	t.Run("invalid pattern", func(t *testing.T) {
		tr := NewWithProducer(mocks.NewSyncProducer(t, mocks.NewTestConfig()), nil)
		if _, err := tr.Subscribe(context.Background(), "Sales..Order", transport.ReceiverFunc(nil)); err == nil {
			t.Fatal("expected error")
		}
	})
}
