package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"github.com/rbaliyan/mailbox/store/storetest"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client).WithKeyPrefix("test:"), mr
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestRedisIndexes(t *testing.T) {
	ctx := context.Background()

	t.Run("processed rows leave the group index", func(t *testing.T) {
		s, mr := newTestStore(t)
		rec := storetest.NewRecord("consumer", "sub", "t1", message.StatusNew, storetest.Base)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		group := "test:group:" + rec.Prefix()
		if members, _ := mr.ZMembers(group); len(members) != 1 {
			t.Fatalf("expected 1 group member, got %v", members)
		}

		token := rec.ConcurrencyToken
		if err := rec.Transition(message.StatusProcessing, storetest.Base); err != nil {
			t.Fatal(err)
		}
		if res := s.Update(ctx, rec, token); !res.IsOK() {
			t.Fatalf("claim failed: %v", res.Err())
		}
		token = rec.ConcurrencyToken
		if err := rec.Transition(message.StatusProcessed, storetest.Base); err != nil {
			t.Fatal(err)
		}
		if res := s.Update(ctx, rec, token); !res.IsOK() {
			t.Fatalf("complete failed: %v", res.Err())
		}

		if mr.Exists(group) {
			members, _ := mr.ZMembers(group)
			if len(members) != 0 {
				t.Errorf("expected empty group, got %v", members)
			}
		}
		if n, _ := s.Count(ctx, message.StatusProcessed); n != 1 {
			t.Errorf("expected 1 processed, got %d", n)
		}
		if n, _ := s.Count(ctx, message.StatusNew); n != 0 {
			t.Errorf("expected 0 new, got %d", n)
		}
	})

	t.Run("delete removes record and indexes", func(t *testing.T) {
		s, mr := newTestStore(t)
		rec := storetest.NewRecord("consumer", "", "t1", message.StatusNew, storetest.Base)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		n, err := s.DeleteOldest(ctx, message.StatusNew, 10)
		if err != nil || n != 1 {
			t.Fatalf("DeleteOldest = %d, %v", n, err)
		}
		if mr.Exists("test:rec:" + rec.ID) {
			t.Error("expected record key to be deleted")
		}
		if _, err := s.Get(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("closed server is not ready", func(t *testing.T) {
		s, mr := newTestStore(t)
		mr.Close()
		_, err := s.Count(ctx, message.StatusNew)
		if err == nil {
			t.Fatal("expected error")
		}
	})
}
