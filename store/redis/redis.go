// Package redis provides a Redis store.Store built on go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rbaliyan/mailbox/message"
	"github.com/rbaliyan/mailbox/store"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

/*
Redis Schema (all keys share the configured prefix, default "mailbox:"):

- String  {p}rec:{id}               msgpack encoded message.Record
- ZSet    {p}status:{status}        ids by created_at (ms)
- ZSet    {p}action:{status}        ids by last_action_at (ms)
- ZSet    {p}retry                  failed ids by next_retry_after (ms)
- ZSet    {p}group:{grouping key}   pending ids by created_at (ms)

Conditional updates WATCH the record key and apply the record and index
changes in one MULTI/EXEC, so a concurrent writer aborts the transaction.
Redis has no rollback: pair the store with a uow.PseudoContext.
*/

// Store implements store.Store for Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Redis store.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client, prefix: "mailbox:"}
}

// WithKeyPrefix sets a custom key prefix. Use distinct prefixes for the
// inbox and the outbox.
func (s *Store) WithKeyPrefix(prefix string) *Store {
	s.prefix = prefix
	return s
}

func (s *Store) recKey(id string) string            { return s.prefix + "rec:" + id }
func (s *Store) statusKey(st message.Status) string { return s.prefix + "status:" + string(st) }
func (s *Store) actionKey(st message.Status) string { return s.prefix + "action:" + string(st) }
func (s *Store) retryKey() string                   { return s.prefix + "retry" }
func (s *Store) groupKey(prefix string) string      { return s.prefix + "group:" + prefix }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func scoreArg(t time.Time, exclusive bool) string {
	if exclusive {
		return "(" + strconv.FormatInt(t.UnixMilli(), 10)
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*message.Record, error) {
	return s.load(ctx, s.client, id)
}

func (s *Store) load(ctx context.Context, c redis.Cmdable, id string) (*message.Record, error) {
	data, err := c.Get(ctx, s.recKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, classify(err))
	}
	var rec message.Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &rec, nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, rec *message.Record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.ID, err)
	}

	key := s.recKey(rec.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.addIndexes(ctx, pipe, rec)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, redis.TxFailedErr):
		// a concurrent writer created the key
		return store.ErrAlreadyExists
	default:
		return fmt.Errorf("insert %s: %w", rec.ID, classify(err))
	}
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, rec *message.Record, expectedToken string) store.Result {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return store.Failed(fmt.Errorf("encode %s: %w", rec.ID, err))
	}

	key := s.recKey(rec.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrVersionConflict
		}
		if err != nil {
			return err
		}
		if cur.ConcurrencyToken != expectedToken {
			return store.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.removeIndexes(ctx, pipe, cur)
			pipe.Set(ctx, key, data, 0)
			s.addIndexes(ctx, pipe, rec)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return store.OK()
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return store.Conflict()
	default:
		return store.Failed(fmt.Errorf("update %s: %w", rec.ID, classify(err)))
	}
}

func (s *Store) addIndexes(ctx context.Context, pipe redis.Pipeliner, rec *message.Record) {
	pipe.ZAdd(ctx, s.statusKey(rec.Status), redis.Z{Score: score(rec.CreatedAt), Member: rec.ID})
	pipe.ZAdd(ctx, s.actionKey(rec.Status), redis.Z{Score: score(rec.LastActionAt), Member: rec.ID})
	if rec.Status == message.StatusFailed {
		// no retry time means due immediately
		var at float64
		if rec.NextRetryAfter != nil {
			at = score(*rec.NextRetryAfter)
		}
		pipe.ZAdd(ctx, s.retryKey(), redis.Z{Score: at, Member: rec.ID})
	}
	if rec.Status.IsPending() {
		pipe.ZAdd(ctx, s.groupKey(rec.Prefix()), redis.Z{Score: score(rec.CreatedAt), Member: rec.ID})
	}
}

func (s *Store) removeIndexes(ctx context.Context, pipe redis.Pipeliner, rec *message.Record) {
	pipe.ZRem(ctx, s.statusKey(rec.Status), rec.ID)
	pipe.ZRem(ctx, s.actionKey(rec.Status), rec.ID)
	pipe.ZRem(ctx, s.retryKey(), rec.ID)
	pipe.ZRem(ctx, s.groupKey(rec.Prefix()), rec.ID)
}

// ListDue implements store.Store.
//
// Candidates are read from the status, retry and action indexes, up to
// Limit due rows from each, and merged in (created_at, id) order. With a
// cursor the new index starts at the cursor's millisecond.
func (s *Store) ListDue(ctx context.Context, q store.DueQuery) ([]*message.Record, error) {
	newMin := "-inf"
	if q.After != nil {
		newMin = scoreArg(q.After.CreatedAt, false)
	}

	queries := []struct {
		key string
		min string
		max string
	}{
		{s.statusKey(message.StatusNew), newMin, "+inf"},
		{s.retryKey(), "-inf", scoreArg(q.Now, false)},
		{s.actionKey(message.StatusProcessing), "-inf", scoreArg(q.StuckBefore, true)},
	}

	seen := make(map[string]struct{})
	var recs []*message.Record
	for _, qq := range queries {
		found, err := s.collectDue(ctx, q, qq.key, qq.min, qq.max, seen)
		if err != nil {
			return nil, err
		}
		recs = append(recs, found...)
	}

	slices.SortFunc(recs, store.Compare)
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	return recs, nil
}

// collectDue reads one index in chunks until Limit due rows are found or
// the range is exhausted. Rows already seen are skipped.
func (s *Store) collectDue(ctx context.Context, q store.DueQuery, key, lo, hi string, seen map[string]struct{}) ([]*message.Record, error) {
	chunk := max(int64(q.Limit), 0)
	var recs []*message.Record
	for offset := int64(0); ; offset += chunk {
		ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:    lo,
			Max:    hi,
			Offset: offset,
			Count:  chunk,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("list due: %w", classify(err))
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			rec, err := s.Get(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if q.IsDue(rec) {
				recs = append(recs, rec)
			}
		}
		if chunk == 0 || int64(len(ids)) < chunk || len(recs) >= q.Limit {
			return recs, nil
		}
	}
}

// HasOlderPending implements store.Store.
func (s *Store) HasOlderPending(ctx context.Context, prefix string, createdAt time.Time, id string) (bool, error) {
	members, err := s.client.ZRangeByScoreWithScores(ctx, s.groupKey(prefix), &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreArg(createdAt, false),
	}).Result()
	if err != nil {
		return false, fmt.Errorf("older pending %s: %w", prefix, classify(err))
	}

	ms := score(createdAt)
	for _, m := range members {
		member, _ := m.Member.(string)
		if member == id {
			continue
		}
		if m.Score < ms {
			return true, nil
		}
		// same millisecond: compare full precision timestamps
		rec, err := s.Get(ctx, member)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if store.SortsBefore(rec.CreatedAt, rec.ID, createdAt, id) {
			return true, nil
		}
	}
	return false, nil
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, status message.Status) (int64, error) {
	n, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", status, classify(err))
	}
	return n, nil
}

// DeleteOldest implements store.Store.
func (s *Store) DeleteOldest(ctx context.Context, status message.Status, limit int) (int64, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, stop).Result()
	if err != nil {
		return 0, fmt.Errorf("delete oldest: %w", classify(err))
	}
	return s.deleteIDs(ctx, ids)
}

// DeleteExpired implements store.Store.
func (s *Store) DeleteExpired(ctx context.Context, status message.Status, before time.Time, limit int) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.actionKey(status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   scoreArg(before, true),
		Count: int64(max(limit, 0)),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", classify(err))
	}
	return s.deleteIDs(ctx, ids)
}

func (s *Store) deleteIDs(ctx context.Context, ids []string) (int64, error) {
	var deleted int64
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.recKey(id))
			s.removeIndexes(ctx, pipe, rec)
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", id, classify(err))
		}
		deleted++
	}
	return deleted, nil
}

// classify wraps connection failures with store.ErrNotReady.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr interface{ Timeout() bool }
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &netErr) || isLoading(err) {
		return fmt.Errorf("%w: %w", store.ErrNotReady, err)
	}
	return err
}

func isLoading(err error) bool {
	var re redis.Error
	if errors.As(err, &re) {
		return strings.HasPrefix(re.Error(), "LOADING")
	}
	return false
}

var _ store.Store = (*Store)(nil)
