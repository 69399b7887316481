package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/protoq/protoq/pkg/schema"
)

// RedisStore implements QueueStore on a Redis server. Entries are JSON strings
// keyed by queue id, the history order is a sorted set scored by id, and the
// pending order is a list. Compound operations are serialized by a store-level
// mutex; the orchestrator is the single writer, so the mutex only guards
// concurrent reads against in-flight rewrites.
type RedisStore struct {
	mu     sync.Mutex
	rdb    *redis.Client
	prefix string
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces all keys, e.g. "protoq".
	Prefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Prefix == "" {
		opts.Prefix = "protoq"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, storeErr("redis ping", err)
	}
	return &RedisStore{rdb: rdb, prefix: opts.Prefix}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) entryKey(id int64) string { return s.key("entry", strconv.FormatInt(id, 10)) }
func (s *RedisStore) idsKey() string           { return s.key("ids") }
func (s *RedisStore) pendingKey() string       { return s.key("pending") }
func (s *RedisStore) seqKey() string           { return s.key("seq") }
func (s *RedisStore) runsKey() string          { return s.key("runs") }
func (s *RedisStore) runOrderKey() string      { return s.key("runs", "order") }

func (s *RedisStore) Push(ctx context.Context, entry *schema.QueueEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.QueueID == 0 {
		id, err := s.rdb.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return 0, storeErr("next queue id", err)
		}
		entry.QueueID = id
	} else {
		// Keep the sequence ahead of explicitly assigned ids so they are
		// never handed out again.
		cur, err := s.rdb.Get(ctx, s.seqKey()).Int64()
		if err != nil && err != redis.Nil {
			return 0, storeErr("read queue seq", err)
		}
		if entry.QueueID > cur {
			if err := s.rdb.Set(ctx, s.seqKey(), entry.QueueID, 0).Err(); err != nil {
				return 0, storeErr("advance queue seq", err)
			}
		}
	}
	if entry.Status == "" {
		entry.Status = schema.EntryStatusCreated
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if err := s.putEntry(ctx, entry); err != nil {
		return 0, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.idsKey(), redis.Z{Score: float64(entry.QueueID), Member: entry.QueueID})
	pipe.RPush(ctx, s.pendingKey(), entry.QueueID)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, storeErr("enqueue entry", err)
	}
	return entry.QueueID, nil
}

func (s *RedisStore) PushRun(ctx context.Context, run *schema.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(run)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal run").WithCause(err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.runsKey(), run.ID, raw)
	// NX keeps the original insertion position on upsert.
	pipe.ZAddNX(ctx, s.runOrderKey(), redis.Z{Score: float64(run.CreatedAt.UnixNano()), Member: run.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("store run", err)
	}
	return nil
}

func (s *RedisStore) StartNext(ctx context.Context) (*schema.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.rdb.LIndex(ctx, s.pendingKey(), 0).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("peek pending", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueueConsistency, "bad pending id %q", raw)
	}
	e, err := s.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != schema.EntryStatusStarted {
		e.Status = schema.EntryStatusStarted
		if e.StartedAt == nil {
			now := time.Now().UTC()
			e.StartedAt = &now
		}
		if err := s.putEntry(ctx, e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (s *RedisStore) Complete(ctx context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(ctx, queueID, func(e *schema.QueueEntry) {
		e.Status = schema.EntryStatusCompleted
		if e.CompletedAt == nil {
			now := time.Now().UTC()
			e.CompletedAt = &now
		}
	}, true)
}

func (s *RedisStore) Skip(ctx context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(ctx, queueID, func(e *schema.QueueEntry) {
		e.Status = schema.EntryStatusSkipped
		if e.SkippedAt == nil {
			now := time.Now().UTC()
			e.SkippedAt = &now
		}
	}, true)
}

func (s *RedisStore) Fail(ctx context.Context, queueID int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(ctx, queueID, func(e *schema.QueueEntry) {
		e.Status = schema.EntryStatusFailed
		e.Error = cause
		if e.FailedAt == nil {
			now := time.Now().UTC()
			e.FailedAt = &now
		}
	}, false)
}

// transition applies fn to the stored entry and optionally drops it from the
// pending list. Caller holds s.mu.
func (s *RedisStore) transition(ctx context.Context, queueID int64, fn func(*schema.QueueEntry), unqueue bool) error {
	e, err := s.getEntry(ctx, queueID)
	if err != nil {
		return err
	}
	fn(e)
	if err := s.putEntry(ctx, e); err != nil {
		return err
	}
	if unqueue {
		if err := s.rdb.LRem(ctx, s.pendingKey(), 1, queueID).Err(); err != nil {
			return storeErr("remove pending", err)
		}
	}
	return nil
}

func (s *RedisStore) SkipUntil(ctx context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pendingList(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(pending, queueID)
	if idx < 0 {
		return schema.NewErrorf(schema.ErrCodeQueueConsistency, "entry %d is not pending", queueID)
	}
	now := time.Now().UTC()
	for _, id := range pending[:idx] {
		e, err := s.getEntry(ctx, id)
		if err != nil {
			return err
		}
		e.Status = schema.EntryStatusSkipped
		if e.SkippedAt == nil {
			ts := now
			e.SkippedAt = &ts
		}
		if err := s.putEntry(ctx, e); err != nil {
			return err
		}
	}
	return s.rewritePending(ctx, pending[idx:])
}

func (s *RedisStore) GotoCommand(ctx context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pendingList(ctx)
	if err != nil {
		return err
	}
	if idx := indexOf(pending, queueID); idx >= 0 {
		rotated := append(append([]int64{}, pending[idx:]...), pending[:idx]...)
		return s.rewritePending(ctx, rotated)
	}

	target, err := s.getEntry(ctx, queueID)
	if err != nil {
		return err
	}
	ids, err := s.historyIDs(ctx)
	if err != nil {
		return err
	}
	var replay []int64
	for _, id := range ids {
		if id > queueID || indexOf(pending, id) >= 0 {
			continue
		}
		e, err := s.getEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.RunID != target.RunID {
			continue
		}
		resetEntry(e)
		if err := s.putEntry(ctx, e); err != nil {
			return err
		}
		replay = append(replay, id)
	}
	return s.rewritePending(ctx, append(replay, pending...))
}

func (s *RedisStore) GotoRunIndex(ctx context.Context, runID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.historyIDs(ctx)
	if err != nil {
		return err
	}
	var runEntries []int64
	entriesByID := make(map[int64]*schema.QueueEntry)
	for _, id := range ids {
		e, err := s.getEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.RunID == runID {
			runEntries = append(runEntries, id)
			entriesByID[id] = e
		}
	}
	if index < 0 || index >= len(runEntries) {
		return schema.NewErrorf(schema.ErrCodeQueueConsistency,
			"index %d out of range for run %q with %d commands", index, runID, len(runEntries))
	}

	suffix := runEntries[index:]
	inSuffix := make(map[int64]struct{}, len(suffix))
	for _, id := range suffix {
		inSuffix[id] = struct{}{}
		e := entriesByID[id]
		resetEntry(e)
		if err := s.putEntry(ctx, e); err != nil {
			return err
		}
	}
	pending, err := s.pendingList(ctx)
	if err != nil {
		return err
	}
	order := append([]int64{}, suffix...)
	for _, id := range pending {
		if _, ok := inSuffix[id]; !ok {
			order = append(order, id)
		}
	}
	return s.rewritePending(ctx, order)
}

func (s *RedisStore) ClearCompleted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.historyIDs(ctx)
	if err != nil {
		return err
	}
	pending, err := s.pendingList(ctx)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		if indexOf(pending, id) >= 0 {
			continue
		}
		pipe.Del(ctx, s.entryKey(id))
		pipe.ZRem(ctx, s.idsKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("clear completed", err)
	}
	return nil
}

func (s *RedisStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.historyIDs(ctx)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.entryKey(id))
	}
	pipe.Del(ctx, s.idsKey())
	pipe.Del(ctx, s.pendingKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("clear all", err)
	}
	return nil
}

func (s *RedisStore) ClearRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.historyIDs(ctx)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		e, err := s.getEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.RunID != runID {
			continue
		}
		pipe.Del(ctx, s.entryKey(id))
		pipe.ZRem(ctx, s.idsKey(), id)
		pipe.LRem(ctx, s.pendingKey(), 1, id)
	}
	pipe.HDel(ctx, s.runsKey(), runID)
	pipe.ZRem(ctx, s.runOrderKey(), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("clear run", err)
	}
	return nil
}

func (s *RedisStore) All(ctx context.Context) ([]*schema.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.historyIDs(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]*schema.QueueEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.getEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Page(ctx context.Context, offset, limit int) ([]*schema.QueueEntry, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

func (s *RedisStore) PendingIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingList(ctx)
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	raw, err := s.rdb.HGet(ctx, s.runsKey(), runID).Result()
	if err == redis.Nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	if err != nil {
		return nil, storeErr("load run", err)
	}
	r := &schema.Run{}
	if err := json.Unmarshal([]byte(raw), r); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal run").WithCause(err)
	}
	return r, nil
}

func (s *RedisStore) Runs(ctx context.Context) ([]*schema.Run, error) {
	ids, err := s.rdb.ZRange(ctx, s.runOrderKey(), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	runs := make([]*schema.Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			if schema.ErrorCodeOf(err) == schema.ErrCodeNotFound {
				continue
			}
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func (s *RedisStore) RunCount(ctx context.Context) (int, error) {
	n, err := s.rdb.HLen(ctx, s.runsKey()).Result()
	if err != nil {
		return 0, storeErr("count runs", err)
	}
	return int(n), nil
}

// --- Helpers (caller holds s.mu where mutation is involved) ---

func (s *RedisStore) getEntry(ctx context.Context, id int64) (*schema.QueueEntry, error) {
	raw, err := s.rdb.Get(ctx, s.entryKey(id)).Result()
	if err == redis.Nil {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storeErr("load entry", err)
	}
	e := &schema.QueueEntry{}
	if err := json.Unmarshal([]byte(raw), e); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "unmarshal entry").WithCause(err).WithEntry(id)
	}
	return e, nil
}

func (s *RedisStore) putEntry(ctx context.Context, e *schema.QueueEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal entry").WithCause(err).WithEntry(e.QueueID)
	}
	if err := s.rdb.Set(ctx, s.entryKey(e.QueueID), raw, 0).Err(); err != nil {
		return storeErr("store entry", err)
	}
	return nil
}

func (s *RedisStore) pendingList(ctx context.Context) ([]int64, error) {
	raw, err := s.rdb.LRange(ctx, s.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list pending", err)
	}
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeQueueConsistency, "bad pending id %q", r)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisStore) historyIDs(ctx context.Context) ([]int64, error) {
	raw, err := s.rdb.ZRange(ctx, s.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list ids", err)
	}
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad history id %q", r)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisStore) rewritePending(ctx context.Context, ids []int64) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.pendingKey())
	for _, id := range ids {
		pipe.RPush(ctx, s.pendingKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("rewrite pending", err)
	}
	return nil
}

var _ QueueStore = (*RedisStore)(nil)
