package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store"
)

const (
	dueKey        = "entries:due"
	nextRunKey    = "entries:next_run"
	identifierKey = "entries:identifier"

	// maxWatchRetries bounds optimistic-lock retries in Save.
	maxWatchRetries = 5
)

func dataKey(id string) string             { return "entry:data:" + id }
func statusKey(id string) string           { return "entry:status:" + id }
func statusSetKey(s domain.Status) string  { return "entries:status:" + string(s) }
func triggerSetKey(trigger string) string  { return "entries:trigger:" + trigger }
func dueScore(t time.Time) float64         { return float64(t.UnixMicro()) }
func createdScore(e *domain.Entry) float64 { return float64(e.CreatedAt.UnixMicro()) }

// claimScript moves an entry between statuses only when it is still in the
// expected one. The per-status index keeps the entry's creation score. An
// entry moved back to PENDING re-enters the due index at its stored next run.
//
// KEYS: status key, due zset, old status set, new status set, next-run hash
// ARGV: from, to, id
var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return -1 end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
if ARGV[1] == 'PENDING' then redis.call('ZREM', KEYS[2], ARGV[3]) end
if ARGV[2] == 'PENDING' then
  local nr = redis.call('HGET', KEYS[5], ARGV[3])
  if nr then redis.call('ZADD', KEYS[2], nr, ARGV[3]) end
end
local score = redis.call('ZSCORE', KEYS[3], ARGV[3]) or 0
redis.call('ZREM', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[4], score, ARGV[3])
return 1
`)

// EntryStore keeps scheduler entries in Redis.
//
// Layout:
//
//	entry:data:{id}           JSON document
//	entry:status:{id}         status string, the source of truth for Claim
//	entries:due               ZSET of PENDING ids scored by next run (µs)
//	entries:next_run          HASH id → next run (µs), whatever the status
//	entries:status:{status}   ZSET of ids scored by creation time (µs)
//	entries:identifier        HASH identifier → id
//	entries:trigger:{name}    SET of EVENT entry ids
type EntryStore struct {
	client *redis.Client
}

// NewEntryStore creates a Redis-backed store.EntryStore.
func NewEntryStore(client *redis.Client) *EntryStore {
	return &EntryStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

var _ store.EntryStore = (*EntryStore)(nil)

func (s *EntryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *EntryStore) Save(ctx context.Context, e *domain.Entry) error {
	if e.ID == "" {
		e.ID = store.NewID()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", e.ID, err)
	}

	txf := func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, e.ID)
		var notFound *domain.EntryNotFoundError
		if err != nil && !errors.As(err, &notFound) {
			return err
		}

		if e.Identifier != "" {
			owner, err := tx.HGet(ctx, identifierKey, e.Identifier).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("redis identifier lookup %q: %w", e.Identifier, err)
			}
			if owner != "" && owner != e.ID {
				return fmt.Errorf("save entry %s: identifier %q already used by entry %s", e.ID, e.Identifier, owner)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				unindex(ctx, pipe, prev)
			}
			pipe.Set(ctx, dataKey(e.ID), data, 0)
			pipe.Set(ctx, statusKey(e.ID), string(e.Status()), 0)
			index(ctx, pipe, e)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, dataKey(e.ID), statusKey(e.ID), identifierKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redis save entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *EntryStore) Get(ctx context.Context, id string) (*domain.Entry, error) {
	return s.load(ctx, s.client, id)
}

func (s *EntryStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Entry, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", dueScore(now))}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, dueKey, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("redis find due: %w", err)
	}
	entries, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	due := entries[:0]
	for _, e := range entries {
		if e.Status() == domain.StatusPending {
			due = append(due, e)
		}
	}
	return due, nil
}

func (s *EntryStore) Claim(ctx context.Context, id string, from, to domain.Status) (bool, error) {
	keys := []string{statusKey(id), dueKey, statusSetKey(from), statusSetKey(to), nextRunKey}
	res, err := claimScript.Run(ctx, s.client, keys, string(from), string(to), id).Int()
	if err != nil {
		return false, fmt.Errorf("redis claim entry %s: %w", id, err)
	}
	switch res {
	case -1:
		return false, &domain.EntryNotFoundError{EntryID: id}
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (s *EntryStore) Delete(ctx context.Context, id string) error {
	e, err := s.load(ctx, s.client, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		unindex(ctx, pipe, e)
		pipe.Del(ctx, dataKey(id), statusKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete entry %s: %w", id, err)
	}
	return nil
}

func (s *EntryStore) FindByIdentifier(ctx context.Context, identifier string) (*domain.Entry, error) {
	id, err := s.client.HGet(ctx, identifierKey, identifier).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.EntryNotFoundError{EntryID: identifier}
		}
		return nil, fmt.Errorf("redis identifier lookup %q: %w", identifier, err)
	}
	return s.load(ctx, s.client, id)
}

func (s *EntryStore) FindByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, statusSetKey(status), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis find by status %s: %w", status, err)
	}
	return s.loadMany(ctx, ids)
}

func (s *EntryStore) FindByTrigger(ctx context.Context, trigger string) ([]*domain.Entry, error) {
	ids, err := s.client.SMembers(ctx, triggerSetKey(trigger)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis find by trigger %q: %w", trigger, err)
	}
	return s.loadMany(ctx, ids)
}

// multiGetter is satisfied by both *redis.Client and a WATCH transaction.
type multiGetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func (s *EntryStore) load(ctx context.Context, c multiGetter, id string) (*domain.Entry, error) {
	vals, err := c.MGet(ctx, dataKey(id), statusKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get entry %s: %w", id, err)
	}
	e, err := decode(id, vals[0], vals[1])
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &domain.EntryNotFoundError{EntryID: id}
	}
	return e, nil
}

// loadMany reads entries in id order, skipping ids deleted since indexing.
func (s *EntryStore) loadMany(ctx context.Context, ids []string) ([]*domain.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		keys = append(keys, dataKey(id), statusKey(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get entries: %w", err)
	}
	out := make([]*domain.Entry, 0, len(ids))
	for i, id := range ids {
		e, err := decode(id, vals[2*i], vals[2*i+1])
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func decode(id string, data, status any) (*domain.Entry, error) {
	raw, ok := data.(string)
	if !ok {
		return nil, nil
	}
	var e domain.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry %s: %w", id, err)
	}
	if st, ok := status.(string); ok {
		if parsed, ok := domain.ParseStatus(st); ok {
			e.LoadStatus(parsed)
		}
	}
	return &e, nil
}

func index(ctx context.Context, pipe redis.Pipeliner, e *domain.Entry) {
	if e.NextRunAt != nil {
		score := dueScore(*e.NextRunAt)
		pipe.HSet(ctx, nextRunKey, e.ID, strconv.FormatFloat(score, 'f', -1, 64))
		if e.Status() == domain.StatusPending {
			pipe.ZAdd(ctx, dueKey, redis.Z{Score: score, Member: e.ID})
		}
	}
	pipe.ZAdd(ctx, statusSetKey(e.Status()), redis.Z{Score: createdScore(e), Member: e.ID})
	if e.Identifier != "" {
		pipe.HSet(ctx, identifierKey, e.Identifier, e.ID)
	}
	if e.Config.Type == domain.TypeEvent {
		pipe.SAdd(ctx, triggerSetKey(e.Config.EventTrigger), e.ID)
	}
}

func unindex(ctx context.Context, pipe redis.Pipeliner, e *domain.Entry) {
	pipe.ZRem(ctx, dueKey, e.ID)
	pipe.HDel(ctx, nextRunKey, e.ID)
	pipe.ZRem(ctx, statusSetKey(e.Status()), e.ID)
	if e.Identifier != "" {
		pipe.HDel(ctx, identifierKey, e.Identifier)
	}
	if e.Config.Type == domain.TypeEvent {
		pipe.SRem(ctx, triggerSetKey(e.Config.EventTrigger), e.ID)
	}
}
