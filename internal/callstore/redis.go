package callstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"call-signaling/internal/call"
)

// RedisStore is the production Store. One JSON document per call id, mutated
// only through Lua scripts so that the status compare-and-set, the write-once
// stamps, the revision bump, the staleness indexes and the change publish all
// happen atomically in a single server-side step.
//
// Keys:
//
//	call:<id>          record JSON
//	calls:ringing      zset of ringing ids, scored by status_changed_at (ms)
//	calls:connecting   zset of connecting ids, scored by status_changed_at (ms)
//	calls:terminal     zset of terminal ids, scored by ended_at (ms)
//
// Every accepted write publishes the full new snapshot on call.events:<id>.
// Pub/sub can drop messages across reconnects, so subscribers also poll the
// record on a slow interval and deduplicate by revision.
type RedisStore struct {
	rdb *redis.Client

	// pollInterval is the subscriber fallback poll. Tests shorten it.
	pollInterval time.Duration
	clock        func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		pollInterval: 15 * time.Second,
		clock:        time.Now,
	}
}

func recordKey(id string) string    { return "call:" + id }
func eventChannel(id string) string { return "call.events:" + id }

const (
	ringingIndexKey    = "calls:ringing"
	connectingIndexKey = "calls:connecting"
	terminalIndexKey   = "calls:terminal"
)

var createScript = redis.NewScript(`
-- KEYS[1] = record key
-- KEYS[2] = ringing index
-- ARGV[1] = record JSON
-- ARGV[2] = call id
-- ARGV[3] = created_at (unix ms)
-- ARGV[4] = publish channel
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return redis.error_reply('EXISTS')
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('PUBLISH', ARGV[4], ARGV[1])
return 1
`)

var updateScript = redis.NewScript(`
-- KEYS[1] = record key
-- KEYS[2] = ringing index
-- KEYS[3] = connecting index
-- KEYS[4] = terminal index
-- ARGV[1] = expected status
-- ARGV[2] = new status ('' = signal-only append)
-- ARGV[3] = now, RFC3339
-- ARGV[4] = now, unix ms
-- ARGV[5] = signal JSON ('' = none)
-- ARGV[6] = '1' when new status is terminal
-- ARGV[7] = publish channel
local raw = redis.call('GET', KEYS[1])
if not raw then
  return redis.error_reply('NOTFOUND')
end
local rec = cjson.decode(raw)
if rec.status ~= ARGV[1] then
  return redis.error_reply('CONFLICT')
end

local target = ARGV[2]
if target ~= '' and target ~= rec.status then
  if rec.status == 'ringing' then redis.call('ZREM', KEYS[2], rec.id) end
  if rec.status == 'connecting' then redis.call('ZREM', KEYS[3], rec.id) end
  rec.status = target
  rec.status_changed_at = ARGV[3]
  if target == 'connecting' then redis.call('ZADD', KEYS[3], ARGV[4], rec.id) end
  if target == 'connected' and rec.connected_at == nil then
    rec.connected_at = ARGV[3]
  end
  if ARGV[6] == '1' then
    if rec.ended_at == nil then rec.ended_at = ARGV[3] end
    redis.call('ZADD', KEYS[4], ARGV[4], rec.id)
  end
end
if ARGV[5] ~= '' then
  if rec.signals == nil then rec.signals = {} end
  table.insert(rec.signals, cjson.decode(ARGV[5]))
end
rec.revision = rec.revision + 1

local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out)
redis.call('PUBLISH', ARGV[7], out)
return out
`)

var deleteScript = redis.NewScript(`
-- KEYS[1..4] = record key, ringing index, connecting index, terminal index
-- ARGV[1] = call id
-- ARGV[2] = publish channel
if redis.call('DEL', KEYS[1]) == 0 then
  return redis.error_reply('NOTFOUND')
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('PUBLISH', ARGV[2], '{"deleted":true}')
return 1
`)

func (s *RedisStore) Create(ctx context.Context, rec call.Record) (call.Record, error) {
	if rec.ID == "" || rec.CallerID == "" || rec.RecipientID == "" ||
		rec.CallerID == rec.RecipientID || !rec.Type.Valid() {
		return call.Record{}, ErrInvalidRecord
	}
	if rec.Status == "" {
		rec.Status = call.StatusRinging
	}
	if rec.Status != call.StatusRinging {
		return call.Record{}, ErrInvalidRecord
	}

	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.StatusChangedAt = rec.CreatedAt
	rec.ConnectedAt = nil
	rec.EndedAt = nil
	rec.Revision = 1

	raw, err := json.Marshal(rec)
	if err != nil {
		return call.Record{}, fmt.Errorf("callstore: marshal record: %w", err)
	}

	err = createScript.Run(ctx, s.rdb,
		[]string{recordKey(rec.ID), ringingIndexKey},
		raw, rec.ID, rec.CreatedAt.UnixMilli(), eventChannel(rec.ID),
	).Err()
	if err != nil {
		return call.Record{}, scriptErr(err)
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (call.Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if err == redis.Nil {
		return call.Record{}, ErrNotFound
	}
	if err != nil {
		return call.Record{}, fmt.Errorf("callstore: get %s: %w", id, err)
	}
	return decodeRecord(raw)
}

func (s *RedisStore) Update(ctx context.Context, id string, mut call.Mutation, expected call.Status) (call.Record, error) {
	changingStatus := mut.Status != "" && mut.Status != expected
	if changingStatus {
		if err := call.ValidateTransition(expected, mut.Status); err != nil {
			return call.Record{}, err
		}
	}
	if !changingStatus && mut.Signal == nil {
		return call.Record{}, ErrInvalidRecord
	}

	now := s.clock().UTC()
	target := ""
	terminal := "0"
	if changingStatus {
		target = string(mut.Status)
		if mut.Status.Terminal() {
			terminal = "1"
		}
	}

	sigJSON := ""
	if mut.Signal != nil {
		sig := *mut.Signal
		if sig.SentAt.IsZero() {
			sig.SentAt = now
		}
		b, err := json.Marshal(sig)
		if err != nil {
			return call.Record{}, fmt.Errorf("callstore: marshal signal: %w", err)
		}
		sigJSON = string(b)
	}

	raw, err := updateScript.Run(ctx, s.rdb,
		[]string{recordKey(id), ringingIndexKey, connectingIndexKey, terminalIndexKey},
		string(expected), target,
		now.Format(time.RFC3339Nano), now.UnixMilli(),
		sigJSON, terminal, eventChannel(id),
	).Text()
	if err != nil {
		return call.Record{}, scriptErr(err)
	}
	return decodeRecord([]byte(raw))
}

func (s *RedisStore) Subscribe(ctx context.Context, id string) (<-chan call.Record, func(), error) {
	// Subscribe before the initial read so no revision between the two is lost.
	pubsub := s.rdb.Subscribe(ctx, eventChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("callstore: subscribe %s: %w", id, err)
	}

	first, err := s.Get(ctx, id)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan call.Record)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer cancel()

		lastRev := int64(0)
		deliver := func(rec call.Record) bool {
			if rec.Revision <= lastRev {
				return true
			}
			lastRev = rec.Revision
			select {
			case out <- rec:
				return true
			case <-done:
				return false
			}
		}

		if !deliver(first) {
			return
		}

		msgs := pubsub.Channel()
		poll := time.NewTicker(s.pollInterval)
		defer poll.Stop()

		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				rec, deleted, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					continue
				}
				if deleted {
					return
				}
				if !deliver(rec) {
					return
				}
			case <-poll.C:
				// Fallback for publishes dropped across pub/sub reconnects.
				rec, err := s.Get(ctx, id)
				if err == ErrNotFound {
					return
				}
				if err != nil {
					continue
				}
				if !deliver(rec) {
					return
				}
			}
		}
	}()

	return out, cancel, nil
}

func (s *RedisStore) ListStale(ctx context.Context, status call.Status, cutoff time.Time, limit int) ([]call.Record, error) {
	var index string
	switch status {
	case call.StatusRinging:
		index = ringingIndexKey
	case call.StatusConnecting:
		index = connectingIndexKey
	default:
		return nil, fmt.Errorf("callstore: no staleness index for status %s", status)
	}
	return s.listIndexed(ctx, index, status, cutoff, limit)
}

func (s *RedisStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]call.Record, error) {
	return s.listIndexed(ctx, terminalIndexKey, "", cutoff, limit)
}

func (s *RedisStore) listIndexed(ctx context.Context, index string, status call.Status, cutoff time.Time, limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", cutoff.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("callstore: range %s: %w", index, err)
	}

	out := make([]call.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err == ErrNotFound {
			// Index entry outlived the record; drop it lazily.
			_ = s.rdb.ZRem(ctx, index, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index is eventually consistent with the record under concurrent
		// transitions; re-check before handing the record to the reaper.
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	err := deleteScript.Run(ctx, s.rdb,
		[]string{recordKey(id), ringingIndexKey, connectingIndexKey, terminalIndexKey},
		id, eventChannel(id),
	).Err()
	if err != nil {
		return scriptErr(err)
	}
	return nil
}

func decodeRecord(raw []byte) (call.Record, error) {
	var rec call.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return call.Record{}, fmt.Errorf("callstore: decode record: %w", err)
	}
	return rec, nil
}

func decodeEvent(raw []byte) (call.Record, bool, error) {
	var probe struct {
		Deleted bool `json:"deleted"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return call.Record{}, false, err
	}
	if probe.Deleted {
		return call.Record{}, true, nil
	}
	rec, err := decodeRecord(raw)
	return rec, false, err
}

// scriptErr maps Lua error replies onto the package sentinels.
func scriptErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "EXISTS"):
		return ErrAlreadyExists
	case strings.Contains(msg, "CONFLICT"):
		return ErrStatusConflict
	case strings.Contains(msg, "NOTFOUND"):
		return ErrNotFound
	default:
		return fmt.Errorf("callstore: script: %w", err)
	}
}
