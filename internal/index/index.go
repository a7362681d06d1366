// Package index implements the spec's Index Store: a Redis-backed fast
// shared store providing the priority/scheduled/processing/dead ordered
// sets, rate-limiter hashes, circuit-breaker hashes, pub/sub notification
// channels and short-lived locks. Every multi-step operation is scripted
// via redis.Eval so it is atomic with respect to concurrent workers,
// following the compare-and-set idiom this codebase's checkpoint store
// uses for its distributed claim mechanism.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/aneuhaus/http-queue-manager/internal/logging"
	"github.com/aneuhaus/http-queue-manager/internal/queue"
	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
)

const (
	channelNewRequest = "channel:new-request"
	channelRetry      = "channel:retry"
)

// Store is the Redis-backed Index Store.
type Store struct {
	client *redis.Client
	prefix string
	logger logging.Logger
}

// New constructs a Store. client should already be connected; prefix is
// the configurable key namespace (default "hqm:" per §6).
func New(client *redis.Client, prefix string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("queue/index")
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

func (s *Store) key(suffix string) string { return s.prefix + suffix }

func (s *Store) keyPriority() string   { return s.key("queue:pending") }
func (s *Store) keyProcessing() string { return s.key("queue:processing") }
func (s *Store) keyScheduled() string  { return s.key("queue:scheduled") }
func (s *Store) keyDead() string       { return s.key("queue:dead") }
func (s *Store) keyRequest(id string) string {
	return s.key(fmt.Sprintf("request:%s", id))
}

// Enqueue stores a serialized snapshot of r and adds its id to the priority
// set, then publishes a new-request notification.
func (s *Store) Enqueue(ctx context.Context, r queue.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return queueerr.Wrap("enqueue", queueerr.KindIndex, r.ID, err)
	}
	score := float64(100 - r.Priority)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyRequest(r.ID), data, 0)
	pipe.ZAdd(ctx, s.keyPriority(), &redis.Z{Score: score, Member: r.ID})
	pipe.Publish(ctx, channelNewRequest, r.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return queueerr.Wrap("enqueue", queueerr.KindIndex, r.ID, err)
	}
	return nil
}

// EnqueueMany enqueues a batch without an individual publish per id,
// emitting a single "batch:{n}" notification afterward per §4.8.
func (s *Store) EnqueueMany(ctx context.Context, reqs []queue.Request) error {
	if len(reqs) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	members := make([]*redis.Z, 0, len(reqs))
	for _, r := range reqs {
		data, err := json.Marshal(r)
		if err != nil {
			return queueerr.Wrap("enqueueMany", queueerr.KindIndex, r.ID, err)
		}
		pipe.Set(ctx, s.keyRequest(r.ID), data, 0)
		members = append(members, &redis.Z{Score: float64(100 - r.Priority), Member: r.ID})
	}
	pipe.ZAdd(ctx, s.keyPriority(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return queueerr.Wrap("enqueueMany", queueerr.KindIndex, "", err)
	}
	if err := s.client.Publish(ctx, channelNewRequest, fmt.Sprintf("batch:%d", len(reqs))).Err(); err != nil {
		s.logger.Warn("failed to publish batch notification", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// EnqueueScheduled stores a serialized snapshot of r and adds its id
// directly to the scheduled set due at r.ScheduledFor, for requests
// admitted with a future ScheduledFor that never passed through the
// priority set. No notification is published; the periodic
// promote-and-drain tick picks it up once due.
func (s *Store) EnqueueScheduled(ctx context.Context, r queue.Request, scheduledFor time.Time) error {
	data, err := json.Marshal(r)
	if err != nil {
		return queueerr.Wrap("enqueueScheduled", queueerr.KindIndex, r.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyRequest(r.ID), data, 0)
	pipe.ZAdd(ctx, s.keyScheduled(), &redis.Z{Score: float64(scheduledFor.UnixMilli()), Member: r.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return queueerr.Wrap("enqueueScheduled", queueerr.KindIndex, r.ID, err)
	}
	return nil
}

// dequeueScript atomically pops the lowest-score member of the priority set
// and inserts it into the processing set scored at now. Returns the popped
// id, or an empty string if the priority set was empty.
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if popped[1] == nil then
	return ''
end
local id = popped[1]
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// Dequeue atomically pops the lowest-score id from the priority set and
// marks it processing, returning the deserialized Request. Returns
// (zero-value, false, nil) when the priority set is empty.
func (s *Store) Dequeue(ctx context.Context, now time.Time) (queue.Request, bool, error) {
	id, err := dequeueScript.Run(ctx, s.client,
		[]string{s.keyPriority(), s.keyProcessing()},
		now.UnixMilli(),
	).Text()
	if err != nil {
		return queue.Request{}, false, queueerr.Wrap("dequeue", queueerr.KindIndex, "", err)
	}
	if id == "" {
		return queue.Request{}, false, nil
	}
	req, err := s.loadRequest(ctx, id)
	if err != nil {
		return queue.Request{}, false, err
	}
	return req, true, nil
}

func (s *Store) loadRequest(ctx context.Context, id string) (queue.Request, error) {
	data, err := s.client.Get(ctx, s.keyRequest(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return queue.Request{}, queueerr.Wrap("loadRequest", queueerr.KindNotFound, id, err)
		}
		return queue.Request{}, queueerr.Wrap("loadRequest", queueerr.KindIndex, id, err)
	}
	var req queue.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return queue.Request{}, queueerr.Wrap("loadRequest", queueerr.KindIndex, id, err)
	}
	return req, nil
}

// moveScript removes a member from one set and adds it to another with a
// given score. Used by scheduleRetry, moveToDead and the
// orphan-recovery sweep's reclaim step.
var moveScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
if KEYS[2] ~= '' then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return 1
`)

// ScheduleRetry removes id from processing and adds it to the scheduled
// set due at `at`, then publishes a retry notification.
func (s *Store) ScheduleRetry(ctx context.Context, id string, at time.Time) error {
	if err := moveScript.Run(ctx, s.client,
		[]string{s.keyProcessing(), s.keyScheduled()},
		id, at.UnixMilli(),
	).Err(); err != nil {
		return queueerr.Wrap("scheduleRetry", queueerr.KindIndex, id, err)
	}
	payload, _ := json.Marshal(map[string]interface{}{"requestId": id, "retryAt": at.UnixMilli()})
	if err := s.client.Publish(ctx, channelRetry, payload).Err(); err != nil {
		s.logger.Warn("failed to publish retry notification", map[string]interface{}{"error": err.Error(), "request_id": id})
	}
	return nil
}

// promoteScript atomically moves every member of the scheduled set whose
// score is <= now into the priority set at a neutral score, returning the
// moved ids.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #due == 0 then
	return {}
end
for i, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return due
`)

// PromoteScheduledRequests atomically moves every due entry from scheduled
// back to priority with a neutral score (priority=50 -> score=50),
// publishing a single new-request notification if anything moved.
// Re-running this with nothing due is a no-op, satisfying the spec's
// idempotence requirement.
func (s *Store) PromoteScheduledRequests(ctx context.Context, now time.Time) ([]string, error) {
	res, err := promoteScript.Run(ctx, s.client,
		[]string{s.keyScheduled(), s.keyPriority()},
		now.UnixMilli(), float64(100-queue.DefaultPriority),
	).StringSlice()
	if err != nil {
		return nil, queueerr.Wrap("promoteScheduledRequests", queueerr.KindIndex, "", err)
	}
	if len(res) > 0 {
		if err := s.client.Publish(ctx, channelNewRequest, fmt.Sprintf("promoted:%d", len(res))).Err(); err != nil {
			s.logger.Warn("failed to publish promotion notification", map[string]interface{}{"error": err.Error()})
		}
	}
	return res, nil
}

// MarkComplete removes id from the processing set.
func (s *Store) MarkComplete(ctx context.Context, id string) error {
	if err := s.client.ZRem(ctx, s.keyProcessing(), id).Err(); err != nil {
		return queueerr.Wrap("markComplete", queueerr.KindIndex, id, err)
	}
	return nil
}

// MoveToDead removes id from processing and inserts it into the dead set
// scored at now.
func (s *Store) MoveToDead(ctx context.Context, id string, now time.Time) error {
	if err := moveScript.Run(ctx, s.client,
		[]string{s.keyProcessing(), s.keyDead()},
		id, now.UnixMilli(),
	).Err(); err != nil {
		return queueerr.Wrap("moveToDead", queueerr.KindIndex, id, err)
	}
	return nil
}

// cancelScript atomically removes a member from two sets, returning the
// number of sets it was actually present in.
var cancelScript = redis.NewScript(`
local removed = 0
removed = removed + redis.call('ZREM', KEYS[1], ARGV[1])
removed = removed + redis.call('ZREM', KEYS[2], ARGV[1])
return removed
`)

// Cancel atomically removes id from the priority and scheduled sets.
// Returns whether either set was affected; ids already in processing are
// untouched, matching §4.2's "requests already in processing are not
// cancelled".
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	n, err := cancelScript.Run(ctx, s.client,
		[]string{s.keyPriority(), s.keyScheduled()},
		id,
	).Int()
	if err != nil {
		return false, queueerr.Wrap("cancel", queueerr.KindIndex, id, err)
	}
	return n > 0, nil
}

// ReclaimOrphans moves entries of the processing set whose claim-time score
// is older than olderThan back into the priority set, returning the
// reclaimed ids. Used by the worker pool's orphan-recovery sweep (§4.7).
func (s *Store) ReclaimOrphans(ctx context.Context, olderThan time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keyProcessing(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", olderThan.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, queueerr.Wrap("reclaimOrphans", queueerr.KindIndex, "", err)
	}
	for _, id := range ids {
		if err := moveScript.Run(ctx, s.client,
			[]string{s.keyProcessing(), s.keyPriority()},
			id, float64(100-queue.DefaultPriority),
		).Err(); err != nil {
			return nil, queueerr.Wrap("reclaimOrphans", queueerr.KindIndex, id, err)
		}
	}
	if len(ids) > 0 {
		if err := s.client.Publish(ctx, channelNewRequest, fmt.Sprintf("promoted:%d", len(ids))).Err(); err != nil {
			s.logger.Warn("failed to publish orphan-reclaim notification", map[string]interface{}{"error": err.Error()})
		}
	}
	return ids, nil
}

// AcquireLock attempts to claim resource exclusively for ttl, returning a
// unique token on success, grounded on the checkpoint store's SETNX-based
// distributed claim pattern.
func (s *Store) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key("lock:"+resource), token, ttl).Result()
	if err != nil {
		return "", false, queueerr.Wrap("acquireLock", queueerr.KindIndex, resource, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// releaseLockScript is the compare-and-delete idiom this codebase's
// checkpoint store uses for its expired-claim release.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ReleaseLock releases resource only if token matches the current holder.
func (s *Store) ReleaseLock(ctx context.Context, resource, token string) error {
	if err := releaseLockScript.Run(ctx, s.client, []string{s.key("lock:" + resource)}, token).Err(); err != nil {
		return queueerr.Wrap("releaseLock", queueerr.KindIndex, resource, err)
	}
	return nil
}

// Subscribe returns a Redis PubSub subscribed to the new-request and retry
// channels. Callers must Close it on shutdown.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, channelNewRequest, channelRetry)
}

// PriorityLen, ScheduledLen, ProcessingLen, DeadLen report set
// cardinalities for getStats/getBackpressureState-style callers.
func (s *Store) PriorityLen(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.keyPriority()).Result()
}

func (s *Store) ScheduledLen(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.keyScheduled()).Result()
}

func (s *Store) ProcessingLen(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.keyProcessing()).Result()
}

func (s *Store) DeadLen(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.keyDead()).Result()
}

// Close releases the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }
