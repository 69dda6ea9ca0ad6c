package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps session records in Redis so the two participants can run
// in separate processes. Every validated write (create, description slots,
// status transitions, capped candidate appends) is a Lua script so the check
// and the write are atomic even with both peers hitting the store at once.
//
// Layout per call id:
//
//	call:{id}            hash with the scalar fields
//	call:{id}:cand:caller, call:{id}:cand:receiver   RPUSH-only lists
//	calls:active:{userID}   set of call ids the user participates in
//
// Terminal status writes PEXPIRE the call keys with the grace period, which
// is what makes an ended call disappear from ListActiveFor on later polls.
type RedisStore struct {
	rdb    *redis.Client
	limits Limits
}

func NewRedisStore(rdb *redis.Client, limits Limits) *RedisStore {
	return &RedisStore{rdb: rdb, limits: limits}
}

// OpenRedis creates a client and verifies connectivity with a ping.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func callKey(id string) string            { return "call:" + id }
func candKey(id string, role Role) string { return "call:" + id + ":cand:" + string(role) }
func activeKey(userID string) string      { return "calls:active:" + userID }

// KEYS[1] = call hash, KEYS[2..3] = both users' active sets
// ARGV[1] = call id, ARGV[2..] = hash field/value pairs
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// KEYS[1] = call hash
// ARGV[1] = slot ('offer'|'answer'), ARGV[2] = blob
// Returns -1 missing, 0 refused, 1 written.
var setDescriptionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], ARGV[1]) then
  return 0
end
if ARGV[1] == 'answer' and not redis.call('HGET', KEYS[1], 'offer') then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// KEYS[1] = call hash, KEYS[2] = candidate list
// ARGV[1] = blob, ARGV[2] = per-role cap
// Returns -1 missing, 0 over cap, else new length.
var appendCandidateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('LLEN', KEYS[2]) >= tonumber(ARGV[2]) then
  return 0
end
return redis.call('RPUSH', KEYS[2], ARGV[1])
`)

// KEYS[1] = call hash, KEYS[2..3] = candidate lists
// ARGV[1] = new status, ARGV[2] = now unix ms, ARGV[3] = grace period ms
// Returns -1 missing, 0 illegal transition, 1 written.
var setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = redis.call('HGET', KEYS[1], 'status')
local new = ARGV[1]
local ok = false
if cur == 'ringing' and (new == 'connected' or new == 'ended' or new == 'rejected') then
  ok = true
elseif cur == 'connected' and new == 'ended' then
  ok = true
end
if not ok then
  return 0
end
redis.call('HSET', KEYS[1], 'status', new)
if new == 'connected' then
  redis.call('HSET', KEYS[1], 'connected_at', ARGV[2])
else
  redis.call('HSET', KEYS[1], 'ended_at', ARGV[2])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
  redis.call('PEXPIRE', KEYS[3], ARGV[3])
end
return 1
`)

func (r *RedisStore) Create(ctx context.Context, sess *CallSession) error {
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := sess.Status
	if status == "" {
		status = StatusRinging
	}
	fields := []interface{}{
		sess.ID,
		"id", sess.ID,
		"caller_id", sess.CallerID,
		"receiver_id", sess.ReceiverID,
		"caller_name", sess.CallerName,
		"caller_avatar", sess.CallerAvatar,
		"media_kind", string(sess.MediaKind),
		"status", string(status),
		"created_at", strconv.FormatInt(createdAt.UnixMilli(), 10),
	}
	keys := []string{callKey(sess.ID), activeKey(sess.CallerID), activeKey(sess.ReceiverID)}
	res, err := createScript.Run(ctx, r.rdb, keys, fields...).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrConflict
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*CallSession, error) {
	fields, err := r.rdb.HGetAll(ctx, callKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	sess := &CallSession{
		ID:                fields["id"],
		CallerID:          fields["caller_id"],
		ReceiverID:        fields["receiver_id"],
		CallerName:        fields["caller_name"],
		CallerAvatar:      fields["caller_avatar"],
		MediaKind:         MediaKind(fields["media_kind"]),
		Status:            Status(fields["status"]),
		OfferDescription:  fields["offer"],
		AnswerDescription: fields["answer"],
		CreatedAt:         millisField(fields, "created_at"),
		ConnectedAt:       millisField(fields, "connected_at"),
		EndedAt:           millisField(fields, "ended_at"),
	}
	if sess.CallerCandidates, err = r.rdb.LRange(ctx, candKey(id, RoleCaller), 0, -1).Result(); err != nil {
		return nil, err
	}
	if sess.ReceiverCandidates, err = r.rdb.LRange(ctx, candKey(id, RoleReceiver), 0, -1).Result(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *RedisStore) SetDescription(ctx context.Context, id string, desc Desc, blob string) error {
	res, err := setDescriptionScript.Run(ctx, r.rdb, []string{callKey(id)}, string(desc), blob).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrInvalidTransition
	}
	return nil
}

func (r *RedisStore) AppendCandidate(ctx context.Context, id string, role Role, blob string) error {
	keys := []string{callKey(id), candKey(id, role)}
	res, err := appendCandidateScript.Run(ctx, r.rdb, keys, blob, r.limits.MaxCandidatesPerRole).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrCandidateLimit
	}
	return nil
}

func (r *RedisStore) SetStatus(ctx context.Context, id string, status Status) error {
	keys := []string{callKey(id), candKey(id, RoleCaller), candKey(id, RoleReceiver)}
	res, err := setStatusScript.Run(ctx, r.rdb, keys,
		string(status),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		strconv.FormatInt(r.limits.GracePeriod.Milliseconds(), 10),
	).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrInvalidTransition
	}
	return nil
}

func (r *RedisStore) ListActiveFor(ctx context.Context, userID string) ([]*CallSession, error) {
	ids, err := r.rdb.SMembers(ctx, activeKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*CallSession, 0, len(ids))
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// expired past the grace period (or never finished creating):
			// drop it from this user's active set
			_ = r.rdb.SRem(ctx, activeKey(userID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.limits.MaxSessionAge > 0 && time.Since(sess.CreatedAt) > r.limits.MaxSessionAge {
			_ = r.rdb.Del(ctx, callKey(id), candKey(id, RoleCaller), candKey(id, RoleReceiver)).Err()
			_ = r.rdb.SRem(ctx, activeKey(userID), id).Err()
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func millisField(fields map[string]string, name string) time.Time {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
