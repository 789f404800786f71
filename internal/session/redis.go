// ABOUTME: Redis-backed session store with TTL and optimistic appends
// ABOUTME: Sessions are JSON blobs under session:{id}; user_sessions:{user} sets index ownership

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "user_sessions:"

	// appendRetries bounds the optimistic-concurrency retry loop; each retry
	// backs off with up to appendJitterMax of jitter.
	appendRetries   = 3
	appendJitterMax = 10 * time.Millisecond
)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client     *redis.Client
	ttl        time.Duration
	maxHistory int
}

// NewRedisStore wraps client with the configured TTL and history cap.
// Zero values select the defaults (3600s, 50).
func NewRedisStore(client *redis.Client, ttl time.Duration, maxHistory int) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &RedisStore{client: client, ttl: ttl, maxHistory: maxHistory}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }
func userKey(userID string) string { return userKeyPrefix + userID }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sess.ID), data, s.ttl)
		pipe.SAdd(ctx, userKey(sess.UserID), sess.ID)
		pipe.Expire(ctx, userKey(sess.UserID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	// Load first so the owner's index can be cleaned up. A missing session
	// still deletes the key unconditionally.
	var ownerID string
	if sess, err := s.Get(ctx, sessionID); err == nil {
		ownerID = sess.UserID
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(sessionID))
		if ownerID != "" {
			pipe.SRem(ctx, userKey(ownerID), sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListByUser implements Store. Members whose session key already expired are
// pruned from the set as a side effect.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing user sessions: %w", err)
	}

	live := make([]string, 0, len(members))
	var dead []interface{}
	for _, id := range members {
		exists, err := s.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("checking session %s: %w", id, err)
		}
		if exists > 0 {
			live = append(live, id)
		} else {
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		_ = s.client.SRem(ctx, userKey(userID), dead...).Err()
	}
	return live, nil
}

// Update implements Store using WATCH-based optimistic concurrency.
func (s *RedisStore) Update(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	key := sessionKey(sessionID)

	var updated *Session
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading session: %w", err)
		}

		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("decoding session %s: %w", sessionID, err)
		}
		if err := fn(&sess); err != nil {
			return err
		}
		sess.Touch()

		out, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("encoding session %s: %w", sessionID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			pipe.Expire(ctx, userKey(sess.UserID), s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &sess
		return nil
	}

	for range appendRetries {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			time.Sleep(time.Duration(rand.Int64N(int64(appendJitterMax))))
			continue
		}
		return nil, err
	}
	return nil, ErrConflict
}

// AppendMessage implements Store in terms of Update.
func (s *RedisStore) AppendMessage(ctx context.Context, sessionID string, msg Message) (*Session, error) {
	return s.Update(ctx, sessionID, func(sess *Session) error {
		sess.Append(msg, s.maxHistory)
		return nil
	})
}

// Count implements Store by scanning session keys.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	var total int64
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		total++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning sessions: %w", err)
	}
	return total, nil
}

// Ping reports whether the backing Redis is reachable. The health endpoint
// uses it to distinguish healthy from degraded.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
