package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convogrid/convogrid/pkg/models"
)

const (
	sessionKeyPrefix = "convogrid:session:"
	phoneKeyPrefix   = "convogrid:session:phone:"
)

// RedisStore is the production Store: JSON values under a TTL, with a
// phone → session-id set as the secondary index.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. ttl <= 0 selects DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string { return sessionKeyPrefix + sessionID }
func phoneKey(phone string) string       { return phoneKeyPrefix + phone }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, sessionID, identifier, platform string) (*models.Session, error) {
	sess := newSession(sessionID, identifier, platform)
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update implements Store. The version check runs inside a WATCH
// transaction; a concurrent change is logged and overwritten.
func (s *RedisStore) Update(ctx context.Context, sess *models.Session) error {
	key := sessionKey(sess.SessionID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var stored models.Session
			if jerr := json.Unmarshal(raw, &stored); jerr == nil && stored.Version != sess.Version {
				slog.Warn("Session version conflict, last write wins",
					"session_id", sess.SessionID, "stored", stored.Version, "writing", sess.Version)
			}
		}
		sess.Version++
		sess.LastActiveAt = time.Now()
		payload, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			if sess.Data.Phone != "" {
				pipe.SAdd(ctx, phoneKey(sess.Data.Phone), sess.SessionID)
				pipe.Expire(ctx, phoneKey(sess.Data.Phone), s.ttl)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", sess.SessionID, err)
	}
	return nil
}

// Mutate implements Store.
func (s *RedisStore) Mutate(ctx context.Context, sessionID string, fn func(*models.SessionData)) (*models.Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	fn(&sess.Data)
	if err := s.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Touch implements Store.
func (s *RedisStore) Touch(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.LastActiveAt = time.Now()
	return s.write(ctx, sess)
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	if sess.Data.Phone != "" {
		pipe.SRem(ctx, phoneKey(sess.Data.Phone), sessionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ByPhone implements Store.
func (s *RedisStore) ByPhone(ctx context.Context, phone string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, phoneKey(phone)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading phone index %s: %w", phone, err)
	}
	return ids, nil
}

func (s *RedisStore) write(ctx context.Context, sess *models.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.SessionID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.SessionID), payload, s.ttl)
	if sess.Data.Phone != "" {
		pipe.SAdd(ctx, phoneKey(sess.Data.Phone), sess.SessionID)
		pipe.Expire(ctx, phoneKey(sess.Data.Phone), s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}
