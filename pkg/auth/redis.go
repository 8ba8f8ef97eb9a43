package auth

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

const authKeyPrefix = "convogrid:auth:"

// RedisService is the production auth Service: records in Redis under a TTL,
// events over Redis pub/sub so every instance sees logins from its peers.
type RedisService struct {
	client *redis.Client
	ttl    time.Duration
	locks  *phoneLocks
}

// NewRedisService wraps an existing client. ttl <= 0 selects DefaultTTL.
func NewRedisService(client *redis.Client, ttl time.Duration) *RedisService {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisService{client: client, ttl: ttl, locks: newPhoneLocks()}
}

func authKey(phone string) string { return authKeyPrefix + phone }

// AuthenticateUser implements Service.
func (s *RedisService) AuthenticateUser(ctx context.Context, user *models.AuthUser, channel string) error {
	phone := NormalizePhone(user.Phone)
	if phone == "" {
		return fmt.Errorf("empty phone for user %s", user.UserID)
	}
	unlock := s.locks.lock(phone)
	defer unlock()

	record := *user
	record.Phone = phone
	record.AuthenticatedAt = time.Now()
	record.LastActiveAt = time.Now()
	if channel != "" && !contains(record.Channels, channel) {
		record.Channels = append(record.Channels, channel)
	}

	payload, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("encoding auth record %s: %w", phone, err)
	}
	if err := s.client.Set(ctx, authKey(phone), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing auth record %s: %w", phone, err)
	}

	s.publish(ctx, models.AuthEvent{
		Kind:      models.AuthLogin,
		Phone:     phone,
		UserID:    record.UserID,
		Token:     record.Token,
		Channel:   channel,
		Timestamp: time.Now(),
	})
	slog.Info("User authenticated", "phone", phone, "user_id", record.UserID, "channel", channel)
	return nil
}

// LogoutUser implements Service.
func (s *RedisService) LogoutUser(ctx context.Context, phone, channel string) error {
	phone = NormalizePhone(phone)
	unlock := s.locks.lock(phone)
	defer unlock()

	if err := s.client.Del(ctx, authKey(phone)).Err(); err != nil {
		return fmt.Errorf("deleting auth record %s: %w", phone, err)
	}
	s.publish(ctx, models.AuthEvent{
		Kind:      models.AuthLogout,
		Phone:     phone,
		Channel:   channel,
		Timestamp: time.Now(),
	})
	slog.Info("User logged out", "phone", phone, "channel", channel)
	return nil
}

// GetByPhone implements Service.
func (s *RedisService) GetByPhone(ctx context.Context, phone string) (*models.AuthUser, error) {
	phone = NormalizePhone(phone)
	raw, err := s.client.Get(ctx, authKey(phone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("reading auth record %s: %w", phone, err)
	}
	var user models.AuthUser
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decoding auth record %s: %w", phone, err)
	}
	// Reads refresh the TTL; active users stay signed in.
	if err := s.client.Expire(ctx, authKey(phone), s.ttl).Err(); err != nil {
		slog.Warn("Failed to refresh auth TTL", "phone", phone, "error", err)
	}
	return &user, nil
}

// Subscribe implements Service.
func (s *RedisService) Subscribe(ctx context.Context) (<-chan models.AuthEvent, func(), error) {
	sub := s.client.Subscribe(ctx, EventsChannel)
	// Force the subscription onto the wire before handing the channel out.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", EventsChannel, err)
	}

	out := make(chan models.AuthEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event models.AuthEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("Dropping malformed auth event", "error", err)
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

func (s *RedisService) publish(ctx context.Context, event models.AuthEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to encode auth event", "error", err)
		return
	}
	if err := s.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		// Sync is best-effort; the authoritative record is already stored.
		slog.Warn("Failed to publish auth event", "kind", event.Kind, "error", err)
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
