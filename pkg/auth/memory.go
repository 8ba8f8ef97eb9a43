package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/convogrid/convogrid/pkg/models"
)

// MemoryService is the in-process Service used by tests and single-node dev
// setups. Pub/sub is a local fan-out to subscribers.
type MemoryService struct {
	ttl time.Duration

	mu      sync.Mutex
	records map[string]*memRecord
	subs    map[int]chan models.AuthEvent
	nextSub int
	locks   *phoneLocks
}

type memRecord struct {
	user      models.AuthUser
	expiresAt time.Time
}

// NewMemoryService creates an empty service. ttl <= 0 selects DefaultTTL.
func NewMemoryService(ttl time.Duration) *MemoryService {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryService{
		ttl:     ttl,
		records: make(map[string]*memRecord),
		subs:    make(map[int]chan models.AuthEvent),
		locks:   newPhoneLocks(),
	}
}

// AuthenticateUser implements Service.
func (s *MemoryService) AuthenticateUser(_ context.Context, user *models.AuthUser, channel string) error {
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

	s.mu.Lock()
	s.records[phone] = &memRecord{user: record, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	s.fanOut(models.AuthEvent{
		Kind: models.AuthLogin, Phone: phone, UserID: record.UserID,
		Token: record.Token, Channel: channel, Timestamp: time.Now(),
	})
	return nil
}

// LogoutUser implements Service.
func (s *MemoryService) LogoutUser(_ context.Context, phone, channel string) error {
	phone = NormalizePhone(phone)
	unlock := s.locks.lock(phone)
	defer unlock()

	s.mu.Lock()
	delete(s.records, phone)
	s.mu.Unlock()

	s.fanOut(models.AuthEvent{Kind: models.AuthLogout, Phone: phone, Channel: channel, Timestamp: time.Now()})
	return nil
}

// GetByPhone implements Service.
func (s *MemoryService) GetByPhone(_ context.Context, phone string) (*models.AuthUser, error) {
	phone = NormalizePhone(phone)
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[phone]
	if !ok || time.Now().After(record.expiresAt) {
		delete(s.records, phone)
		return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, phone)
	}
	record.expiresAt = time.Now().Add(s.ttl)
	user := record.user
	return &user, nil
}

// Subscribe implements Service.
func (s *MemoryService) Subscribe(_ context.Context) (<-chan models.AuthEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan models.AuthEvent, 16)
	s.subs[id] = ch

	stop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, stop, nil
}

func (s *MemoryService) fanOut(event models.AuthEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			slog.Warn("Dropping auth event for slow subscriber", "kind", event.Kind, "phone", event.Phone)
		}
	}
}
