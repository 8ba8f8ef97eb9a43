package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/convogrid/convogrid/pkg/models"
)

// MemoryStore is the in-process Store used by tests and single-node dev
// setups. Expiry is enforced lazily on read.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.RWMutex
	items   map[string]*memEntry
	byPhone map[string]map[string]bool
}

type memEntry struct {
	session   *models.Session
	expiresAt time.Time
}

// NewMemoryStore creates an empty store. ttl <= 0 selects DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		items:   make(map[string]*memEntry),
		byPhone: make(map[string]map[string]bool),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			s.removeLocked(sessionID)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return copySession(entry.session), nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, sessionID, identifier, platform string) (*models.Session, error) {
	sess := newSession(sessionID, identifier, platform)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sessionID] = &memEntry{session: copySession(sess), expiresAt: time.Now().Add(s.ttl)}
	return sess, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.items[sess.SessionID]; ok && entry.session.Version != sess.Version {
		slog.Warn("Session version conflict, last write wins",
			"session_id", sess.SessionID, "stored", entry.session.Version, "writing", sess.Version)
	}
	cp := copySession(sess)
	cp.Version++
	cp.LastActiveAt = time.Now()
	s.items[sess.SessionID] = &memEntry{session: cp, expiresAt: time.Now().Add(s.ttl)}
	s.indexPhoneLocked(cp)
	sess.Version = cp.Version
	return nil
}

// Mutate implements Store.
func (s *MemoryStore) Mutate(ctx context.Context, sessionID string, fn func(*models.SessionData)) (*models.Session, error) {
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
func (s *MemoryStore) Touch(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	entry.session.LastActiveAt = time.Now()
	entry.expiresAt = time.Now().Add(s.ttl)
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sessionID)
	return nil
}

// ByPhone implements Store.
func (s *MemoryStore) ByPhone(_ context.Context, phone string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id := range s.byPhone[phone] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) removeLocked(sessionID string) {
	if entry, ok := s.items[sessionID]; ok {
		if phone := entry.session.Data.Phone; phone != "" {
			delete(s.byPhone[phone], sessionID)
		}
	}
	delete(s.items, sessionID)
}

func (s *MemoryStore) indexPhoneLocked(sess *models.Session) {
	phone := sess.Data.Phone
	if phone == "" {
		return
	}
	if s.byPhone[phone] == nil {
		s.byPhone[phone] = make(map[string]bool)
	}
	s.byPhone[phone][sess.SessionID] = true
}

// copySession deep-copies via JSON so callers never alias store state.
func copySession(sess *models.Session) *models.Session {
	raw, err := json.Marshal(sess)
	if err != nil {
		cp := *sess
		return &cp
	}
	var cp models.Session
	if err := json.Unmarshal(raw, &cp); err != nil {
		fallback := *sess
		return &fallback
	}
	return &cp
}
