// Package session stores the per-user, per-channel conversation scratchpad.
// Sessions live in a TTL'd key-value store with a phone secondary index for
// cross-channel auth sync. Mutations are compare-and-set on a version
// counter; conflicts are logged and resolved last-write-wins, since the
// per-session lock upstream makes them rare.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/convogrid/convogrid/pkg/models"
)

// DefaultTTL is how long an idle session survives.
const DefaultTTL = 3600 * time.Second

// ErrNotFound indicates the session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Store is the session storage contract.
type Store interface {
	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	// Create initializes a fresh session.
	Create(ctx context.Context, sessionID, identifier, platform string) (*models.Session, error)
	// Update writes the session back, bumping its version. A concurrent
	// version change is logged and overwritten (last write wins).
	Update(ctx context.Context, s *models.Session) error
	// Mutate is read-modify-write over the session's data.
	Mutate(ctx context.Context, sessionID string, fn func(*models.SessionData)) (*models.Session, error)
	// Touch refreshes the TTL and last-active timestamp without changing data.
	Touch(ctx context.Context, sessionID string) error
	// Clear deletes the session.
	Clear(ctx context.Context, sessionID string) error
	// ByPhone returns the IDs of live sessions indexed under the phone.
	ByPhone(ctx context.Context, phone string) ([]string, error)
}

func newSession(sessionID, identifier, platform string) *models.Session {
	now := time.Now()
	return &models.Session{
		SessionID:    sessionID,
		Identifier:   identifier,
		Platform:     platform,
		Version:      1,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}
