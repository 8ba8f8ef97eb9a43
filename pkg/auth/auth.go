// Package auth is the centralized, phone-keyed authentication record shared
// across channels. A login on one channel is published on the auth:events
// channel so live sessions elsewhere can sync. Records carry a 7-day TTL
// refreshed on read.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/convogrid/convogrid/pkg/models"
)

// Defaults.
const (
	DefaultTTL    = 7 * 24 * time.Hour
	EventsChannel = "auth:events"
)

// ErrNotAuthenticated indicates no record exists for the phone.
var ErrNotAuthenticated = errors.New("phone not authenticated")

// Service is the cross-channel auth contract.
type Service interface {
	// AuthenticateUser upserts the record and publishes a login event.
	AuthenticateUser(ctx context.Context, user *models.AuthUser, channel string) error
	// LogoutUser deletes the record and publishes a logout event. An empty
	// channel means "all channels".
	LogoutUser(ctx context.Context, phone, channel string) error
	// GetByPhone is a TTL-refreshing read.
	GetByPhone(ctx context.Context, phone string) (*models.AuthUser, error)
	// Subscribe delivers auth events until the returned stop function is
	// called. Delivery is at-least-once; receivers must be idempotent.
	Subscribe(ctx context.Context) (<-chan models.AuthEvent, func(), error)
}

// NormalizePhone canonicalizes a phone number to bare digits so "+91 99233
// 83838" and "9923383838" key the same record.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	// Domestic 10-digit form wins over country-prefixed variants.
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}

// phoneLocks serializes writers per phone. Lock granularity is the
// normalized phone, so concurrent logins on two channels for the same user
// are ordered.
type phoneLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPhoneLocks() *phoneLocks {
	return &phoneLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *phoneLocks) lock(phone string) func() {
	p.mu.Lock()
	l, ok := p.locks[phone]
	if !ok {
		l = &sync.Mutex{}
		p.locks[phone] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}
