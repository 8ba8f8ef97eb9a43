package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convogrid/convogrid/pkg/models"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"9923383838":      "9923383838",
		"+91 99233 83838": "9923383838",
		"91-9923383838":   "9923383838",
		"099233838":       "099233838",
		"":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), "input %q", in)
	}
}

func TestAuthenticateAndGetByPhone(t *testing.T) {
	svc := NewMemoryService(time.Minute)
	ctx := context.Background()

	err := svc.AuthenticateUser(ctx, &models.AuthUser{
		UserID: "7", Phone: "+91 99233 83838", Token: "T", FirstName: "Asha",
	}, "whatsapp")
	require.NoError(t, err)

	user, err := svc.GetByPhone(ctx, "9923383838")
	require.NoError(t, err)
	assert.Equal(t, "7", user.UserID)
	assert.Equal(t, "T", user.Token)
	assert.Contains(t, user.Channels, "whatsapp")
}

func TestLogoutDeletesRecord(t *testing.T) {
	svc := NewMemoryService(time.Minute)
	ctx := context.Background()

	require.NoError(t, svc.AuthenticateUser(ctx, &models.AuthUser{UserID: "7", Phone: "9923383838", Token: "T"}, "web"))
	require.NoError(t, svc.LogoutUser(ctx, "9923383838", "web"))

	_, err := svc.GetByPhone(ctx, "9923383838")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRecordExpires(t *testing.T) {
	svc := NewMemoryService(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, svc.AuthenticateUser(ctx, &models.AuthUser{UserID: "7", Phone: "9923383838", Token: "T"}, ""))
	time.Sleep(40 * time.Millisecond)
	_, err := svc.GetByPhone(ctx, "9923383838")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestSubscribeReceivesLoginAndLogout(t *testing.T) {
	svc := NewMemoryService(time.Minute)
	ctx := context.Background()

	events, stop, err := svc.Subscribe(ctx)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, svc.AuthenticateUser(ctx, &models.AuthUser{UserID: "7", Phone: "9923383838", Token: "T"}, "websocket"))
	require.NoError(t, svc.LogoutUser(ctx, "9923383838", ""))

	login := <-events
	assert.Equal(t, models.AuthLogin, login.Kind)
	assert.Equal(t, "9923383838", login.Phone)
	assert.Equal(t, "T", login.Token)

	logout := <-events
	assert.Equal(t, models.AuthLogout, logout.Kind)
}
