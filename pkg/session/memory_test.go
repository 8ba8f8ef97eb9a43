package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convogrid/convogrid/pkg/models"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, err := store.Get(ctx, "s-1")
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := store.Create(ctx, "s-1", "user-1", "websocket")
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "websocket", got.Platform)

	require.NoError(t, store.Clear(ctx, "s-1"))
	_, err = store.Get(ctx, "s-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(20 * time.Millisecond)
	ctx := context.Background()

	_, err := store.Create(ctx, "s-exp", "u", "web")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = store.Get(ctx, "s-exp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutateBumpsVersionAndIndexesPhone(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, err := store.Create(ctx, "s-2", "u", "whatsapp")
	require.NoError(t, err)

	sess, err := store.Mutate(ctx, "s-2", func(d *models.SessionData) {
		d.Phone = "9923383838"
		d.Authenticated = true
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.Version)

	ids, err := store.ByPhone(ctx, "9923383838")
	require.NoError(t, err)
	assert.Equal(t, []string{"s-2"}, ids)
}

// Stale-version writes are not rejected: the conflict is logged and the last
// write wins.
func TestUpdateConflictLastWriteWins(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, err := store.Create(ctx, "s-3", "u", "web")
	require.NoError(t, err)

	a, err := store.Get(ctx, "s-3")
	require.NoError(t, err)
	b, err := store.Get(ctx, "s-3")
	require.NoError(t, err)

	a.Data.ModuleName = "food"
	require.NoError(t, store.Update(ctx, a))

	b.Data.ModuleName = "parcel" // stale version
	require.NoError(t, store.Update(ctx, b))

	got, err := store.Get(ctx, "s-3")
	require.NoError(t, err)
	assert.Equal(t, "parcel", got.Data.ModuleName)
}

// update and touch commute: their order does not change the stored data.
func TestUpdateTouchCommute(t *testing.T) {
	ctx := context.Background()

	run := func(touchFirst bool) models.SessionData {
		store := NewMemoryStore(time.Minute)
		_, err := store.Create(ctx, "s-law", "u", "web")
		require.NoError(t, err)

		if touchFirst {
			require.NoError(t, store.Touch(ctx, "s-law"))
		}
		_, err = store.Mutate(ctx, "s-law", func(d *models.SessionData) { d.UserID = "7" })
		require.NoError(t, err)
		if !touchFirst {
			require.NoError(t, store.Touch(ctx, "s-law"))
		}

		got, err := store.Get(ctx, "s-law")
		require.NoError(t, err)
		return got.Data
	}

	assert.Equal(t, run(true), run(false))
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, err := store.Create(ctx, "s-4", "u", "web")
	require.NoError(t, err)

	got, err := store.Get(ctx, "s-4")
	require.NoError(t, err)
	got.Data.UserID = "mutated"

	fresh, err := store.Get(ctx, "s-4")
	require.NoError(t, err)
	assert.Empty(t, fresh.Data.UserID, "mutating a returned session must not affect the store")
}
