package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/anaphygon/askgate/internal/clock"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/anaphygon/askgate/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, user *models.User, now time.Time) (*Tracker, *storage.MemoryUserStore, *clock.Manual) {
	t.Helper()
	store := storage.NewMemoryUserStore()
	if user != nil {
		require.NoError(t, store.Save(context.Background(), user))
	}
	clk := clock.NewManual(now)
	return NewTracker(store, WithClock(clk)), store, clk
}

func TestCheck_DailyReset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	tr, store, _ := setup(t, &models.User{
		ID:             "u1",
		ChatLimit:      50,
		DailyUsage:     50,
		LastUsageReset: "2025-03-01",
	}, now)

	st, err := tr.Check(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.CanProceed)
	assert.Equal(t, 0, st.Used)
	assert.Equal(t, 50, st.Remaining)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), st.ResetAt)

	// the reset is persisted
	u, _ := store.Load(ctx, "u1")
	assert.Equal(t, 0, u.DailyUsage)
	assert.Equal(t, "2025-03-02", u.LastUsageReset)
}

func TestCheck_DoesNotIncrement(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	tr, _, _ := setup(t, &models.User{ID: "u1", ChatLimit: 2, LastUsageReset: "2025-03-02"}, now)

	for i := 0; i < 5; i++ {
		st, err := tr.Check(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 0, st.Used)
	}
}

func TestConsume_UntilExhausted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	tr, _, clk := setup(t, &models.User{ID: "u1", ChatLimit: 2, LastUsageReset: "2025-03-02"}, now)

	st, err := tr.Consume(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Used)
	assert.True(t, st.CanProceed)

	st, err = tr.Consume(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Used)
	assert.False(t, st.CanProceed)
	assert.Equal(t, 0, st.Remaining)

	st, err = tr.Check(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, st.CanProceed)

	clk.Advance(24 * time.Hour)
	st, err = tr.Check(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.CanProceed)
	assert.Equal(t, 0, st.Used)
}

func TestConsume_Concurrent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	tr, store, _ := setup(t, &models.User{ID: "u1", ChatLimit: 100, LastUsageReset: "2025-03-02"}, now)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.Consume(ctx, "u1")
		}()
	}
	wg.Wait()

	u, _ := store.Load(ctx, "u1")
	assert.Equal(t, 20, u.DailyUsage)
}

func TestConsume_SharedRedisAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	clk := clock.NewManual(time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC))

	newInstance := func() *Tracker {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return NewTracker(storage.NewRedisUserStore(rdb), WithClock(clk))
	}
	a, b := newInstance(), newInstance()

	seed := storage.NewRedisUserStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, seed.Save(ctx, &models.User{ID: "u1", Username: "u1", ChatLimit: 100, LastUsageReset: "2025-03-02"}))

	var wg sync.WaitGroup
	for _, tr := range []*Tracker{a, b} {
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(tr *Tracker) {
				defer wg.Done()
				_, err := tr.Consume(ctx, "u1")
				assert.NoError(t, err)
			}(tr)
		}
	}
	wg.Wait()

	st, err := a.Check(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 12, st.Used)
	assert.Equal(t, 88, st.Remaining)
}

func TestLocation_DefinesDay(t *testing.T) {
	ctx := context.Background()
	jakarta := time.FixedZone("WIB", 7*3600)
	// 18:00 UTC on March 1 is already March 2 in Jakarta
	now := time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)
	store := storage.NewMemoryUserStore()
	require.NoError(t, store.Save(ctx, &models.User{ID: "u1", ChatLimit: 5, DailyUsage: 5, LastUsageReset: "2025-03-01"}))

	tr := NewTracker(store, WithClock(clock.NewManual(now)), WithLocation(jakarta))

	st, err := tr.Check(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.CanProceed)

	u, _ := store.Load(ctx, "u1")
	assert.Equal(t, "2025-03-02", u.LastUsageReset)
}

func TestUserNotFound(t *testing.T) {
	tr, _, _ := setup(t, nil, time.Now())

	_, err := tr.Check(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = tr.Consume(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestSetLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	tr, _, _ := setup(t, &models.User{ID: "u1", ChatLimit: 1, DailyUsage: 1, LastUsageReset: "2025-03-02"}, now)

	st, err := tr.Check(ctx, "u1")
	require.NoError(t, err)
	require.False(t, st.CanProceed)

	st, err = tr.SetLimit(ctx, "u1", 10)
	require.NoError(t, err)
	assert.True(t, st.CanProceed)
	assert.Equal(t, 9, st.Remaining)

	_, err = tr.SetLimit(ctx, "u1", -1)
	assert.Error(t, err)
}
