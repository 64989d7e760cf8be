package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisStores returns two stores on separate clients of one server, the
// way two askgate instances share a backend
func newRedisStores(t *testing.T) (*RedisUserStore, *RedisUserStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	open := func() *RedisUserStore {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return NewRedisUserStore(rdb)
	}
	return open(), open(), mr
}

func TestRedisUserStore_SaveLoadFind(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newRedisStores(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Save(ctx, testUser("u2", "bob", now.Add(time.Minute))))
	require.NoError(t, store.Save(ctx, testUser("u1", "Alice", now)))

	u, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Username)
	assert.True(t, u.CreatedAt.Equal(now))

	u, err = store.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	u, err = store.FindByEmail(ctx, "BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u2", u.ID)

	users, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].ID)
	assert.Equal(t, "u2", users[1].ID)

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisUserStore_RenameDropsOldIndexes(t *testing.T) {
	ctx := context.Background()
	store, _, mr := newRedisStores(t)

	u := testUser("u1", "alice", time.Now())
	require.NoError(t, store.Save(ctx, u))

	u.Username = "alicia"
	u.Email = "alicia@example.com"
	require.NoError(t, store.Save(ctx, u))

	assert.False(t, mr.Exists(redisUsernamePrefix+"alice"))
	assert.False(t, mr.Exists(redisEmailPrefix+"alice@example.com"))

	_, err := store.FindByUsername(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	found, err := store.FindByUsername(ctx, "ALICIA")
	require.NoError(t, err)
	assert.Equal(t, "u1", found.ID)

	renamed, err := store.Update(ctx, "u1", func(u *models.User) error {
		u.Username = "ally"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ally", renamed.Username)
	assert.False(t, mr.Exists(redisUsernamePrefix+"alicia"))
	assert.True(t, mr.Exists(redisUsernamePrefix+"ally"))
}

func TestRedisUserStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, _, mr := newRedisStores(t)

	require.NoError(t, store.Save(ctx, testUser("u1", "alice", time.Now())))
	require.NoError(t, store.Delete(ctx, "u1"))

	assert.False(t, mr.Exists(redisUserPrefix+"u1"))
	assert.False(t, mr.Exists(redisUsernamePrefix+"alice"))
	assert.False(t, mr.Exists(redisEmailPrefix+"alice@example.com"))

	users, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	assert.ErrorIs(t, store.Delete(ctx, "u1"), ErrNotFound)
}

func TestRedisUserStore_CreateAcrossInstances(t *testing.T) {
	ctx := context.Background()
	a, b, mr := newRedisStores(t)

	require.NoError(t, a.Create(ctx, testUser("u1", "alice", time.Now())))

	dup := testUser("u2", "Alice", time.Now())
	dup.Email = "someone@example.com"
	assert.ErrorIs(t, b.Create(ctx, dup), ErrUsernameTaken)

	dup = testUser("u3", "carol", time.Now())
	dup.Email = "alice@example.com"
	assert.ErrorIs(t, b.Create(ctx, dup), ErrEmailTaken)
	// the username claimed before the email conflict is released
	assert.False(t, mr.Exists(redisUsernamePrefix+"carol"))

	_, err := b.Load(ctx, "u3")
	assert.ErrorIs(t, err, ErrNotFound)

	owner, err := b.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner.ID)
}

func TestRedisUserStore_ConcurrentUpdateAcrossInstances(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newRedisStores(t)
	require.NoError(t, a.Create(ctx, testUser("u1", "alice", time.Now())))

	const perInstance = 8
	var wg sync.WaitGroup
	for _, store := range []*RedisUserStore{a, b} {
		for i := 0; i < perInstance; i++ {
			wg.Add(1)
			go func(s *RedisUserStore) {
				defer wg.Done()
				_, err := s.Update(ctx, "u1", func(u *models.User) error {
					u.DailyUsage++
					return nil
				})
				assert.NoError(t, err)
			}(store)
		}
	}
	wg.Wait()

	u, err := a.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2*perInstance, u.DailyUsage)
}

func TestRedisUserStore_UpdateMissing(t *testing.T) {
	store, _, _ := newRedisStores(t)
	_, err := store.Update(context.Background(), "missing", func(*models.User) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}
