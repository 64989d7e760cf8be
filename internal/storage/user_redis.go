package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/anaphygon/askgate/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	redisUserPrefix     = "askgate:user:"
	redisUsernamePrefix = "askgate:username:"
	redisEmailPrefix    = "askgate:email:"
	redisUserSet        = "askgate:users"
)

// maxTxRetries bounds optimistic transaction retries under contention
const maxTxRetries = 50

// RedisUserStore shares user records between several instances. Each user
// is a JSON string with secondary keys for username and email lookups.
// Read-modify-write goes through WATCH transactions, so concurrent updates
// from different instances never overwrite each other.
type RedisUserStore struct {
	rdb redis.UniversalClient
}

// NewRedisUserStore creates a store on top of an existing client
func NewRedisUserStore(rdb redis.UniversalClient) *RedisUserStore {
	return &RedisUserStore{rdb: rdb}
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Save writes the user and refreshes its lookup keys
func (s *RedisUserStore) Save(ctx context.Context, user *models.User) error {
	if err := validateID(user.ID); err != nil {
		return err
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	key := redisUserPrefix + user.ID
	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		prev, err := readUser(ctx, tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeUser(ctx, pipe, prev, user, data)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save user %s: %w", user.ID, err)
	}
	return nil
}

// Create claims the username and email keys with SETNX before writing the
// record, so two instances cannot register the same name
func (s *RedisUserStore) Create(ctx context.Context, user *models.User) error {
	if err := validateID(user.ID); err != nil {
		return err
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	var claimed []string
	release := func() {
		if len(claimed) > 0 {
			s.rdb.Del(ctx, claimed...)
		}
	}

	if name := normalizeName(user.Username); name != "" {
		key := redisUsernamePrefix + name
		ok, err := s.rdb.SetNX(ctx, key, user.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to claim username: %w", err)
		}
		if !ok {
			return ErrUsernameTaken
		}
		claimed = append(claimed, key)
	}
	if email := normalizeName(user.Email); email != "" {
		key := redisEmailPrefix + email
		ok, err := s.rdb.SetNX(ctx, key, user.ID, 0).Result()
		if err != nil {
			release()
			return fmt.Errorf("failed to claim email: %w", err)
		}
		if !ok {
			release()
			return ErrEmailTaken
		}
		claimed = append(claimed, key)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisUserPrefix+user.ID, data, 0)
		pipe.SAdd(ctx, redisUserSet, user.ID)
		return nil
	})
	if err != nil {
		release()
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}

// Update applies fn inside a WATCH transaction on the user key and retries
// when another writer got there first
func (s *RedisUserStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*models.User, error) {
	key := redisUserPrefix + userID

	var updated *models.User
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		prev, err := readUser(ctx, tx, key)
		if err != nil {
			return err
		}

		user := prev.Clone()
		if err := fn(user); err != nil {
			return err
		}
		user.ID = userID

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeUser(ctx, pipe, prev, user, data)
			return nil
		})
		if err != nil {
			return err
		}
		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisUserStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("too many concurrent writes to %s: %w", key, redis.TxFailedErr)
}

// writeUser queues the record and its index keys, dropping indexes of a
// previous username or email
func writeUser(ctx context.Context, pipe redis.Pipeliner, prev, user *models.User, data []byte) {
	if prev != nil {
		if normalizeName(prev.Username) != normalizeName(user.Username) {
			pipe.Del(ctx, redisUsernamePrefix+normalizeName(prev.Username))
		}
		if prev.Email != "" && normalizeName(prev.Email) != normalizeName(user.Email) {
			pipe.Del(ctx, redisEmailPrefix+normalizeName(prev.Email))
		}
	}
	pipe.Set(ctx, redisUserPrefix+user.ID, data, 0)
	pipe.SAdd(ctx, redisUserSet, user.ID)
	if user.Username != "" {
		pipe.Set(ctx, redisUsernamePrefix+normalizeName(user.Username), user.ID, 0)
	}
	if user.Email != "" {
		pipe.Set(ctx, redisEmailPrefix+normalizeName(user.Email), user.ID, 0)
	}
}

func readUser(ctx context.Context, c stringGetter, key string) (*models.User, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &user, nil
}

// Load reads a user by ID
func (s *RedisUserStore) Load(ctx context.Context, userID string) (*models.User, error) {
	return readUser(ctx, s.rdb, redisUserPrefix+userID)
}

// FindByUsername resolves the username index
func (s *RedisUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.lookup(ctx, redisUsernamePrefix+normalizeName(username))
}

// FindByEmail resolves the email index
func (s *RedisUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.lookup(ctx, redisEmailPrefix+normalizeName(email))
}

func (s *RedisUserStore) lookup(ctx context.Context, key string) (*models.User, error) {
	id, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve %s: %w", key, err)
	}
	return s.Load(ctx, id)
}

// List returns every user ordered by creation time
func (s *RedisUserStore) List(ctx context.Context) ([]*models.User, error) {
	ids, err := s.rdb.SMembers(ctx, redisUserSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]*models.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.Load(ctx, id)
		if err != nil {
			continue
		}
		users = append(users, u)
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// Delete removes the user and its lookup keys
func (s *RedisUserStore) Delete(ctx context.Context, userID string) error {
	user, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisUserPrefix+userID)
		pipe.SRem(ctx, redisUserSet, userID)
		pipe.Del(ctx, redisUsernamePrefix+normalizeName(user.Username))
		if user.Email != "" {
			pipe.Del(ctx, redisEmailPrefix+normalizeName(user.Email))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", userID, err)
	}
	return nil
}
