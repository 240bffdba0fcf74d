package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore keeps credentials in one redis hash:
//
//	<prefix>:credentials  field=<lower-cased username>  value=msgpack(Credential)
//
// HSETNX gives atomic uniqueness across processes sharing the same redis.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a store on client using prefix for its key
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		redis: client,
		key:   prefix + ":credentials",
	}
}

// Load verifies connectivity; records are read on demand
func (s *RedisStore) Load(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrPersistence, err)
	}
	return nil
}

// Lookup implements CredentialStore
func (s *RedisStore) Lookup(ctx context.Context, username string) (Credential, error) {
	raw, err := s.redis.HGet(ctx, s.key, normalizeUsername(username)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var cred Credential
	if err := msgpack.Unmarshal(raw, &cred); err != nil {
		return Credential{}, fmt.Errorf("%w: decode: %v", ErrPersistence, err)
	}
	return cred, nil
}

// Insert implements CredentialStore
func (s *RedisStore) Insert(ctx context.Context, cred Credential) error {
	field := normalizeUsername(cred.Username)
	if field == "" {
		return errors.New("auth: username must not be empty")
	}

	raw, err := msgpack.Marshal(&cred)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}

	created, err := s.redis.HSetNX(ctx, s.key, field, raw).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !created {
		return ErrUsernameTaken
	}
	return nil
}

// Any implements CredentialStore
func (s *RedisStore) Any(ctx context.Context) (bool, error) {
	n, err := s.redis.HLen(ctx, s.key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return n > 0, nil
}
