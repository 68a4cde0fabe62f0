// Package redisstore keeps the MediMate session and response cache in redis
// so several processes on one machine or fleet share a login and cached
// reads.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medimate/medimate-go"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "medimate:"

// TokenStore implements medimate.TokenStore on redis under the fixed session
// keys. Keys expire with the session.
type TokenStore struct {
	rdb    redis.UniversalClient
	prefix string
	logger medimate.Logger
}

// NewTokenStore returns a store using prefix (DefaultPrefix when empty).
func NewTokenStore(rdb redis.UniversalClient, prefix string, logger medimate.Logger) *TokenStore {
	if rdb == nil {
		panic("redis client cannot be nil in NewTokenStore")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = medimate.NopLogger{}
	}
	return &TokenStore{rdb: rdb, prefix: prefix, logger: logger}
}

func (s *TokenStore) key(name string) string {
	return s.prefix + name
}

// Get implements medimate.TokenStore.
func (s *TokenStore) Get(ctx context.Context) (*medimate.Session, error) {
	vals, err := s.rdb.MGet(ctx,
		s.key(medimate.TokenKey),
		s.key(medimate.UserKey),
		s.key(medimate.ExpiresAtKey),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET session failed: %w", err)
	}

	token, _ := vals[0].(string)
	if token == "" {
		return nil, nil
	}
	session := &medimate.Session{Token: token}

	if raw, ok := vals[1].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &session.User); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stored user: %w", err)
		}
	}
	if raw, ok := vals[2].(string); ok && raw != "" {
		expiresAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored expiry: %w", err)
		}
		session.ExpiresAt = expiresAt
	}

	if !session.Valid(time.Now()) {
		return nil, nil
	}
	return session, nil
}

// Set implements medimate.TokenStore.
func (s *TokenStore) Set(ctx context.Context, session *medimate.Session) error {
	if session == nil {
		return errors.New("redisstore: nil session")
	}
	user, err := json.Marshal(session.User)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		ttl = time.Until(session.ExpiresAt)
		if ttl <= 0 {
			return s.Clear(ctx)
		}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(medimate.TokenKey), session.Token, ttl)
		pipe.Set(ctx, s.key(medimate.UserKey), string(user), ttl)
		if session.ExpiresAt.IsZero() {
			pipe.Del(ctx, s.key(medimate.ExpiresAtKey))
		} else {
			pipe.Set(ctx, s.key(medimate.ExpiresAtKey), session.ExpiresAt.UTC().Format(time.RFC3339), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis SET session failed: %w", err)
	}
	s.logger.Debug("Stored session", "userID", session.User.ID, "ttl", ttl.String())
	return nil
}

// Clear implements medimate.TokenStore.
func (s *TokenStore) Clear(ctx context.Context) error {
	err := s.rdb.Del(ctx,
		s.key(medimate.TokenKey),
		s.key(medimate.UserKey),
		s.key(medimate.ExpiresAtKey),
	).Err()
	if err != nil {
		return fmt.Errorf("redis DEL session failed: %w", err)
	}
	return nil
}
