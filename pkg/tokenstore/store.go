// Package tokenstore holds the dashboard session's access/refresh token pair and
// persists it to a durable backend so the session survives restarts.
package tokenstore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// TokenPair is the current credential pair. An empty string means the token is absent.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Empty reports whether neither token is present.
func (pair TokenPair) Empty() bool {
	return pair.AccessToken == "" && pair.RefreshToken == ""
}

// TokenUpdate carries a partial pair; nil fields are left unchanged.
type TokenUpdate struct {
	AccessToken  *string
	RefreshToken *string
}

// UpdateFromPair returns an update that overwrites both tokens.
func UpdateFromPair(pair TokenPair) TokenUpdate {
	accessToken := pair.AccessToken
	refreshToken := pair.RefreshToken
	return TokenUpdate{AccessToken: &accessToken, RefreshToken: &refreshToken}
}

func (update TokenUpdate) apply(pair TokenPair) TokenPair {
	if update.AccessToken != nil {
		pair.AccessToken = *update.AccessToken
	}
	if update.RefreshToken != nil {
		pair.RefreshToken = *update.RefreshToken
	}
	return pair
}

// Backend is the durable storage behind a Store.
type Backend interface {
	Load(ctx context.Context) (TokenPair, error)
	Save(ctx context.Context, pair TokenPair) error
	Clear(ctx context.Context) error
}

// Store is the single source of truth for the token pair.
type Store struct {
	mutex   sync.RWMutex
	current TokenPair
	backend Backend
	logger  *zap.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *zap.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// Open restores the pair from the backend and returns a ready Store.
func Open(ctx context.Context, backend Backend, options ...Option) (*Store, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	store := &Store{backend: backend, logger: zap.NewNop()}
	for _, option := range options {
		option(store)
	}
	restored, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("token_store.restore: %w", err)
	}
	store.current = restored
	return store, nil
}

// GetTokens returns the in-memory pair.
func (store *Store) GetTokens() TokenPair {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.current
}

// SetTokens writes the provided fields to memory and then to the backend.
func (store *Store) SetTokens(ctx context.Context, update TokenUpdate) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.current = update.apply(store.current)
	if err := store.backend.Save(ctx, store.current); err != nil {
		store.logger.Error("token pair persistence failed",
			zap.String("code", "token_store.save_failed"),
			zap.Error(err))
		return fmt.Errorf("token_store.save: %w", err)
	}
	return nil
}

// ClearTokens removes both tokens from memory and the backend.
func (store *Store) ClearTokens(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.current = TokenPair{}
	if err := store.backend.Clear(ctx); err != nil {
		store.logger.Error("token pair removal failed",
			zap.String("code", "token_store.clear_failed"),
			zap.Error(err))
		return fmt.Errorf("token_store.clear: %w", err)
	}
	return nil
}
