package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore keeps refresh tokens in process memory. Tokens do not survive a restart.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	byID   map[string]*memoryRecord
	byHash map[string]string
}

type memoryRecord struct {
	TokenID         string
	UserID          string
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
	IssuedAtUnix    int64
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byID:   make(map[string]*memoryRecord),
		byHash: make(map[string]string),
	}
}

// Issue creates a new token, optionally linked to a previous token.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.memory: %w", err)
	}
	tokenID := newRefreshTokenID()

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byID[tokenID] = &memoryRecord{
		TokenID:         tokenID,
		UserID:          applicationUserID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    now().Unix(),
	}
	store.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenNotFound)
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenRevoked)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(now()) {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenExpired)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a token as revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenAlreadyRevoked)
	}
	record.RevokedAtUnix = now().Unix()
	return nil
}

// Lineage returns the chain of token ids from tokenID back to the first token of its session.
func (store *MemoryRefreshTokenStore) Lineage(tokenID string) []string {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var lineage []string
	for current := tokenID; current != ""; {
		record := store.byID[current]
		if record == nil {
			break
		}
		lineage = append(lineage, record.TokenID)
		current = record.PreviousTokenID
	}
	return lineage
}
