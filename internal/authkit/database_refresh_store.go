package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/dashgate/internal/storage"
	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseRefreshTokenStore opens the database and migrates the refresh token table.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string) (*DatabaseRefreshTokenStore, error) {
	gormDB, driverLabel, err := storage.OpenDatabase(ctx, databaseURL, &refreshTokenRecord{})
	if err != nil {
		return nil, fmt.Errorf("refresh_store.open: %w", err)
	}
	return &DatabaseRefreshTokenStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

// Issue inserts a new refresh token record and returns its identifiers.
func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaqueToken, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.%s: %w", store.driverLabel, randomErr)
	}
	record := refreshTokenRecord{
		TokenID:         newRefreshTokenID(),
		UserID:          applicationUserID,
		TokenHash:       hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    now().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.%s: %w", store.driverLabel, err)
	}
	return record.TokenID, opaqueToken, nil
}

// Validate locates a refresh token by its opaque value.
func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(tokenOpaque)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, err)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenRevoked)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(now()) {
		return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenExpired)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a refresh token as revoked.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", now().Unix())
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var record refreshTokenRecord
	findErr := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&record).Error
	switch {
	case errors.Is(findErr, gorm.ErrRecordNotFound):
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
	case findErr != nil:
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, findErr)
	case record.RevokedAtUnix != 0:
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenAlreadyRevoked)
	default:
		return nil
	}
}
