package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/dashgate/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseBackend persists the pair in a SQL table through GORM.
type DatabaseBackend struct {
	db          *gorm.DB
	driverLabel string
	profile     string
}

type tokenPairRecord struct {
	Profile       string `gorm:"column:profile;primaryKey"`
	AccessToken   string `gorm:"column:access_token;not null;default:''"`
	RefreshToken  string `gorm:"column:refresh_token;not null;default:''"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (tokenPairRecord) TableName() string {
	return "dashboard_tokens"
}

// NewDatabaseBackend opens databaseURL (postgres:// or sqlite://) and migrates the token table.
func NewDatabaseBackend(ctx context.Context, databaseURL string, profile string) (*DatabaseBackend, error) {
	gormDB, driverLabel, err := storage.OpenDatabase(ctx, databaseURL, &tokenPairRecord{})
	if err != nil {
		return nil, fmt.Errorf("token_store.database: %w", err)
	}
	return &DatabaseBackend{db: gormDB, driverLabel: driverLabel, profile: normalizeProfile(profile)}, nil
}

// Driver exposes the selected database driver label.
func (backend *DatabaseBackend) Driver() string {
	return backend.driverLabel
}

// Close releases the underlying connection pool.
func (backend *DatabaseBackend) Close() error {
	sqlDB, err := backend.db.DB()
	if err != nil {
		return fmt.Errorf("token_store.database: %w", err)
	}
	return sqlDB.Close()
}

// Load reads the profile's row; a missing row yields an empty pair.
func (backend *DatabaseBackend) Load(ctx context.Context) (TokenPair, error) {
	var record tokenPairRecord
	err := backend.db.WithContext(ctx).Where("profile = ?", backend.profile).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TokenPair{}, nil
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("token_store.database.load.%s: %w", backend.driverLabel, err)
	}
	return TokenPair{AccessToken: record.AccessToken, RefreshToken: record.RefreshToken}, nil
}

// Save upserts the profile's row.
func (backend *DatabaseBackend) Save(ctx context.Context, pair TokenPair) error {
	record := tokenPairRecord{
		Profile:       backend.profile,
		AccessToken:   pair.AccessToken,
		RefreshToken:  pair.RefreshToken,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := backend.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("token_store.database.save.%s: %w", backend.driverLabel, err)
	}
	return nil
}

// Clear deletes the profile's row.
func (backend *DatabaseBackend) Clear(ctx context.Context) error {
	err := backend.db.WithContext(ctx).Where("profile = ?", backend.profile).Delete(&tokenPairRecord{}).Error
	if err != nil {
		return fmt.Errorf("token_store.database.clear.%s: %w", backend.driverLabel, err)
	}
	return nil
}
