// Package store persists credentials in sqlite through gorm. It is the
// durable side of the pool: the scheduler loads active rows on boot and
// writes back token updates, tier changes and deactivations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Yoo1tic/pollux/internal/database"
	"github.com/Yoo1tic/pollux/types"
)

// CredentialRecord is the persisted form of one credential. ProjectID is
// usually empty at registration time and filled in once onboarding discovers
// the companion project, so it cannot be unique.
type CredentialRecord struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	ProjectID    string `gorm:"index"`
	Email        string
	AccessToken  string
	RefreshToken string `gorm:"index;not null"`
	ExpiresAt    time.Time
	Tier         string
	// Active marks rows the scheduler loads on boot; banned and
	// ineligible credentials are deactivated, not deleted.
	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName keeps the table name stable regardless of gorm pluralization.
func (CredentialRecord) TableName() string { return "credentials" }

// Store wraps the gorm handle.
type Store struct {
	db     *gorm.DB
	pool   *database.PoolManager
	logger *zap.Logger
}

// Open opens (creating if missing) the sqlite database at path and migrates
// the schema. Use ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	pool, err := database.NewPoolManager(db, database.DefaultPoolConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("configure credential store pool: %w", err)
	}
	if err := db.AutoMigrate(&CredentialRecord{}); err != nil {
		return nil, fmt.Errorf("migrate credential store: %w", err)
	}
	return &Store{db: db, pool: pool, logger: logger}, nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close stops background pool maintenance.
func (s *Store) Close() {
	s.pool.Close()
}

// ListActive returns every active credential row.
func (s *Store) ListActive(ctx context.Context) ([]CredentialRecord, error) {
	var rows []CredentialRecord
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active credentials: %w", err)
	}
	return rows, nil
}

// Upsert inserts a credential or updates the matching row in place and
// returns the row id. Rows match on project id when the caller knows it;
// registrations usually do not, so an empty project id falls back to
// matching on the refresh token instead of colliding with every other
// row whose project has not been discovered yet.
func (s *Store) Upsert(ctx context.Context, rec CredentialRecord) (int64, error) {
	q := s.db.WithContext(ctx)
	if rec.ProjectID != "" {
		q = q.Where("project_id = ?", rec.ProjectID)
	} else {
		q = q.Where("refresh_token = ?", rec.RefreshToken)
	}
	var existing CredentialRecord
	err := q.First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return 0, fmt.Errorf("insert credential: %w", err)
		}
		return rec.ID, nil
	case err != nil:
		return 0, fmt.Errorf("lookup credential: %w", err)
	default:
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		// A registration payload carries only the refresh token and maybe
		// a project; keep the fields the caller did not supply.
		if rec.ProjectID == "" {
			rec.ProjectID = existing.ProjectID
		}
		if rec.Email == "" {
			rec.Email = existing.Email
		}
		if rec.AccessToken == "" {
			rec.AccessToken = existing.AccessToken
		}
		if rec.Tier == "" {
			rec.Tier = existing.Tier
		}
		if rec.ExpiresAt.IsZero() {
			rec.ExpiresAt = existing.ExpiresAt
		}
		if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
			return 0, fmt.Errorf("update credential: %w", err)
		}
		return rec.ID, nil
	}
}

// UpdateByID overwrites the mutable fields of a credential row.
func (s *Store) UpdateByID(ctx context.Context, id int64, rec CredentialRecord) error {
	result := s.db.WithContext(ctx).
		Model(&CredentialRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"project_id":    rec.ProjectID,
			"email":         rec.Email,
			"access_token":  rec.AccessToken,
			"refresh_token": rec.RefreshToken,
			"expires_at":    rec.ExpiresAt,
			"tier":          rec.Tier,
			"active":        rec.Active,
		})
	if result.Error != nil {
		return fmt.Errorf("update credential %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return types.NewError(types.ErrInternalError, fmt.Sprintf("credential %d not found", id))
	}
	return nil
}

// SetStatus toggles a row's active flag; used to tombstone banned and
// ineligible credentials.
func (s *Store) SetStatus(ctx context.Context, id int64, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&CredentialRecord{}).
		Where("id = ?", id).
		Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("set credential %d status: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return types.NewError(types.ErrInternalError, fmt.Sprintf("credential %d not found", id))
	}
	return nil
}
