package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ensure GormSettingRepository implements docnumber.SettingRepository
var _ docnumber.SettingRepository = (*GormSettingRepository)(nil)

// GormSettingRepository implements SettingRepository on the system_settings table
type GormSettingRepository struct {
	db *gorm.DB
}

// NewGormSettingRepository creates a new GormSettingRepository
func NewGormSettingRepository(db *gorm.DB) *GormSettingRepository {
	return &GormSettingRepository{db: db}
}

// Get returns an active setting by key
func (r *GormSettingRepository) Get(ctx context.Context, key string) (*docnumber.Setting, error) {
	var m models.SystemSettingModel
	err := conn(ctx, r.db).
		Where(clause.Eq{Column: "key", Value: key}).
		Where("is_active = ?", true).
		Take(&m).Error
	if err != nil {
		return nil, TranslateError(ctx, err)
	}
	return m.ToDomain(), nil
}

// Upsert creates the setting or overwrites its value, type, description and state.
// Last write wins.
func (r *GormSettingRepository) Upsert(ctx context.Context, setting *docnumber.Setting) error {
	m := newSettingModel(setting)
	err := conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "config_type", "description", "is_active", "updated_at"}),
		}).
		Create(m).Error
	if err != nil {
		return TranslateError(ctx, fmt.Errorf("upsert setting %s: %w", setting.Key, err))
	}
	setting.UpdatedAt = m.UpdatedAt
	return nil
}

// CreateIfAbsent inserts the setting and leaves an existing key untouched
func (r *GormSettingRepository) CreateIfAbsent(ctx context.Context, setting *docnumber.Setting) (bool, error) {
	m := newSettingModel(setting)
	result := conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(m)
	if result.Error != nil {
		return false, TranslateError(ctx, fmt.Errorf("create setting %s: %w", setting.Key, result.Error))
	}
	return result.RowsAffected > 0, nil
}

// List returns all settings whose key starts with keyPrefix, ordered by key
func (r *GormSettingRepository) List(ctx context.Context, keyPrefix string) ([]docnumber.Setting, error) {
	var rows []models.SystemSettingModel
	err := conn(ctx, r.db).
		Where(clause.Like{Column: "key", Value: keyPrefix + "%"}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).
		Find(&rows).Error
	if err != nil {
		return nil, TranslateError(ctx, err)
	}

	settings := make([]docnumber.Setting, 0, len(rows))
	for i := range rows {
		settings = append(settings, *rows[i].ToDomain())
	}
	return settings, nil
}

func newSettingModel(s *docnumber.Setting) *models.SystemSettingModel {
	now := time.Now().UTC()
	m := &models.SystemSettingModel{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.FromDomain(s)
	return m
}
