package models

import (
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/google/uuid"
)

// SystemSettingModel is a key/value runtime setting, e.g. document_prefix_sales_order = SO
type SystemSettingModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key         string    `gorm:"type:varchar(100);not null;uniqueIndex"`
	Value       string    `gorm:"type:text;not null"`
	ConfigType  string    `gorm:"type:varchar(32);not null;default:'business'"`
	Description string    `gorm:"type:text"`
	IsActive    bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SystemSettingModel) TableName() string {
	return "system_settings"
}

// ToDomain converts the persistence model to a domain Setting
func (m *SystemSettingModel) ToDomain() *docnumber.Setting {
	return &docnumber.Setting{
		Key:         m.Key,
		Value:       m.Value,
		ConfigType:  m.ConfigType,
		Description: m.Description,
		Active:      m.IsActive,
		UpdatedAt:   m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain Setting
func (m *SystemSettingModel) FromDomain(s *docnumber.Setting) {
	m.Key = s.Key
	m.Value = s.Value
	m.ConfigType = s.ConfigType
	m.Description = s.Description
	m.IsActive = s.Active
	if m.ConfigType == "" {
		m.ConfigType = docnumber.SettingConfigTypeBusiness
	}
}
