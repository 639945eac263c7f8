package models

import (
	"time"

	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/google/uuid"
)

// DocumentNumberSequenceModel is the counter row of one (prefix, date bucket) pair.
// Rows are created lazily on first allocation and never deleted.
type DocumentNumberSequenceModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Prefix        string    `gorm:"type:varchar(32);not null;uniqueIndex:uq_document_number_sequences_key,priority:1"`
	DateBucket    string    `gorm:"type:varchar(8);not null;uniqueIndex:uq_document_number_sequences_key,priority:2"`
	CurrentNumber int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (DocumentNumberSequenceModel) TableName() string {
	return "document_number_sequences"
}

// ToDomain converts the persistence model to a domain SequenceRecord
func (m *DocumentNumberSequenceModel) ToDomain() *docnumber.SequenceRecord {
	current := m.CurrentNumber
	if current < 0 {
		current = 0
	}
	return &docnumber.SequenceRecord{
		Key: docnumber.SequenceKey{
			Prefix:     m.Prefix,
			DateBucket: m.DateBucket,
		},
		Current:   uint64(current),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain SequenceRecord
func (m *DocumentNumberSequenceModel) FromDomain(r *docnumber.SequenceRecord) {
	m.Prefix = r.Key.Prefix
	m.DateBucket = r.Key.DateBucket
	m.CurrentNumber = int64(r.Current)
	m.CreatedAt = r.CreatedAt
	m.UpdatedAt = r.UpdatedAt
}
