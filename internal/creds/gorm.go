package creds

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is one credential blob. The session id is not stored separately:
// Wipe matches on the "-<sessionID>" key suffix, the one derivation that
// holds even for session ids containing dashes.
type Record struct {
	Key       string `gorm:"primaryKey;size:255"`
	Data      []byte `gorm:"type:bytea;not null"`
	UpdatedAt time.Time
}

// TableName keeps the table apart from the dashboard-owned tenant tables.
func (Record) TableName() string {
	return "session_credentials"
}

// GormStore implements Store on the shared Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates the store and ensures its table exists.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Read implements Store.
func (s *GormStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Data, true, nil
}

// Write implements Store as an upsert keyed on Key.
func (s *GormStore) Write(ctx context.Context, key string, data []byte) error {
	rec := Record{Key: key, Data: data}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
}

// Delete implements Store.
func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&Record{}, "key = ?", key).Error
}

// Wipe implements Store, deleting every key ending in "-<sessionID>".
func (s *GormStore) Wipe(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).
		Where("key LIKE ? ESCAPE '\\'", wipePattern(sessionID)).
		Delete(&Record{}).Error
}

// wipePattern builds the LIKE pattern matching every key of one session,
// escaping the LIKE metacharacters an id could contain.
func wipePattern(sessionID string) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(sessionID)
	return "%-" + esc
}
