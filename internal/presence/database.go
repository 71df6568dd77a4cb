package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opHeartbeat  = "presence.heartbeat"
	opListActive = "presence.list_active"
	opLeave      = "presence.leave"
	opSweepStale = "presence.sweep_stale"
	opStoreNew   = "presence.store.new"
)

// StoreError carries a stable operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

// EntryRecord is the persisted presence row.
type EntryRecord struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ScopeID        string `gorm:"column:scope_id;size:190;not null;uniqueIndex:idx_presence_scope_user,priority:1"`
	UserID         string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_presence_scope_user,priority:2"`
	FileID         string `gorm:"column:file_id;size:190"`
	UserName       string `gorm:"column:user_name;size:64;not null"`
	UserColor      string `gorm:"column:user_color;size:64;not null"`
	LastSeenMillis int64  `gorm:"column:last_seen_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (EntryRecord) TableName() string {
	return "presence_entries"
}

// DatabaseStoreConfig describes the dependencies of DatabaseStore.
type DatabaseStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Windows  Windows
}

// DatabaseStore keeps presence in the primary database.
type DatabaseStore struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	windows Windows
}

// NewDatabaseStore validates the configuration and constructs the store.
func NewDatabaseStore(cfg DatabaseStoreConfig) (*DatabaseStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", nil)
	}
	windows := cfg.Windows
	if windows == (Windows{}) {
		windows = DefaultWindows()
	}
	if err := windows.validate(); err != nil {
		return nil, newStoreError(opStoreNew, "invalid_windows", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseStore{db: cfg.Database, clock: clock, logger: logger, windows: windows}, nil
}

// Heartbeat upserts the caller's entry and refreshes its last-seen time.
func (s *DatabaseStore) Heartbeat(ctx context.Context, heartbeat Heartbeat) error {
	if err := validateHeartbeat(heartbeat); err != nil {
		return newStoreError(opHeartbeat, "invalid_input", err)
	}
	heartbeat = normalizeHeartbeat(heartbeat)
	record := EntryRecord{
		ScopeID:        heartbeat.ScopeID.String(),
		UserID:         heartbeat.UserID.String(),
		FileID:         heartbeat.FileID,
		UserName:       heartbeat.UserName,
		UserColor:      heartbeat.UserColor,
		LastSeenMillis: s.clock().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"file_id", "user_name", "user_color", "last_seen_ms"}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("presence heartbeat failed",
			zap.String("scope_id", heartbeat.ScopeID.String()),
			zap.String("user_id", heartbeat.UserID.String()),
			zap.Error(err))
		return newStoreError(opHeartbeat, "upsert_failed", err)
	}
	return nil
}

// ListActive returns entries seen within the active window, without the caller's own.
func (s *DatabaseStore) ListActive(ctx context.Context, scopeID ScopeID, caller UserID) ([]Entry, error) {
	cutoff := s.clock().Add(-s.windows.Active).UnixMilli()
	var records []EntryRecord
	err := s.db.WithContext(ctx).
		Where("scope_id = ? AND user_id <> ? AND last_seen_ms >= ?", scopeID.String(), caller.String(), cutoff).
		Order("user_id ASC").
		Find(&records).Error
	if err != nil {
		s.logger.Error("presence list failed", zap.String("scope_id", scopeID.String()), zap.Error(err))
		return nil, newStoreError(opListActive, "query_failed", err)
	}
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, Entry{
			ScopeID:   ScopeID(record.ScopeID),
			UserID:    UserID(record.UserID),
			FileID:    record.FileID,
			UserName:  record.UserName,
			UserColor: record.UserColor,
			LastSeen:  time.UnixMilli(record.LastSeenMillis).UTC(),
		})
	}
	return entries, nil
}

// Leave deletes the user's entry immediately.
func (s *DatabaseStore) Leave(ctx context.Context, scopeID ScopeID, userID UserID) error {
	err := s.db.WithContext(ctx).
		Where("scope_id = ? AND user_id = ?", scopeID.String(), userID.String()).
		Delete(&EntryRecord{}).Error
	if err != nil {
		return newStoreError(opLeave, "delete_failed", err)
	}
	return nil
}

// SweepStale deletes every entry, across all scopes, older than the stale window.
func (s *DatabaseStore) SweepStale(ctx context.Context) (int64, error) {
	cutoff := s.clock().Add(-s.windows.Stale).UnixMilli()
	result := s.db.WithContext(ctx).Where("last_seen_ms < ?", cutoff).Delete(&EntryRecord{})
	if result.Error != nil {
		return 0, newStoreError(opSweepStale, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}
