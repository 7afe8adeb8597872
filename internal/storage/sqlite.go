package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veilsync/veilsync/internal/room"
)

// BackendNameSQLite selects the embedded relational backend.
const BackendNameSQLite = "sqlite"

type roomModel struct {
	RoomID        string `gorm:"column:room_id;primaryKey;size:100;not null"`
	Ciphertext    string `gorm:"column:ciphertext;type:text;not null"`
	Timestamp     int64  `gorm:"column:timestamp_ms;not null"`
	DeviceName    string `gorm:"column:device_name;size:190;not null;default:''"`
	Version       int64  `gorm:"column:version;not null;default:0"`
	IntegrityHash string `gorm:"column:integrity_hash;size:128;not null;default:''"`
	LastActiveAt  int64  `gorm:"column:last_active_at;not null;index:idx_rooms_last_active"`
}

func (roomModel) TableName() string {
	return "rooms"
}

type logModel struct {
	SeqID     int64  `gorm:"column:seq_id;primaryKey;autoIncrement"`
	EntryID   string `gorm:"column:entry_id;size:190;not null"`
	RoomID    string `gorm:"column:room_id;size:100;not null;index:idx_ops_room_version,priority:1"`
	Type      string `gorm:"column:op_type;size:16;not null"`
	Position  int    `gorm:"column:position;not null"`
	Content   string `gorm:"column:content;type:text;not null;default:''"`
	Length    int    `gorm:"column:length;not null;default:0"`
	Timestamp int64  `gorm:"column:timestamp_ms;not null"`
	DeviceID  string `gorm:"column:device_id;size:190;not null"`
	Version   int64  `gorm:"column:version;not null;index:idx_ops_room_version,priority:2"`
}

func (logModel) TableName() string {
	return "room_ops"
}

// SQLite is a Backend over an embedded relational file store.
type SQLite struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// OpenSQLite establishes the SQLite connection and migrates the schema.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&roomModel{}, &logModel{}); err != nil {
		return nil, err
	}

	logger.Info("sqlite backend initialized", zap.String("path", path))
	return &SQLite{db: db, clock: time.Now, logger: logger}, nil
}

// SaveRoom upserts the single record for the room.
func (s *SQLite) SaveRoom(ctx context.Context, record room.Record) error {
	model := roomModel{
		RoomID:        record.RoomID,
		Ciphertext:    record.Ciphertext,
		Timestamp:     record.Timestamp,
		DeviceName:    record.DeviceName,
		Version:       record.Version,
		IntegrityHash: record.IntegrityHash,
		LastActiveAt:  s.clock().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// GetRoom returns the stored record, or nil when the room is unknown.
func (s *SQLite) GetRoom(ctx context.Context, roomID string) (*room.Record, error) {
	var model roomModel
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	touch := s.db.WithContext(ctx).Model(&roomModel{}).
		Where("room_id = ?", roomID).
		Update("last_active_at", s.clock().UnixMilli())
	if touch.Error != nil {
		s.logger.Warn("room activity touch failed", zap.String("room_id", roomID), zap.Error(touch.Error))
	}

	return &room.Record{
		RoomID:        model.RoomID,
		Ciphertext:    model.Ciphertext,
		Timestamp:     model.Timestamp,
		DeviceName:    model.DeviceName,
		Version:       model.Version,
		IntegrityHash: model.IntegrityHash,
	}, nil
}

// AppendLog inserts the entry and trims the room's log to the newest
// MaxLogEntries rows.
func (s *SQLite) AppendLog(ctx context.Context, entry room.LogEntry) error {
	model := logModel{
		EntryID:   entry.ID,
		RoomID:    entry.RoomID,
		Type:      string(entry.Type),
		Position:  entry.Position,
		Content:   entry.Content,
		Length:    entry.Length,
		Timestamp: entry.Timestamp,
		DeviceID:  entry.DeviceID,
		Version:   entry.Version,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		trim := `DELETE FROM room_ops WHERE room_id = ? AND seq_id NOT IN (
			SELECT seq_id FROM room_ops WHERE room_id = ?
			ORDER BY version DESC, timestamp_ms DESC, seq_id DESC LIMIT ?)`
		return tx.Exec(trim, entry.RoomID, entry.RoomID, MaxLogEntries).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// GetLog returns entries with version greater than since, ascending.
func (s *SQLite) GetLog(ctx context.Context, roomID string, since int64) ([]room.LogEntry, error) {
	var models []logModel
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND version > ?", roomID, since).
		Order("version ASC, timestamp_ms ASC, seq_id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	entries := make([]room.LogEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, room.LogEntry{
			ID:        m.EntryID,
			RoomID:    m.RoomID,
			Type:      room.OperationType(m.Type),
			Position:  m.Position,
			Content:   m.Content,
			Length:    m.Length,
			Timestamp: m.Timestamp,
			DeviceID:  m.DeviceID,
			Version:   m.Version,
		})
	}
	return entries, nil
}

// CleanupExpired removes rooms (and their logs) inactive since olderThan.
func (s *SQLite) CleanupExpired(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixMilli()
	removed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []string
		if err := tx.Model(&roomModel{}).
			Where("last_active_at < ?", cutoff).
			Pluck("room_id", &expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		if err := tx.Where("room_id IN ?", expired).Delete(&logModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id IN ?", expired).Delete(&roomModel{}).Error; err != nil {
			return err
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return removed, nil
}

// IsHealthy pings the underlying database.
func (s *SQLite) IsHealthy(ctx context.Context) bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// Stats reports room and log entry counts.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var rooms, logEntries int64
	if err := s.db.WithContext(ctx).Model(&roomModel{}).Count(&rooms).Error; err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := s.db.WithContext(ctx).Model(&logModel{}).Count(&logEntries).Error; err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return Stats{Backend: BackendNameSQLite, Rooms: rooms, LogEntries: logEntries}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
