package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrSessionNotFound is returned when ending a session that was never stored.
var ErrSessionNotFound = errors.New("session not found")

type sessionRow struct {
	ID               uint   `gorm:"primaryKey"`
	SessionID        string `gorm:"size:191;uniqueIndex:idx_sessions_identity"`
	ExperimenterCode string `gorm:"size:191;uniqueIndex:idx_sessions_identity"`
	StartTime        string
	StartTimeMillis  int64
	EndTime          string
	EndTimeMillis    int64
	DurationMs       int64
	Status           string `gorm:"size:32"`
	FilePath         string
	DeviceModel      string
	OSVersion        string
	DeviceID         string
	Latitude         *float64
	Longitude        *float64
}

func (sessionRow) TableName() string { return sessionsTable }

type recordRow struct {
	ID               uint   `gorm:"primaryKey"`
	SessionID        string `gorm:"size:191;index:idx_records_session"`
	ExperimenterCode string `gorm:"size:191;index:idx_records_session"`
	Timestamp        string `gorm:"size:16"`
	ElapsedTimeMs    int64
	Magnitude        float64
	RawDelta         *float64
	Pitch            *float64
	Roll             *float64
	Yaw              *float64
	RawYaw           *float64
}

func (recordRow) TableName() string { return recordsTable }

// SQLStore mirrors sessions into a relational database through gorm:
// a local SQLite archive or a Postgres server.
type SQLStore struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// dialector maps a driver name onto a gorm dialector. Whether the database
// is SQLite is returned so the pool can be pinned to one connection.
func dialector(driver, dsn string) (gorm.Dialector, bool, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), false, nil
	case "sqlite", "":
		if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, true, fmt.Errorf("create database directory: %w", err)
				}
			}
		}
		return sqlite.Open(dsn), true, nil
	}
	return nil, false, fmt.Errorf("unknown sql driver %q", driver)
}

// OpenSQLStore connects and migrates the sessions and movement_records tables.
func OpenSQLStore(driver, dsn string, log *zap.SugaredLogger) (*SQLStore, error) {
	dial, isSQLite, err := dialector(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	if err := db.AutoMigrate(&sessionRow{}, &recordRow{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SQLStore{db: db, log: log}, nil
}

func (s *SQLStore) Name() string { return "sqlstore" }

// StartSession inserts the session row, replacing one with the same identity.
func (s *SQLStore) StartSession(ctx context.Context, st SessionStart) error {
	row := sessionRow{
		SessionID:        st.SessionID,
		ExperimenterCode: st.ExperimenterCode,
		StartTime:        st.StartTimeString(),
		StartTimeMillis:  st.StartTimeMillis(),
		Status:           StatusStarted,
		FilePath:         st.FilePath,
		DeviceModel:      st.Device.Model,
		OSVersion:        st.Device.OSVersion,
		DeviceID:         st.Device.DeviceID,
		Latitude:         st.Device.Latitude,
		Longitude:        st.Device.Longitude,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "experimenter_code"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlstore: start session %s: %w", st.SessionID, err)
	}
	return nil
}

func (s *SQLStore) EndSession(ctx context.Context, e SessionEnd) error {
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("session_id = ? AND experimenter_code = ?", e.SessionID, e.ExperimenterCode).
		Updates(map[string]any{
			"end_time":        e.EndTimeString(),
			"end_time_millis": e.EndTimeMillis(),
			"duration_ms":     e.DurationMs(),
			"status":          StatusCompleted,
		})
	if res.Error != nil {
		return fmt.Errorf("sqlstore: end session %s: %w", e.SessionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlstore: end session %s: %w", e.SessionID, ErrSessionNotFound)
	}
	return nil
}

func (s *SQLStore) InsertRecords(ctx context.Context, records []MovementRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := lo.Map(records, func(r MovementRecord, _ int) recordRow {
		return recordRow{
			SessionID:        r.SessionID,
			ExperimenterCode: r.ExperimenterCode,
			Timestamp:        r.Timestamp,
			ElapsedTimeMs:    r.ElapsedTimeMs,
			Magnitude:        r.Magnitude,
			RawDelta:         r.RawDelta,
			Pitch:            r.Pitch,
			Roll:             r.Roll,
			Yaw:              r.Yaw,
			RawYaw:           r.RawYaw,
		}
	})
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		return fmt.Errorf("sqlstore: insert %d records: %w", len(records), err)
	}
	return nil
}

// Records returns the stored records of one session in insertion order.
func (s *SQLStore) Records(ctx context.Context, experimenterCode, sessionID string) ([]MovementRecord, error) {
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND experimenter_code = ?", sessionID, experimenterCode).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load records: %w", err)
	}
	return lo.Map(rows, func(r recordRow, _ int) MovementRecord {
		return MovementRecord{
			SessionID:        r.SessionID,
			ExperimenterCode: r.ExperimenterCode,
			Timestamp:        r.Timestamp,
			ElapsedTimeMs:    r.ElapsedTimeMs,
			Magnitude:        r.Magnitude,
			RawDelta:         r.RawDelta,
			Pitch:            r.Pitch,
			Roll:             r.Roll,
			Yaw:              r.Yaw,
			RawYaw:           r.RawYaw,
		}
	}), nil
}

// SessionStatus returns the stored status of one session.
func (s *SQLStore) SessionStatus(ctx context.Context, experimenterCode, sessionID string) (string, int64, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND experimenter_code = ?", sessionID, experimenterCode).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, ErrSessionNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("sqlstore: load session: %w", err)
	}
	return row.Status, row.DurationMs, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
