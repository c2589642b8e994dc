// Package journal keeps a local ledger of capture traffic in an in-memory
// SQLite database. Confirmation keys are unique: a key that was already
// recorded is refused before it reaches the backend.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/geocatch/client/pkg/core"
	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDuplicateKey is returned when a confirmation reuses an idempotency key.
var ErrDuplicateKey = errors.New("journal: idempotency key already recorded")

// Confirmation states.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusDuplicate = "duplicate"
	StatusFailed    = "failed"
)

// AttemptRecord is one capture attempt and its verdict.
type AttemptRecord struct {
	ID        uint           `gorm:"primarykey"`
	CreatedAt time.Time      `gorm:"index"`
	SessionID string         `gorm:"index;size:64"`
	EntityID  string         `gorm:"index;size:64"`
	Method    string         `gorm:"size:32"`
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Device    datatypes.JSON
	Accepted  bool
	Points    int
	ResultID  string `gorm:"size:64"`
	Message   string
	Error     string
}

func (AttemptRecord) TableName() string { return "capture_attempts" }

// ConfirmationRecord is one confirmation, keyed by its idempotency key.
type ConfirmationRecord struct {
	ID             uint      `gorm:"primarykey"`
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
	IdempotencyKey string `gorm:"uniqueIndex;size:128;not null"`
	SessionID      string `gorm:"index;size:64"`
	EntityID       string `gorm:"size:64"`
	ResultID       string `gorm:"size:64"`
	Latitude       float64
	Longitude      float64
	Signals        datatypes.JSON
	Status         string `gorm:"size:16;index"`
	Error          string
}

func (ConfirmationRecord) TableName() string { return "capture_confirmations" }

// Config configures the journal database.
type Config struct {
	// Name identifies the in-memory database. Journals with the same name
	// share one database.
	Name string
	// DumpPath and DumpInterval enable periodic VACUUM INTO snapshots.
	DumpPath     string
	DumpInterval time.Duration
}

// Journal implements session.Journal.
type Journal struct {
	DB     *gorm.DB
	Logger zerolog.Logger

	cfg      Config
	mu       sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open creates the in-memory database and migrates the schema.
func Open(cfg Config, log zerolog.Logger) (*Journal, error) {
	if cfg.Name == "" {
		cfg.Name = "geocatch"
	}

	db, err := openMemoryDB(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	if err := db.AutoMigrate(&AttemptRecord{}, &ConfirmationRecord{}); err != nil {
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}

	j := &Journal{
		DB:       db,
		Logger:   log,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
	if cfg.DumpPath != "" && cfg.DumpInterval > 0 {
		j.wg.Add(1)
		go j.dumpLoop()
	}

	j.Logger.Info().Str("name", cfg.Name).Msg("Capture journal ready")
	return j, nil
}

func openMemoryDB(name string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        2000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Shared-cache memory databases lock per table; one connection keeps
	// writers from tripping over each other.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = MEMORY;",
		"PRAGMA synchronous = OFF;",
		"PRAGMA cache_size = -8000;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}
	return db, nil
}

// RecordAttempt stores an attempt with its response or transport error.
func (j *Journal) RecordAttempt(ctx context.Context, a core.CaptureAttempt, resp core.CaptureResponse, attemptErr error) error {
	device, err := json.Marshal(a.Device)
	if err != nil {
		return fmt.Errorf("encoding device: %w", err)
	}

	rec := AttemptRecord{
		SessionID: a.SessionID,
		EntityID:  a.EntityID,
		Method:    a.Method,
		Latitude:  a.Fix.Latitude,
		Longitude: a.Fix.Longitude,
		Accuracy:  a.Fix.Accuracy,
		Device:    datatypes.JSON(device),
		Accepted:  resp.Accepted,
		Points:    resp.PointsAwarded,
		ResultID:  resp.ResultID,
		Message:   resp.Message,
	}
	if attemptErr != nil {
		rec.Error = attemptErr.Error()
	}

	if err := j.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	j.Logger.Debug().Str("entity", a.EntityID).Bool("accepted", resp.Accepted).Msg("Recorded capture attempt")
	return nil
}

// RecordConfirmation stores a pending confirmation. It returns
// ErrDuplicateKey if the key was recorded before.
func (j *Journal) RecordConfirmation(ctx context.Context, c core.CaptureConfirmation) error {
	if c.IdempotencyKey == "" {
		return errors.New("journal: confirmation without idempotency key")
	}
	signals, err := json.Marshal(c.Signals)
	if err != nil {
		return fmt.Errorf("encoding signals: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var n int64
	if err := j.DB.WithContext(ctx).Model(&ConfirmationRecord{}).
		Where("idempotency_key = ?", c.IdempotencyKey).
		Count(&n).Error; err != nil {
		return fmt.Errorf("checking idempotency key: %w", err)
	}
	if n > 0 {
		j.Logger.Warn().Str("key", c.IdempotencyKey).Msg("Refusing reused idempotency key")
		return fmt.Errorf("%w: %s", ErrDuplicateKey, c.IdempotencyKey)
	}

	rec := ConfirmationRecord{
		IdempotencyKey: c.IdempotencyKey,
		SessionID:      c.SessionID,
		EntityID:       c.EntityID,
		ResultID:       c.ResultID,
		Latitude:       c.Fix.Latitude,
		Longitude:      c.Fix.Longitude,
		Signals:        datatypes.JSON(signals),
		Status:         StatusPending,
	}
	if err := j.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("recording confirmation: %w", err)
	}
	return nil
}

// RecordConfirmResult marks the confirmation with the backend's answer.
func (j *Journal) RecordConfirmResult(ctx context.Context, key string, ack core.ConfirmAck, confirmErr error) error {
	updates := map[string]any{"status": StatusConfirmed, "error": ""}
	switch {
	case confirmErr != nil:
		updates["status"] = StatusFailed
		updates["error"] = confirmErr.Error()
	case ack.Duplicate:
		updates["status"] = StatusDuplicate
	}

	res := j.DB.WithContext(ctx).Model(&ConfirmationRecord{}).
		Where("idempotency_key = ?", key).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("recording confirm result: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("journal: unknown idempotency key %s", key)
	}
	return nil
}

// Attempts returns the attempts of a session, oldest first.
func (j *Journal) Attempts(ctx context.Context, sessionID string) ([]AttemptRecord, error) {
	var out []AttemptRecord
	err := j.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id").
		Find(&out).Error
	return out, err
}

// Confirmations returns the confirmations in the given status, oldest first.
// An empty status returns all of them.
func (j *Journal) Confirmations(ctx context.Context, status string) ([]ConfirmationRecord, error) {
	var out []ConfirmationRecord
	q := j.DB.WithContext(ctx).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&out).Error
	return out, err
}

// Dump writes a snapshot of the database to path, replacing any existing file.
func (j *Journal) Dump(path string) error {
	if path == "" {
		return errors.New("journal: dump path not set")
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing existing dump: %w", err)
		}
	}

	start := time.Now()
	if err := j.DB.Exec(fmt.Sprintf("VACUUM INTO '%s';", strings.ReplaceAll(path, "'", "''"))).Error; err != nil {
		return fmt.Errorf("dumping journal: %w", err)
	}
	j.Logger.Debug().Dur("duration", time.Since(start)).Str("path", path).Msg("Dumped journal to disk")
	return nil
}

func (j *Journal) dumpLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			if err := j.Dump(j.cfg.DumpPath); err != nil {
				j.Logger.Error().Err(err).Msg("Journal dump failed")
			}
		}
	}
}

// Close stops the dump loop, writes a final dump if configured and closes
// the database.
func (j *Journal) Close() error {
	var err error
	j.stopOnce.Do(func() {
		close(j.stopChan)
		j.wg.Wait()

		if j.cfg.DumpPath != "" {
			err = j.Dump(j.cfg.DumpPath)
		}

		sqlDB, derr := j.DB.DB()
		if derr != nil {
			err = errors.Join(err, derr)
			return
		}
		err = errors.Join(err, sqlDB.Close())
	})
	return err
}
