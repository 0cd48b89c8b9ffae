// Package journal keeps an audit trail of the transactions the oracle relays
// to the EVM side.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Relay kinds.
const (
	KindRegister      = "register"
	KindDeploy        = "deploy"
	KindAddPair       = "add_pair"
	KindUpdateAnswers = "update_answers"
)

// Default and maximum page sizes for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// RelayRecord is one submitted transaction.
type RelayRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Kind      string    `gorm:"index;not null" json:"kind"`
	TxHash    string    `gorm:"index" json:"txHash"`
	Caller    string    `json:"caller"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// OpenDB connects to the journal database. driver is "sqlite" or "postgres".
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("journal: dsn required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		resolved, err := sqliteDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(resolved)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	return db, nil
}

// Journal appends and lists relay records.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// New migrates the schema and returns a Journal.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := db.AutoMigrate(&RelayRecord{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Record stores a relay record and returns it.
func (j *Journal) Record(ctx context.Context, kind, txHash, caller, detail string) (RelayRecord, error) {
	rec := RelayRecord{
		ID:        uuid.New(),
		Kind:      kind,
		TxHash:    txHash,
		Caller:    caller,
		Detail:    detail,
		CreatedAt: j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return RelayRecord{}, fmt.Errorf("journal: record %s: %w", kind, err)
	}
	return rec, nil
}

// List returns up to limit records, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]RelayRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	var out []RelayRecord
	err := j.db.WithContext(ctx).Order("created_at DESC").Order("id").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
