// Package ledger persists an audit trail of rendezvous exchanges.
//
// The ledger is a write-mostly log: one row per resolved exchange, queried
// after the fact to answer "what moved over this channel and when". It is
// deliberately outside the data path; see Recorder for the hookup.
package ledger

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/rendezvous/types"
)

// Exchange directions as seen from the recording table.
const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

// Statuses a row can carry. Failed exchanges store the error code string
// instead.
const (
	StatusOK   = "OK"
	StatusDead = "DEAD"
)

// Record is one resolved exchange.
type Record struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	FullKey     string    `gorm:"size:512;not null" json:"full_key"`
	Channel     string    `gorm:"size:256;index:idx_records_channel" json:"channel"`
	SrcEndpoint string    `gorm:"size:256" json:"src_endpoint"`
	DstEndpoint string    `gorm:"size:256" json:"dst_endpoint"`
	FrameID     uint64    `json:"frame_id"`
	IterID      uint64    `json:"iter_id"`
	Direction   string    `gorm:"size:8" json:"direction"`
	Dead        bool      `json:"dead"`
	Bytes       int       `json:"bytes"`
	Status      string    `gorm:"size:64" json:"status"`
	At          time.Time `gorm:"index:idx_records_at" json:"at"`
}

// Config holds the database settings of the ledger.
type Config struct {
	// Driver selects the dialector: sqlite, mysql or postgres.
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn" json:"-"`

	// Connection pool knobs, passed through to database/sql.
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		DSN:             "file:rendezvous.db",
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Ledger is a gorm-backed exchange log.
type Ledger struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Open connects to the configured database, migrates the records table
// and tunes the connection pool.
func Open(config Config, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	default:
		return nil, types.Errorf(types.ErrInvalidArgument,
			"unsupported ledger driver %q (supported: sqlite, mysql, postgres)", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "failed to connect ledger database").
			WithCause(err).WithRetryable(true)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, types.NewError(types.ErrInternal, "ledger migration failed").WithCause(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to get sql.DB").WithCause(err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	l := &Ledger{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "ledger")),
	}

	l.logger.Info("ledger opened",
		zap.String("driver", config.Driver),
		zap.Int("max_open_conns", config.MaxOpenConns),
	)
	return l, nil
}

// Append writes one record. A missing ID or timestamp is filled in.
func (l *Ledger) Append(ctx context.Context, rec *Record) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return errLedgerClosed()
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return types.NewError(types.ErrUnavailable, "ledger append failed").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

// RecentByChannel returns the newest records of one channel, newest first.
// A non-positive limit defaults to 100.
func (l *Ledger) RecentByChannel(ctx context.Context, channel string, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, errLedgerClosed()
	}
	if limit <= 0 {
		limit = 100
	}

	var recs []Record
	err := l.db.WithContext(ctx).
		Where("channel = ?", channel).
		Order("at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "ledger query failed").
			WithCause(err).WithRetryable(true)
	}
	return recs, nil
}

// CountByStatus tallies rows per status.
func (l *Ledger) CountByStatus(ctx context.Context) (map[string]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, errLedgerClosed()
	}

	var rows []struct {
		Status string
		N      int64
	}
	err := l.db.WithContext(ctx).
		Model(&Record{}).
		Select("status, count(*) as n").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "ledger query failed").
			WithCause(err).WithRetryable(true)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

// Purge deletes records older than the retention window and reports how
// many rows went away.
func (l *Ledger) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0, errLedgerClosed()
	}

	cutoff := time.Now().UTC().Add(-retention)
	res := l.db.WithContext(ctx).Where("at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, types.NewError(types.ErrUnavailable, "ledger purge failed").
			WithCause(res.Error).WithRetryable(true)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection.
func (l *Ledger) Ping(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return errLedgerClosed()
	}
	return l.sqlDB.PingContext(ctx)
}

// Close releases the database handle. Safe to call twice.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.logger.Info("closing ledger")
	return l.sqlDB.Close()
}

func errLedgerClosed() error {
	return types.NewError(types.ErrUnavailable, "ledger is closed")
}
