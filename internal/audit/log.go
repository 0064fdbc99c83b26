package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRecord      = "audit.record"
	opEntries     = "audit.entries"
	orderEntryAsc = "entry_id ASC"
)

var errMissingDatabase = errors.New("audit: database handle is required")

// LogConfig describes the dependencies of the audit log.
type LogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Log is the process-wide append-only audit trail. Appends are safe for
// concurrent use; entries are returned in insertion order.
type Log struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLog constructs an audit log on top of an already migrated database.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Record appends an entry. Storage failures are logged and swallowed so that
// auditing never interrupts the caller.
func (l *Log) Record(ctx context.Context, category Category, message string) {
	entry := Entry{
		Category:         string(category),
		Message:          message,
		RecordedAtMillis: l.clock().UTC().UnixMilli(),
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		l.logger.Error("audit append failed",
			zap.String("operation", opRecord),
			zap.String("category", string(category)),
			zap.String("message", message),
			zap.Error(err))
	}
}

// Recordf is Record with fmt-style formatting.
func (l *Log) Recordf(ctx context.Context, category Category, format string, args ...any) {
	l.Record(ctx, category, fmt.Sprintf(format, args...))
}

// Entries returns every recorded entry in insertion order.
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := l.db.WithContext(ctx).Order(orderEntryAsc).Find(&entries).Error; err != nil {
		l.logger.Error("audit read failed", zap.String("operation", opEntries), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", opEntries, err)
	}
	return entries, nil
}
