package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func mustAuditLog(t *testing.T, logger *zap.Logger) (*Log, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "audit.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	log, err := NewLog(LogConfig{
		Database: db,
		Logger:   logger,
		Clock: func() time.Time {
			return time.UnixMilli(1700000000123)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct audit log: %v", err)
	}
	return log, db
}

func TestNewLogRequiresDatabase(t *testing.T) {
	if _, err := NewLog(LogConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}

func TestLogEntriesPreserveInsertionOrder(t *testing.T) {
	log, _ := mustAuditLog(t, nil)
	ctx := context.Background()

	log.Record(ctx, CategoryConnection, "connected c1")
	log.Recordf(ctx, CategoryJoin, "%s joined project %s", "alice", "p1")
	log.Record(ctx, CategoryLeave, "disconnected c1")

	entries, err := log.Entries(ctx)
	if err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	expected := []string{"connected c1", "alice joined project p1", "disconnected c1"}
	for index, message := range expected {
		if entries[index].Message != message {
			t.Fatalf("entry %d: expected %q, got %q", index, message, entries[index].Message)
		}
	}
	if entries[1].Category != string(CategoryJoin) {
		t.Fatalf("unexpected category %q", entries[1].Category)
	}
	if entries[0].RecordedAtMillis != 1700000000123 {
		t.Fatalf("unexpected timestamp %d", entries[0].RecordedAtMillis)
	}

	again, err := log.Entries(ctx)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	for index := range entries {
		if again[index].EntryID != entries[index].EntryID {
			t.Fatalf("entries reordered between reads")
		}
	}
}

func TestLogConcurrentAppends(t *testing.T) {
	log, _ := mustAuditLog(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.Record(ctx, CategoryConnection, fmt.Sprintf("connected c%d", i))
		}(i)
	}
	wg.Wait()

	entries, err := log.Entries(ctx)
	if err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	if len(entries) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(entries))
	}
}

func TestLogRecordSwallowsStorageErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log, db := mustAuditLog(t, zap.New(core))
	if err := db.Migrator().DropTable(&Entry{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	log.Record(context.Background(), CategoryError, "lost")

	entries := logs.FilterMessage("audit append failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one storage failure log, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected error level, got %s", entries[0].Level)
	}
}
