package audit

import (
	"testing"
	"time"

	"github.com/patchwork-sh/patchwork/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := db.AutoMigrate(&database.AuditLog{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestAuditor_LogWritesRecord(t *testing.T) {
	db := setupTestDB(t)
	a := NewAuditor(db, 0)

	err := a.Log(Entry{
		EventType: EventAccessDenied,
		UserID:    3,
		Username:  "bob",
		Role:      "viewer",
		HostID:    7,
		HostName:  "web-01",
		Reason:    "Missing can_manage_hosts permission",
		SourceIP:  "10.0.0.5",
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	var rec database.AuditLog
	if err := db.First(&rec).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if rec.EventType != EventAccessDenied {
		t.Errorf("event type = %q, want %q", rec.EventType, EventAccessDenied)
	}
	if rec.UserID != 3 || rec.HostID != 7 {
		t.Errorf("ids = user %d host %d, want 3 and 7", rec.UserID, rec.HostID)
	}
	if rec.Reason != "Missing can_manage_hosts permission" {
		t.Errorf("reason = %q", rec.Reason)
	}
}

func TestAuditor_PruneRemovesOldRecords(t *testing.T) {
	db := setupTestDB(t)
	a := NewAuditor(db, 30)

	now := time.Now()
	old := database.AuditLog{EventType: EventAccessGranted, Username: "old"}
	db.Create(&old)
	db.Model(&old).Update("created_at", now.AddDate(0, 0, -60))
	db.Create(&database.AuditLog{EventType: EventAccessGranted, Username: "fresh"})

	removed, err := a.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d rows, want 1", removed)
	}

	var count int64
	db.Model(&database.AuditLog{}).Count(&count)
	if count != 1 {
		t.Errorf("%d rows remain, want 1", count)
	}
}

func TestAuditor_PruneHonorsClock(t *testing.T) {
	db := setupTestDB(t)
	a := NewAuditor(db, 30)

	db.Create(&database.AuditLog{EventType: EventAccessGranted, Username: "fresh"})

	// Jump the clock forward past the retention window.
	a.nowFn = func() time.Time { return time.Now().AddDate(0, 0, 45) }

	removed, err := a.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d rows, want 1", removed)
	}
}

func TestGlobalRegistry(t *testing.T) {
	db := setupTestDB(t)
	defer ResetGlobalForTest()

	a := NewAuditor(db, 0)
	SetGlobalForTest(a)
	if Get() != a {
		t.Error("Get did not return the installed auditor")
	}

	ResetGlobalForTest()
	if Get() != nil {
		t.Error("Get returned an auditor after reset")
	}
}
