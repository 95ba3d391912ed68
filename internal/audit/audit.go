// Package audit records SSH terminal access decisions and session lifecycle
// events. Every grant and denial is written durably before the connection
// proceeds or is torn down, so no access attempt is silent.
package audit

import (
	"log"
	"time"

	"github.com/patchwork-sh/patchwork/internal/database"
	"github.com/patchwork-sh/patchwork/internal/logutil"
	"gorm.io/gorm"
)

// Event types recorded by the SSH terminal bridge.
const (
	EventAccessGranted    = "ssh_terminal_access_granted"
	EventAccessDenied     = "ssh_terminal_access_denied"
	EventSessionConnected = "ssh_terminal_connected"
	EventSessionClosed    = "ssh_terminal_closed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create an audit log record.
type Entry struct {
	EventType string
	UserID    uint
	Username  string
	Role      string
	HostID    uint
	HostName  string
	Reason    string
	SourceIP  string
}

// Auditor writes audit records to the database and emits log lines for
// observability.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor writing to the given database. If
// retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit event to the database and standard logger.
func (a *Auditor) Log(entry Entry) error {
	record := database.AuditLog{
		EventType: entry.EventType,
		UserID:    entry.UserID,
		Username:  entry.Username,
		Role:      entry.Role,
		HostID:    entry.HostID,
		HostName:  entry.HostName,
		Reason:    entry.Reason,
		SourceIP:  entry.SourceIP,
	}

	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s user=%s role=%s host=%s reason=%s ip=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.Username),
		entry.Role,
		logutil.SanitizeForLog(entry.HostName),
		logutil.SanitizeForLog(entry.Reason),
		entry.SourceIP,
	)
	return nil
}

// Prune deletes audit records older than the retention window. Returns the
// number of rows removed.
func (a *Auditor) Prune() (int64, error) {
	cutoff := a.nowFn().AddDate(0, 0, -a.retentionDays)
	res := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	return res.RowsAffected, res.Error
}
