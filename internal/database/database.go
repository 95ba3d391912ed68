package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patchwork-sh/patchwork/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&User{}, &Host{}, &Session{}, &RolePermission{}, &AuditLog{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

// seedDefaults ensures the built-in roles have permission rows. Custom roles
// without a row are denied everything by the authorization gate.
func seedDefaults() error {
	defaults := []RolePermission{
		{Role: "admin", CanViewHosts: true, CanManageHosts: true, CanViewReports: true, CanAdminUsers: true},
		{Role: "operator", CanViewHosts: true, CanManageHosts: true, CanViewReports: true},
		{Role: "viewer", CanViewHosts: true, CanViewReports: true},
	}

	for _, perm := range defaults {
		var count int64
		DB.Model(&RolePermission{}).Where("role = ?", perm.Role).Count(&count)
		if count == 0 {
			if err := DB.Create(&perm).Error; err != nil {
				return fmt.Errorf("seed role %s: %w", perm.Role, err)
			}
		}
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func UpdateUserPassword(id uint, passwordHash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", passwordHash).Error
}

// Host helpers

func GetHostByID(id uint) (*Host, error) {
	var h Host
	if err := DB.First(&h, id).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func GetHostByAgentID(agentID string) (*Host, error) {
	var h Host
	if err := DB.Where("agent_id = ?", agentID).First(&h).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

func ListHosts() ([]Host, error) {
	var hosts []Host
	if err := DB.Order("id").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// Role permission helpers

// GetRolePermission returns the permission row for the given role, or
// gorm.ErrRecordNotFound when the role has no row.
func GetRolePermission(role string) (*RolePermission, error) {
	var p RolePermission
	if err := DB.Where("role = ?", role).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Session helpers

func GetSession(id string) (*Session, error) {
	var s Session
	if err := DB.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func CreateSession(s *Session) error {
	return DB.Create(s).Error
}

func DeleteSession(id string) error {
	return DB.Where("id = ?", id).Delete(&Session{}).Error
}

// TouchSession refreshes the session's last-activity timestamp.
func TouchSession(id string) error {
	return DB.Model(&Session{}).Where("id = ?", id).Update("last_activity", time.Now()).Error
}

// DeleteExpiredSessions removes sessions past their expiry. Returns the
// number of rows removed.
func DeleteExpiredSessions() (int64, error) {
	res := DB.Where("expires_at < ?", time.Now()).Delete(&Session{})
	return res.RowsAffected, res.Error
}
