package database

import "time"

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Host struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	FriendlyName string `gorm:"not null" json:"friendly_name"`
	Hostname     string `gorm:"not null" json:"hostname"`
	IP           string `json:"ip"`
	// AgentID identifies the host's agent on the control-plane channel.
	AgentID      string `gorm:"uniqueIndex;not null;size:64" json:"agent_id"`
	AgentKeyHash string `json:"-"`
	// SSHCredential holds an optional fernet-encrypted credential JSON
	// used as a fallback when a connect command carries none.
	SSHCredential string    `json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Session struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	UserID       uint      `gorm:"not null;index" json:"user_id"`
	Token        string    `gorm:"not null" json:"-"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RolePermission maps a role name to its capability flags. A role without a
// row has no capabilities at all.
type RolePermission struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Role           string    `gorm:"uniqueIndex;not null;size:64" json:"role"`
	CanViewHosts   bool      `gorm:"not null;default:false" json:"can_view_hosts"`
	CanManageHosts bool      `gorm:"not null;default:false" json:"can_manage_hosts"`
	CanViewReports bool      `gorm:"not null;default:false" json:"can_view_reports"`
	CanAdminUsers  bool      `gorm:"not null;default:false" json:"can_admin_users"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type AuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	HostID    uint      `gorm:"index" json:"host_id"`
	HostName  string    `json:"host_name"`
	Reason    string    `json:"reason"`
	SourceIP  string    `json:"source_ip"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
