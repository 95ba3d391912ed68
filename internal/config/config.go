package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":3001"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/patchwork.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// RedisURL enables the Redis-backed one-time ticket store. When empty,
	// tickets are held in process memory (single-instance deployments only).
	RedisURL string `envconfig:"REDIS_URL" default:""`

	// TokenSecret signs short-lived websocket tokens for the legacy auth path.
	TokenSecret string `envconfig:"TOKEN_SECRET" default:""`

	TicketTTL       string `envconfig:"TICKET_TTL" default:"60s"`
	SessionDuration string `envconfig:"SESSION_DURATION" default:"24h"`

	// SSH terminal bridge settings
	SSHConnectTimeout        string `envconfig:"SSH_CONNECT_TIMEOUT" default:"20s"`
	MaxProxySessionsPerAgent int    `envconfig:"MAX_PROXY_SESSIONS_PER_AGENT" default:"16"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("PATCHWORK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
