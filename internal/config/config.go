// Package config handles loading and validating the application
// configuration from a sync.json file.
//
// The configuration file is expected to be a JSON object with database
// connection details, HTTP listen address, and the tuning knobs for the
// sync engine's maintenance loops and snapshot chunk store.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds all application configuration loaded from sync.json.
// The file is read once at startup; changes require a restart.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "infra-postgres:5432").
	DBConn string `json:"dbConn"`

	// DBName is the PostgreSQL management database name. Each partition
	// additionally gets its own tenant database, named by
	// storage.SanitizePartitionDBName.
	DBName string `json:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// AdminKey is a shared secret for authenticating management API calls.
	AdminKey string `json:"adminKey"`

	// JWTSecret signs front-end session tokens. If empty, the server
	// generates a random secret at startup; it is not written back to
	// the config file and lasts only for that process.
	JWTSecret string `json:"jwtSecret,omitempty"`

	// SchemaVersionMin/Max bound the push pipeline's accepted
	// schemaVersion range.
	SchemaVersionMin int `json:"schemaVersionMin"`
	SchemaVersionMax int `json:"schemaVersionMax"`

	// PruneIntervalMs is the minimum interval between prune loop runs.
	PruneIntervalMs int64 `json:"pruneIntervalMs"`
	// KeepNewestCommits is the prune loop's safety floor.
	KeepNewestCommits int64 `json:"keepNewestCommits"`
	// ActiveWindowMs bounds how far back an active client cursor can
	// push the prune watermark.
	ActiveWindowMs int64 `json:"activeWindowMs"`
	// FallbackMaxAgeMs is used when there are no active client cursors.
	FallbackMaxAgeMs int64 `json:"fallbackMaxAgeMs"`

	// CompactFullHistoryHours bounds how old a commit must be before
	// its change history is collapsed to latest-row-only.
	CompactFullHistoryHours int `json:"compactFullHistoryHours"`

	// SnapshotChunkTTLSeconds is the default expiry for newly-created
	// snapshot chunks.
	SnapshotChunkTTLSeconds int64 `json:"snapshotChunkTTLSeconds"`

	// HeartbeatIntervalSeconds is the realtime notifier's per-connection
	// heartbeat cadence.
	HeartbeatIntervalSeconds int `json:"heartbeatIntervalSeconds"`

	// AuditMaxAgeHours / AuditMaxRows bound the audit-prune maintenance
	// task.
	AuditMaxAgeHours int `json:"auditMaxAgeHours"`
	AuditMaxRows     int `json:"auditMaxRows"`
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.SchemaVersionMax == 0 {
		c.SchemaVersionMin, c.SchemaVersionMax = 1, 1
	}
	if c.PruneIntervalMs == 0 {
		c.PruneIntervalMs = 5 * time.Minute.Milliseconds()
	}
	if c.KeepNewestCommits == 0 {
		c.KeepNewestCommits = 1000
	}
	if c.ActiveWindowMs == 0 {
		c.ActiveWindowMs = 24 * time.Hour.Milliseconds()
	}
	if c.FallbackMaxAgeMs == 0 {
		c.FallbackMaxAgeMs = 7 * 24 * time.Hour.Milliseconds()
	}
	if c.CompactFullHistoryHours == 0 {
		c.CompactFullHistoryHours = 72
	}
	if c.SnapshotChunkTTLSeconds == 0 {
		c.SnapshotChunkTTLSeconds = int64((30 * time.Minute).Seconds())
	}
	if c.HeartbeatIntervalSeconds == 0 {
		c.HeartbeatIntervalSeconds = 30
	}
	if c.AuditMaxAgeHours == 0 {
		c.AuditMaxAgeHours = 24 * 7
	}
	if c.AuditMaxRows == 0 {
		c.AuditMaxRows = 1_000_000
	}
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}

// ConnBase returns a connection string template without a database name.
// Used by the storage pool manager to construct per-partition connection
// strings.
func (c *Config) ConnBase() string {
	return fmt.Sprintf("postgres://%s:%s@%s",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
	)
}
