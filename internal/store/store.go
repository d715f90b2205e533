// Package store owns the SQLite system of record. It is deliberately thin:
// subsystems write their own SQL and use the scan helpers here so the
// column order stays in one place.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voyagehost/voyage/internal/model"
)

// TimeLayout is fixed-width UTC so that lexical comparison in SQL matches
// chronological order.
const TimeLayout = "2006-01-02 15:04:05"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) time.Time {
	t, _ := time.ParseInLocation(TimeLayout, s, time.UTC)
	return t
}

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite supports one writer at a time; serializing at the pool level
	// avoids SQLITE_BUSY under concurrent agent polls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("setting wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return &DB{conn: db}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL,
		api_key TEXT NOT NULL,
		cpu_cores INTEGER NOT NULL DEFAULT 0,
		memory_mb INTEGER NOT NULL DEFAULT 0,
		disk_gb INTEGER NOT NULL DEFAULT 0,
		os_platform TEXT NOT NULL DEFAULT 'linux',
		location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		vpn_ip TEXT NOT NULL DEFAULT '',
		public_ip TEXT NOT NULL DEFAULT '',
		external_ip TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		game_type TEXT NOT NULL,
		name TEXT NOT NULL,
		image TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		memory_limit_mb INTEGER NOT NULL,
		env_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		subdomain TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		player_count INTEGER NOT NULL DEFAULT 0,
		cpu_usage REAL NOT NULL DEFAULT 0,
		ram_usage_mb INTEGER NOT NULL DEFAULT 0,
		last_player_activity TEXT,
		hibernation_enabled INTEGER NOT NULL DEFAULT 1,
		sftp_username TEXT NOT NULL DEFAULT '',
		sftp_password TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (node_id) REFERENCES nodes(id)
	);

	-- seq is the dispatch order. created_at has second resolution, which is
	-- too coarse to order commands enqueued in the same second.
	CREATE TABLE IF NOT EXISTS commands (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		node_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT 'null',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		settled_at TEXT,
		result TEXT
	);
	CREATE INDEX IF NOT EXISTS commands_poll ON commands(node_id, status, seq);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL DEFAULT '',
		server_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		logs TEXT NOT NULL DEFAULT '',
		analysis TEXT NOT NULL DEFAULT '',
		resolution TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	`

	if _, err := d.conn.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(query, args...)
}

func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(query, args...)
}

func (d *DB) Begin() (*sql.Tx, error) {
	return d.conn.Begin()
}

// EncodeEnv serializes an env slice for the servers.env_json column.
func EncodeEnv(env []string) (string, error) {
	if env == nil {
		env = []string{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding env: %w", err)
	}
	return string(b), nil
}

// Scanner is satisfied by both *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// NodeCols is the column list ScanNode expects.
const NodeCols = "id, hostname, api_key, cpu_cores, memory_mb, disk_gb, os_platform, location, status, last_seen, vpn_ip, public_ip, external_ip"

func ScanNode(s Scanner) (*model.Node, error) {
	var (
		n        model.Node
		lastSeen string
	)
	err := s.Scan(&n.ID, &n.Hostname, &n.APIKey, &n.Specs.CPUCores, &n.Specs.MemoryMB, &n.Specs.DiskGB,
		&n.Specs.OSPlatform, &n.Location, &n.Status, &lastSeen, &n.VPNIP, &n.PublicIP, &n.ExternalIP)
	if err != nil {
		return nil, err
	}
	n.Specs.Hostname = n.Hostname
	n.LastSeen = ParseTime(lastSeen)
	return &n, nil
}

// ServerCols is the column list ScanServer expects.
const ServerCols = "id, user_id, node_id, game_type, name, image, port, memory_limit_mb, env_json, status, progress, subdomain, last_error, player_count, cpu_usage, ram_usage_mb, last_player_activity, hibernation_enabled, sftp_username, sftp_password, created_at"

func ScanServer(s Scanner) (*model.Server, error) {
	var (
		sv           model.Server
		envJSON      string
		lastActivity sql.NullString
		createdAt    string
	)
	err := s.Scan(&sv.ID, &sv.UserID, &sv.NodeID, &sv.GameType, &sv.Name, &sv.Image, &sv.Port,
		&sv.MemoryLimitMB, &envJSON, &sv.Status, &sv.Progress, &sv.Subdomain, &sv.LastError,
		&sv.PlayerCount, &sv.CPUUsage, &sv.RAMUsageMB, &lastActivity, &sv.HibernationEnabled,
		&sv.SFTPUsername, &sv.SFTPPassword, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(envJSON), &sv.Env); err != nil {
		return nil, fmt.Errorf("decoding env for server %s: %w", sv.ID, err)
	}
	if lastActivity.Valid {
		t := ParseTime(lastActivity.String)
		sv.LastPlayerActivity = &t
	}
	sv.CreatedAt = ParseTime(createdAt)
	return &sv, nil
}

// TicketCols is the column list ScanTicket expects.
const TicketCols = "id, node_id, server_id, type, status, logs, analysis, resolution, created_at"

func ScanTicket(s Scanner) (*model.Ticket, error) {
	var (
		t         model.Ticket
		createdAt string
	)
	err := s.Scan(&t.ID, &t.NodeID, &t.ServerID, &t.Type, &t.Status, &t.Logs, &t.Analysis, &t.Resolution, &createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = ParseTime(createdAt)
	return &t, nil
}
