package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var DB *sql.DB

// Init initializes the database connection and schema
func Init(path string) error {
	var err error

	if err = ensureDirectory(path); err != nil {
		return err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	DB, err = sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	if err = DB.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	enableWAL()
	return Migrate(DB)
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	return nil
}

func enableWAL() {
	if _, err := DB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("⚠️  Could not enable WAL mode: %v", err)
	}
}

// Migrate creates the node control-plane tables.
func Migrate(db *sql.DB) error {
	statements := []struct {
		label string
		sql   string
	}{
		{"node", `
			CREATE TABLE IF NOT EXISTS node (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				code          TEXT    NOT NULL UNIQUE,
				secret        TEXT,
				name          TEXT,
				category      TEXT,
				version       TEXT,
				compile_time  DATETIME,
				uuid          TEXT,
				machine_guid  TEXT,
				disk_id       TEXT,
				macs          TEXT,
				machine_name  TEXT,
				user_name     TEXT,
				ip            TEXT,
				area          TEXT,
				memory        INTEGER DEFAULT 0,
				enabled       INTEGER DEFAULT 1,
				period        INTEGER DEFAULT 0,
				online_time   INTEGER DEFAULT 0,
				logins        INTEGER DEFAULT 0,
				last_login    DATETIME,
				create_ip     TEXT,
				update_ip     TEXT,
				create_time   DATETIME DEFAULT CURRENT_TIMESTAMP,
				update_time   DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
		{"node indexes", `
			CREATE INDEX IF NOT EXISTS idx_node_uuid ON node(uuid);
			CREATE INDEX IF NOT EXISTS idx_node_guid ON node(machine_guid);
			CREATE INDEX IF NOT EXISTS idx_node_macs ON node(macs);`},

		{"node_online", `
			CREATE TABLE IF NOT EXISTS node_online (
				session_id   TEXT PRIMARY KEY,
				node_id      INTEGER NOT NULL,
				name         TEXT,
				category     TEXT,
				version      TEXT,
				compile_time DATETIME,
				memory       INTEGER DEFAULT 0,
				macs         TEXT,
				ip           TEXT,
				token        TEXT,
				creator      TEXT,
				create_ip    TEXT,
				create_time  DATETIME DEFAULT CURRENT_TIMESTAMP,
				update_time  DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
		{"node_online indexes", `
			CREATE INDEX IF NOT EXISTS idx_online_node ON node_online(node_id);`},

		{"node_command", `
			CREATE TABLE IF NOT EXISTS node_command (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				node_id     INTEGER NOT NULL,
				command     TEXT    NOT NULL,
				argument    TEXT,
				expire      DATETIME,
				finished    INTEGER DEFAULT 0,
				result      TEXT,
				create_time DATETIME DEFAULT CURRENT_TIMESTAMP,
				update_time DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
		{"node_command indexes", `
			CREATE INDEX IF NOT EXISTS idx_command_node     ON node_command(node_id);
			CREATE INDEX IF NOT EXISTS idx_command_finished ON node_command(finished);`},

		{"node_version", `
			CREATE TABLE IF NOT EXISTS node_version (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				channel     INTEGER DEFAULT 0,
				version     TEXT    NOT NULL,
				enabled     INTEGER DEFAULT 1,
				force_pull  INTEGER DEFAULT 0,
				source      TEXT,
				executor    TEXT,
				strategy    TEXT,
				description TEXT,
				create_time DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
		{"node_version indexes", `
			CREATE INDEX IF NOT EXISTS idx_version_channel ON node_version(channel, enabled);`},

		{"node_history", `
			CREATE TABLE IF NOT EXISTS node_history (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				node_id     INTEGER DEFAULT 0,
				name        TEXT,
				action      TEXT    NOT NULL,
				success     INTEGER DEFAULT 1,
				remark      TEXT,
				creator     TEXT,
				user_host   TEXT,
				create_time DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
		{"node_history indexes", `
			CREATE INDEX IF NOT EXISTS idx_history_node ON node_history(node_id);`},
	}

	for _, s := range statements {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", s.label, err)
		}
	}
	return nil
}
