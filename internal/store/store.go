// Package store provides transactional SQLite persistence for the data
// model: pages, page content, entities, intelligence, relationships,
// links, tasks and learned crawl priors. Every multi-row update runs in
// one transaction so partial failures never leave dangling rows.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"webintel/internal/logging"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. A single connection with WAL keeps
// concurrent writers serialized per row without user-facing locks.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// schema and running forward-only migrations.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("opening store at %s", path)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("store ready")
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		domain TEXT NOT NULL,
		depth INTEGER DEFAULT 0,
		priority REAL DEFAULT 0,
		page_type TEXT DEFAULT '',
		fetch_status TEXT DEFAULT '',
		fetched_at TEXT DEFAULT '',
		text_length INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pages_domain ON pages(domain);
	CREATE INDEX IF NOT EXISTS idx_pages_status ON pages(fetch_status);

	CREATE TABLE IF NOT EXISTS page_content (
		page_id TEXT PRIMARY KEY,
		raw_html TEXT DEFAULT '',
		text TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		structured TEXT DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		canonical_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		data TEXT DEFAULT '{}',
		metadata TEXT DEFAULT '{}',
		merged_into TEXT DEFAULT '',
		last_seen TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_entities_canonical ON entities(canonical_name, kind);
	CREATE INDEX IF NOT EXISTS idx_entities_merged ON entities(merged_into);

	CREATE TABLE IF NOT EXISTS intelligence (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_name TEXT NOT NULL,
		page_id TEXT NOT NULL,
		source_url TEXT DEFAULT '',
		finding TEXT NOT NULL,
		confidence REAL DEFAULT 0,
		tombstoned INTEGER DEFAULT 0,
		created_at TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_intel_entity ON intelligence(entity_id);
	CREATE INDEX IF NOT EXISTS idx_intel_page ON intelligence(page_id);
	CREATE INDEX IF NOT EXISTS idx_intel_name ON intelligence(entity_name);

	CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		source_type TEXT DEFAULT '',
		target_type TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at TEXT DEFAULT '',
		updated_at TEXT DEFAULT '',
		UNIQUE(source_id, target_id, relation)
	);
	CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships(source_id);
	CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships(target_id);
	CREATE INDEX IF NOT EXISTS idx_rel_relation ON relationships(relation);

	CREATE TABLE IF NOT EXISTS links (
		id TEXT PRIMARY KEY,
		from_page_id TEXT NOT NULL,
		to_url TEXT NOT NULL,
		anchor TEXT DEFAULT '',
		score REAL DEFAULT 0,
		reason TEXT DEFAULT '',
		depth INTEGER DEFAULT 0,
		seen_at TEXT DEFAULT '',
		UNIQUE(from_page_id, to_url)
	);
	CREATE INDEX IF NOT EXISTS idx_links_from ON links(from_page_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER DEFAULT 0,
		params TEXT DEFAULT '{}',
		progress REAL DEFAULT 0,
		progress_msg TEXT DEFAULT '',
		result TEXT DEFAULT '{}',
		error TEXT DEFAULT '',
		cancel_requested INTEGER DEFAULT 0,
		created_at TEXT DEFAULT '',
		started_at TEXT DEFAULT '',
		completed_at TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_order ON tasks(status, priority DESC, created_at ASC);

	CREATE TABLE IF NOT EXISTS domain_priors (
		domain TEXT PRIMARY KEY,
		weight REAL DEFAULT 0,
		official INTEGER DEFAULT 0,
		updated_at TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS url_patterns (
		pattern TEXT PRIMARY KEY,
		weight REAL DEFAULT 0,
		updated_at TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT DEFAULT ''
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return s.runMigrations()
}

// migrations are forward-only. Each entry runs at most once, tracked in
// schema_migrations.
var migrations = []struct {
	version int
	stmt    string
}{
	// Version 1 is the base schema above; reserved.
	{1, ""},
}

func (s *Store) runMigrations() error {
	for _, m := range migrations {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&applied)
		if err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		if m.stmt != "" {
			if _, err := s.db.Exec(m.stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			m.version, now()); err != nil {
			return err
		}
		logging.StoreDebug("applied migration %d", m.version)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("closing store")
	return s.db.Close()
}

// DB exposes the underlying connection for stats and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns per-table row counts.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"pages", "page_content", "entities", "intelligence", "relationships", "links", "tasks"} {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// now returns the current UTC time formatted for storage.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
