package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
}

// New creates a new SQLite database connection
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// RunMigrations creates the schema: a latest-snapshot table per session and
// an append-only operation log. The engine only keeps a recent suffix of
// the log in memory; the full history lives here.
func (db *DB) RunMigrations() error {
	migration := `
CREATE TABLE IF NOT EXISTS collab_sessions (
    id TEXT PRIMARY KEY,
    resource_id TEXT NOT NULL,
    resource_type TEXT NOT NULL CHECK(resource_type IN ('conversation', 'artifact', 'document')),
    workspace_id TEXT NOT NULL,
    participants TEXT NOT NULL,
    state TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    last_activity TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collab_resource ON collab_sessions(resource_id, resource_type);
CREATE INDEX IF NOT EXISTS idx_collab_workspace ON collab_sessions(workspace_id);

CREATE TABLE IF NOT EXISTS collab_operations (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL CHECK(type IN ('insert', 'delete', 'format')),
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    applied_at TIMESTAMP NOT NULL,
    UNIQUE (session_id, id),
    FOREIGN KEY (session_id) REFERENCES collab_sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_collab_ops_session ON collab_operations(session_id, seq);
`

	_, err := db.Exec(migration)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
