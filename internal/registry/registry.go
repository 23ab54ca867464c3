// Package registry persists per-(project, shard) last-processed
// timestamps and classifies shard ids for dispatch. Rows are append-only;
// reads consolidate by maximum and prune superseded entries.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Registry is a SQL-backed shard registry.
type Registry struct {
	db *sqlx.DB
}

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite
	DSN    string
}

// New opens the registry database and bootstraps its schema.
func New(cfg Config) (*Registry, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		for _, stmt := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to execute pragma: %w", err)
			}
		}
	}

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

// NewSQLite opens a SQLite-backed registry at path.
func NewSQLite(path string) (*Registry, error) {
	return New(Config{Driver: "sqlite", DSN: path})
}

func (r *Registry) initSchema() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS shard_processed (
id INTEGER PRIMARY KEY AUTOINCREMENT,
project TEXT NOT NULL,
shard TEXT NOT NULL,
processed_at INTEGER NOT NULL
)`)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_shard_processed_project
ON shard_processed (project, shard)`)
	return err
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// MarkProcessed appends a last-processed entry for (project, shard).
func (r *Registry) MarkProcessed(ctx context.Context, project, shard string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO shard_processed (project, shard, processed_at) VALUES (?, ?, ?)`,
		project, shard, at.UnixNano())
	if err != nil {
		return fmt.Errorf("mark processed %s/%s: %w", project, shard, err)
	}
	return nil
}

// LastProcessed returns the consolidated last-processed timestamp per
// shard for project, taking the maximum when multiple entries exist, and
// prunes the superseded rows.
func (r *Registry) LastProcessed(ctx context.Context, project string) (map[string]time.Time, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT shard, MAX(processed_at) FROM shard_processed WHERE project = ? GROUP BY shard`,
		project)
	if err != nil {
		return nil, fmt.Errorf("load last processed for %s: %w", project, err)
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var shard string
		var nanos int64
		if err := rows.Scan(&shard, &nanos); err != nil {
			return nil, fmt.Errorf("scan last processed row: %w", err)
		}
		result[shard] = time.Unix(0, nanos).UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate last processed rows: %w", err)
	}

	// Consolidate: superseded rows carry no information.
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM shard_processed WHERE project = ? AND processed_at < (
SELECT MAX(processed_at) FROM shard_processed s2
WHERE s2.project = shard_processed.project AND s2.shard = shard_processed.shard)`,
		project); err != nil {
		return nil, fmt.Errorf("consolidate registry for %s: %w", project, err)
	}

	return result, nil
}
