package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/tenantsync/internal/domain"
)

const (
	// DefaultTable holds one row per workspace.
	DefaultTable = "workspaces"

	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres lists workspaces from a table:
//
//	instance_id TEXT PRIMARY KEY, user_id TEXT, deleted_at TIMESTAMPTZ
//
// Rows with deleted_at set are excluded. The connection is opened lazily on
// first use; a failed open is retried by the next call.
type Postgres struct {
	dsn    string
	table  string
	openDB sqlOpenFunc

	initMu sync.Mutex
	db     *sql.DB
}

// NewPostgres creates a Postgres directory reading table (DefaultTable when
// empty).
func NewPostgres(dsn, table string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}
	return &Postgres{dsn: dsn, table: table, openDB: sql.Open}, nil
}

// ListWorkspaces returns live workspaces ordered by creation.
func (p *Postgres) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	db, err := p.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT instance_id, COALESCE(user_id, '')
		FROM %s
		WHERE deleted_at IS NULL
		ORDER BY created_at, instance_id`, pq.QuoteIdentifier(p.table))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		if err := rows.Scan(&ws.InstanceID, &ws.UserID); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return out, nil
}

// Upsert inserts or revives a workspace row.
func (p *Postgres) Upsert(ctx context.Context, ws domain.Workspace) error {
	db, err := p.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (instance_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (instance_id)
		DO UPDATE SET user_id = EXCLUDED.user_id, deleted_at = NULL`, pq.QuoteIdentifier(p.table))
	if _, err := db.ExecContext(ctx, query, domain.Canonical(ws.InstanceID), ws.UserID); err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

// MarkDeleted soft-deletes a workspace row.
func (p *Postgres) MarkDeleted(ctx context.Context, instanceID string) error {
	db, err := p.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET deleted_at = NOW() WHERE instance_id = $1 AND deleted_at IS NULL`,
		pq.QuoteIdentifier(p.table))
	if _, err := db.ExecContext(ctx, query, domain.Canonical(instanceID)); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	if p == nil {
		return nil
	}
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *Postgres) ensureReady() (*sql.DB, error) {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.db != nil {
		return p.db, nil
	}

	db, err := p.openDB("postgres", p.dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			instance_id TEXT PRIMARY KEY,
			user_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`, pq.QuoteIdentifier(p.table))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure %s table: %w", p.table, err)
	}
	p.db = db
	return db, nil
}
