package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS collab_audit (
	id          BIGSERIAL PRIMARY KEY,
	workflow_id TEXT        NOT NULL,
	event_type  TEXT        NOT NULL,
	user_id     TEXT        NOT NULL DEFAULT '',
	detail      TEXT        NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS collab_audit_workflow_at ON collab_audit (workflow_id, at DESC);
`

// Postgres writes events to the collab_audit table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and creates the table if needed.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Record(ctx context.Context, ev Event) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO collab_audit (workflow_id, event_type, user_id, detail, at) VALUES ($1, $2, $3, $4, $5)`,
		ev.WorkflowID, ev.Type, ev.UserID, ev.Detail, ev.At)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (p *Postgres) History(ctx context.Context, workflowID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT workflow_id, event_type, user_id, detail, at FROM collab_audit
		 WHERE workflow_id = $1 ORDER BY at DESC, id DESC LIMIT $2`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var ev Event
		err := row.Scan(&ev.WorkflowID, &ev.Type, &ev.UserID, &ev.Detail, &ev.At)
		return ev, err
	})
}

func (p *Postgres) Close() { p.pool.Close() }
