package commits

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const commitsSchema = `
CREATE TABLE IF NOT EXISTS commits (
    stream_id       TEXT        NOT NULL,
    change          INTEGER     NOT NULL,
    original_change INTEGER     NOT NULL,
    author_id       TEXT        NOT NULL,
    owner_id        TEXT        NOT NULL,
    description     TEXT        NOT NULL,
    base_path       TEXT        NOT NULL,
    time            TIMESTAMPTZ NOT NULL,
    tags            TEXT[]      NOT NULL DEFAULT '{}',
    PRIMARY KEY (stream_id, change)
);
CREATE INDEX IF NOT EXISTS commits_tags_idx ON commits USING GIN (tags);
`

// PgStore keeps commit records in PostgreSQL. Tags are a text[] column so tag filters run as
// array predicates on the server.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore connects a pool and makes sure the schema exists.
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, commitsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create commits schema: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Close() { s.pool.Close() }

func (s *PgStore) Upsert(ctx context.Context, records ...*CommitRecord) error {
	if len(records) == 0 {
		return nil
	}
	const q = `
		INSERT INTO commits (stream_id, change, original_change, author_id, owner_id, description, base_path, time, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (stream_id, change) DO UPDATE SET
			original_change = EXCLUDED.original_change,
			author_id = EXCLUDED.author_id,
			owner_id = EXCLUDED.owner_id,
			description = EXCLUDED.description,
			base_path = EXCLUDED.base_path,
			time = EXCLUDED.time,
			tags = EXCLUDED.tags
	`
	batch := &pgx.Batch{}
	for _, r := range records {
		tags := r.Tags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(q, r.StreamID, r.Change, r.OriginalChange, r.AuthorID, r.OwnerID, r.Description, r.BasePath, r.Time, tags)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert commit: %w", err)
		}
	}
	return nil
}

// buildFind renders q as SQL. A single tag uses array containment, several tags use overlap.
func buildFind(q Query) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT stream_id, change, original_change, author_id, owner_id, description, base_path, time, tags
		FROM commits WHERE stream_id = $1`)
	args := []any{q.StreamID}
	if q.MinChange > 0 {
		args = append(args, q.MinChange)
		fmt.Fprintf(&b, " AND change >= $%d", len(args))
	}
	if q.MaxChange > 0 {
		args = append(args, q.MaxChange)
		fmt.Fprintf(&b, " AND change <= $%d", len(args))
	}
	switch len(q.Tags) {
	case 0:
	case 1:
		args = append(args, q.Tags)
		fmt.Fprintf(&b, " AND tags @> $%d", len(args))
	default:
		args = append(args, q.Tags)
		fmt.Fprintf(&b, " AND tags && $%d", len(args))
	}
	if q.Ascending {
		b.WriteString(" ORDER BY change ASC")
	} else {
		b.WriteString(" ORDER BY change DESC")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func (s *PgStore) Find(ctx context.Context, q Query) ([]*CommitRecord, error) {
	sql, args := buildFind(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()
	var out []*CommitRecord
	for rows.Next() {
		var r CommitRecord
		if err := rows.Scan(&r.StreamID, &r.Change, &r.OriginalChange, &r.AuthorID, &r.OwnerID,
			&r.Description, &r.BasePath, &r.Time, &r.Tags); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		r.Time = r.Time.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}
