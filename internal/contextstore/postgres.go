package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Snapshotter persists context entries to PostgreSQL and answers semantic
// searches over archived entries via a pgvector HNSW index. The in-memory
// [Store] stays authoritative; snapshots are an opaque durability hook.
//
// All methods are safe for concurrent use.
type Snapshotter struct {
	pool *pgxpool.Pool
}

// EmbeddedEntry pairs an entry with its content embedding for indexing.
type EmbeddedEntry struct {
	Entry     Entry
	Embedding []float32
}

// SearchHit is one semantic search result with its cosine distance.
type SearchHit struct {
	Entry    Entry
	Distance float64
}

const ddlContextEntries = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS context_entries (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    content     JSONB        NOT NULL DEFAULT 'null',
    source      TEXT         NOT NULL,
    level       INTEGER      NOT NULL DEFAULT 0,
    state       TEXT         NOT NULL,
    tags        TEXT[]       NOT NULL DEFAULT '{}',
    refs        TEXT[]       NOT NULL DEFAULT '{}',
    custom_data JSONB        NOT NULL DEFAULT '{}',
    embedding   vector(%d),
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expiry      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_context_entries_session
    ON context_entries (session_id);

CREATE INDEX IF NOT EXISTS idx_context_entries_source
    ON context_entries (source);

CREATE INDEX IF NOT EXISTS idx_context_entries_tags
    ON context_entries USING GIN (tags);

CREATE INDEX IF NOT EXISTS idx_context_entries_embedding
    ON context_entries USING hnsw (embedding vector_cosine_ops);
`

// NewSnapshotter connects to the database at dsn, registers pgvector types
// on every connection and ensures the schema exists. embeddingDimensions
// must match the embedding model in use; changing it after the first
// migration requires a manual schema change.
func NewSnapshotter(ctx context.Context, dsn string, embeddingDimensions int) (*Snapshotter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("contextstore snapshot: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("contextstore snapshot: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("contextstore snapshot: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlContextEntries, embeddingDimensions)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("contextstore snapshot: migrate: %w", err)
	}
	return &Snapshotter{pool: pool}, nil
}

// Save upserts all entries of one session. Entries without an embedding
// are stored with a NULL vector and stay invisible to Search.
func (s *Snapshotter) Save(ctx context.Context, sessionID string, entries []EmbeddedEntry) error {
	const q = `
		INSERT INTO context_entries
		    (id, session_id, content, source, level, state, tags, refs,
		     custom_data, embedding, timestamp, expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
		    session_id  = EXCLUDED.session_id,
		    content     = EXCLUDED.content,
		    source      = EXCLUDED.source,
		    level       = EXCLUDED.level,
		    state       = EXCLUDED.state,
		    tags        = EXCLUDED.tags,
		    refs        = EXCLUDED.refs,
		    custom_data = EXCLUDED.custom_data,
		    embedding   = EXCLUDED.embedding,
		    timestamp   = EXCLUDED.timestamp,
		    expiry      = EXCLUDED.expiry`

	for _, ee := range entries {
		e := ee.Entry
		content, err := json.Marshal(e.Content)
		if err != nil {
			return fmt.Errorf("contextstore snapshot: marshal content %q: %w", e.ID, err)
		}
		custom, err := json.Marshal(e.Metadata.CustomData)
		if err != nil {
			return fmt.Errorf("contextstore snapshot: marshal custom data %q: %w", e.ID, err)
		}

		var vec any
		if len(ee.Embedding) > 0 {
			vec = pgvector.NewVector(ee.Embedding)
		}
		var expiry any
		if !e.Metadata.Expiry.IsZero() {
			expiry = e.Metadata.Expiry
		}

		_, err = s.pool.Exec(ctx, q,
			e.ID, sessionID, content,
			string(e.Metadata.Source), int(e.Metadata.Level), string(e.Metadata.State),
			e.Metadata.Tags, e.Metadata.References,
			custom, vec, e.Metadata.Timestamp, expiry,
		)
		if err != nil {
			return fmt.Errorf("contextstore snapshot: upsert %q: %w", e.ID, err)
		}
	}
	return nil
}

// Load returns all persisted entries of one session, newest first.
func (s *Snapshotter) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
		SELECT id, content, source, level, state, tags, refs,
		       custom_data, timestamp, expiry
		FROM   context_entries
		WHERE  session_id = $1
		ORDER  BY timestamp DESC`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("contextstore snapshot: load: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("contextstore snapshot: scan: %w", err)
	}
	return entries, nil
}

// Search finds the topK entries whose embeddings are closest (cosine
// distance) to the query embedding, optionally restricted to one session.
// Results are ordered most similar first.
func (s *Snapshotter) Search(ctx context.Context, embedding []float32, topK int, sessionID string) ([]SearchHit, error) {
	args := []any{pgvector.NewVector(embedding)}
	where := "WHERE embedding IS NOT NULL"
	if sessionID != "" {
		args = append(args, sessionID)
		where += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	args = append(args, topK)

	q := fmt.Sprintf(`
		SELECT id, content, source, level, state, tags, refs,
		       custom_data, timestamp, expiry,
		       embedding <=> $1 AS distance
		FROM   context_entries
		%s
		ORDER  BY distance
		LIMIT  $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("contextstore snapshot: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchHit, error) {
		var (
			hit     SearchHit
			content []byte
			custom  []byte
			expiry  *time.Time
			level   int
			source  string
			state   string
		)
		err := row.Scan(&hit.Entry.ID, &content, &source, &level, &state,
			&hit.Entry.Metadata.Tags, &hit.Entry.Metadata.References,
			&custom, &hit.Entry.Metadata.Timestamp, &expiry, &hit.Distance)
		if err != nil {
			return SearchHit{}, err
		}
		fillEntry(&hit.Entry, content, source, level, state, custom, expiry)
		return hit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("contextstore snapshot: scan hits: %w", err)
	}
	return hits, nil
}

// Ping verifies database connectivity.
func (s *Snapshotter) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Snapshotter) Close() {
	s.pool.Close()
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var (
		e       Entry
		content []byte
		custom  []byte
		expiry  *time.Time
		level   int
		source  string
		state   string
	)
	err := row.Scan(&e.ID, &content, &source, &level, &state,
		&e.Metadata.Tags, &e.Metadata.References,
		&custom, &e.Metadata.Timestamp, &expiry)
	if err != nil {
		return Entry{}, err
	}
	fillEntry(&e, content, source, level, state, custom, expiry)
	return e, nil
}

func fillEntry(e *Entry, content []byte, source string, level int, state string, custom []byte, expiry *time.Time) {
	_ = json.Unmarshal(content, &e.Content)
	_ = json.Unmarshal(custom, &e.Metadata.CustomData)
	e.Metadata.Source = Source(source)
	e.Metadata.Level = Level(level)
	e.Metadata.State = State(state)
	if expiry != nil {
		e.Metadata.Expiry = *expiry
	}
}
