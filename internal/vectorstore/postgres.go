package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xkilldash9x/compliance-swarm/api/schemas"
	"go.uber.org/zap"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "compliance_chunks"

// DBPool abstracts pgxpool.Pool so the backend can be tested with pgxmock.
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresBackend stores records in a pgvector table. Similarity is
// 1 - cosine distance.
type PostgresBackend struct {
	pool  DBPool
	table string
	log   *zap.Logger
}

func NewPostgresBackend(pool DBPool, table string, logger *zap.Logger) *PostgresBackend {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresBackend{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
		log:   logger.Named("pgvector"),
	}
}

// EnsureSchema creates the vector extension, the table and its source index.
func (p *PostgresBackend) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            id TEXT PRIMARY KEY,
            content TEXT NOT NULL,
            metadata JSONB NOT NULL DEFAULT '{}',
            embedding vector NOT NULL,
            dimensions INT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        )`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((metadata->>'source'))`,
			pgx.Identifier{strings.Trim(p.table, `"`) + "_source_idx"}.Sanitize(), p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure vector schema: %w", err)
		}
	}
	p.log.Info("Vector schema ensured.", zap.String("table", p.table))
	return nil
}

func (p *PostgresBackend) Upsert(ctx context.Context, records []schemas.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			p.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	sql := fmt.Sprintf(`
        INSERT INTO %s (id, content, metadata, embedding, dimensions, updated_at)
        VALUES ($1, $2, $3, $4::vector, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            content = EXCLUDED.content,
            metadata = EXCLUDED.metadata,
            embedding = EXCLUDED.embedding,
            dimensions = EXCLUDED.dimensions,
            updated_at = EXCLUDED.updated_at;
    `, p.table)

	for _, r := range records {
		meta, err := json.Marshal(r.Chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for chunk %s: %w", r.Chunk.ID, err)
		}
		if _, err := tx.Exec(ctx, sql,
			r.Chunk.ID, r.Chunk.Content, meta, vectorLiteral(r.Embedding), len(r.Embedding), r.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", r.Chunk.ID, classify(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func (p *PostgresBackend) Query(ctx context.Context, q Query) ([]schemas.ScoredChunk, error) {
	sql, args := p.buildQuery(q)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", classify(err))
	}
	defer rows.Close()

	var out []schemas.ScoredChunk
	for rows.Next() {
		var (
			sc   schemas.ScoredChunk
			meta []byte
		)
		if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.Content, &meta, &sc.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &sc.Chunk.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for chunk %s: %w", sc.Chunk.ID, err)
			}
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", classify(err))
	}
	return out, nil
}

// buildQuery returns the similarity SQL and its positional arguments.
func (p *PostgresBackend) buildQuery(q Query) (string, []any) {
	args := []any{vectorLiteral(q.Embedding), len(q.Embedding), q.MinSimilarity}
	var where []string
	add := func(predicate, value string) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(predicate, len(args)))
	}
	if f := q.Filters; !f.IsEmpty() {
		if f.Source != "" {
			add("metadata->>'source' = $%d", f.Source)
		}
		if f.ContentType != "" {
			add("metadata->>'content_type' = $%d", string(f.ContentType))
		}
		if f.Framework != "" {
			add("lower(metadata->>'framework') = lower($%d)", f.Framework)
		}
		if f.RequirementCode != "" {
			add("lower(metadata->>'requirement_code') = lower($%d)", f.RequirementCode)
		}
		if f.FilePath != "" {
			add("metadata->>'file_path' = $%d", f.FilePath)
		}
	}
	args = append(args, q.K)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, content, metadata, 1 - (embedding <=> $1::vector) AS similarity FROM %s", p.table)
	b.WriteString(" WHERE dimensions = $2 AND 1 - (embedding <=> $1::vector) >= $3")
	for _, w := range where {
		b.WriteString(" AND ")
		b.WriteString(w)
	}
	fmt.Fprintf(&b, " ORDER BY similarity DESC LIMIT $%d", len(args))
	return b.String(), args
}

func (p *PostgresBackend) DeleteBySource(ctx context.Context, source string) (int, error) {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE metadata->>'source' = $1`, p.table), source)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", classify(err))
	}
	return int(tag.RowsAffected()), nil
}

// classify maps undefined table, function and type errors to ErrSchemaMissing.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42883", "42704":
			return fmt.Errorf("%w: %s", ErrSchemaMissing, pgErr.Message)
		}
	}
	return err
}

// vectorLiteral formats an embedding in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
