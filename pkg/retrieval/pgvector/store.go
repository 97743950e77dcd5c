package pgvector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxline/pkg/retrieval"
)

var _ retrieval.Searcher = (*Store)(nil)

// Store searches and maintains the documents table. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and registers the pgvector types on every pooled
// connection. A positive dimensions also runs [Migrate].
func Open(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector: ping: %w", err)
	}
	if dimensions > 0 {
		if err := Migrate(ctx, pool, dimensions); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Store{pool: pool}, nil
}

// Search implements [retrieval.Searcher]. Score is cosine similarity, so the
// best match has the highest score and comes first.
func (s *Store) Search(ctx context.Context, vector []float32, idx retrieval.Index, topK int) ([]retrieval.Document, error) {
	const q = `
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM   documents
		WHERE  index_name = $2 AND namespace = $3
		ORDER  BY embedding <=> $1
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, pgv.NewVector(vector), idx.Name, idx.Namespace, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (retrieval.Document, error) {
		var (
			d     retrieval.Document
			score float64
		)
		if err := row.Scan(&d.ID, &d.Content, &d.Metadata, &score); err != nil {
			return retrieval.Document{}, err
		}
		d.Score = float32(score)
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector: scan rows: %w", err)
	}
	if docs == nil {
		docs = []retrieval.Document{}
	}
	return docs, nil
}

// Upsert stores docs with their embeddings under idx, replacing documents
// with the same id. docs and vectors must have the same length.
func (s *Store) Upsert(ctx context.Context, idx retrieval.Index, docs []retrieval.Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("pgvector: upsert: %d documents but %d vectors", len(docs), len(vectors))
	}
	if idx.Name == "" {
		return errors.New("pgvector: upsert: index name is empty")
	}

	const q = `
		INSERT INTO documents (index_name, namespace, id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (index_name, namespace, id) DO UPDATE SET
		    content    = EXCLUDED.content,
		    metadata   = EXCLUDED.metadata,
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`

	batch := &pgx.Batch{}
	for i, d := range docs {
		meta := d.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		batch.Queue(q, idx.Name, idx.Namespace, d.ID, d.Content, meta, pgv.NewVector(vectors[i]))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgvector: upsert: %w", err)
	}
	return nil
}

// Delete removes every document of idx.
func (s *Store) Delete(ctx context.Context, idx retrieval.Index) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE index_name = $1 AND namespace = $2`,
		idx.Name, idx.Namespace)
	if err != nil {
		return 0, fmt.Errorf("pgvector: delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
