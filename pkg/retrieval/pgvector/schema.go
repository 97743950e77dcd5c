// Package pgvector is a PostgreSQL retrieval backend built on the pgvector
// extension.
//
// Every index lives in one documents table, partitioned by index name and
// namespace. [Migrate] installs the extension and the table; it is idempotent
// and runs on every [Open].
//
//	store, err := pgvector.Open(ctx, dsn, 1536)
//	if err != nil { … }
//	_ = store.Upsert(ctx, idx, docs, vectors)
//	hits, _ := store.Search(ctx, queryVec, idx, 2)
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

func ddl(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
    index_name  TEXT         NOT NULL,
    namespace   TEXT         NOT NULL DEFAULT '',
    id          TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    embedding   vector(%d)   NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (index_name, namespace, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates the extension, table and HNSW index if they are missing.
// dimensions is baked into the column type on first run; changing it later
// needs a manual migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("pgvector migrate: dimensions must be positive, got %d", dimensions)
	}
	if _, err := pool.Exec(ctx, ddl(dimensions)); err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	return nil
}
