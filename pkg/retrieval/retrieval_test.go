package retrieval_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxline/internal/cache"
	embmock "github.com/MrWong99/voxline/pkg/provider/embeddings/mock"
	"github.com/MrWong99/voxline/pkg/retrieval"
	"github.com/MrWong99/voxline/pkg/retrieval/mock"
)

var faq = retrieval.Index{Kind: retrieval.KindPGVector, Name: "faq", Namespace: "acme"}

func TestIndex_String(t *testing.T) {
	tests := []struct {
		idx  retrieval.Index
		want string
	}{
		{retrieval.Index{Kind: "pgvector", Name: "faq"}, "pgvector/faq"},
		{retrieval.Index{Kind: "qdrant", Name: "faq", Namespace: "acme"}, "qdrant/faq/acme"},
	}
	for _, tt := range tests {
		if got := tt.idx.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if !(retrieval.Index{}).IsZero() {
		t.Error("zero Index should report IsZero")
	}
}

func TestEmbedded_DispatchesByKind(t *testing.T) {
	emb := &embmock.Provider{EmbedResult: []float32{0.1, 0.2}}
	pg := &mock.Retriever{Docs: []retrieval.Document{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	qd := &mock.Retriever{}

	r := retrieval.NewEmbedded(emb, map[string]retrieval.Searcher{
		retrieval.KindPGVector: pg,
		retrieval.KindQdrant:   qd,
	}, nil)

	docs, err := r.Retrieve(context.Background(), "opening hours", faq)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != retrieval.DefaultTopK {
		t.Errorf("got %d docs, want %d", len(docs), retrieval.DefaultTopK)
	}
	if len(pg.Vectors) != 1 || len(qd.Vectors) != 0 {
		t.Errorf("pgvector searches = %d, qdrant searches = %d", len(pg.Vectors), len(qd.Vectors))
	}
	if len(emb.EmbedCalls) != 1 || emb.EmbedCalls[0] != "opening hours" {
		t.Errorf("EmbedCalls = %v", emb.EmbedCalls)
	}
}

func TestEmbedded_UnknownKind(t *testing.T) {
	r := retrieval.NewEmbedded(&embmock.Provider{}, nil, nil)
	_, err := r.Retrieve(context.Background(), "q", retrieval.Index{Kind: "pinecone", Name: "x"})
	if !errors.Is(err, retrieval.ErrUnknownBackend) {
		t.Fatalf("err = %v, want ErrUnknownBackend", err)
	}
}

func TestEmbedded_EmbedError(t *testing.T) {
	emb := &embmock.Provider{EmbedErr: errors.New("quota")}
	pg := &mock.Retriever{}
	r := retrieval.NewEmbedded(emb, map[string]retrieval.Searcher{retrieval.KindPGVector: pg}, nil)

	if _, err := r.Retrieve(context.Background(), "q", faq); err == nil {
		t.Fatal("expected error")
	}
	if len(pg.Vectors) != 0 {
		t.Error("search must not run without an embedding")
	}
}

func TestCached_HitSkipsInner(t *testing.T) {
	inner := &mock.Retriever{Docs: []retrieval.Document{{ID: "1", Content: "We open at 9."}}}
	c := retrieval.NewCached(inner, cache.NewMemory[[]retrieval.Document]("retrieval"))
	ctx := context.Background()

	for _, q := range []string{"Opening hours", "  opening HOURS "} {
		docs, err := c.Retrieve(ctx, q, faq)
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 1 || docs[0].Content != "We open at 9." {
			t.Fatalf("docs = %+v", docs)
		}
	}
	if inner.CallCount() != 1 {
		t.Errorf("inner calls = %d, want 1", inner.CallCount())
	}
}

func TestCached_IndexesDoNotShareEntries(t *testing.T) {
	inner := &mock.Retriever{Docs: []retrieval.Document{{ID: "1"}}}
	c := retrieval.NewCached(inner, cache.NewMemory[[]retrieval.Document]("retrieval"))
	ctx := context.Background()

	_, _ = c.Retrieve(ctx, "q", faq)
	_, _ = c.Retrieve(ctx, "q", retrieval.Index{Kind: retrieval.KindQdrant, Name: "faq"})
	if inner.CallCount() != 2 {
		t.Errorf("inner calls = %d, want 2", inner.CallCount())
	}
}

func TestCached_ErrorsAreNotCached(t *testing.T) {
	inner := &mock.Retriever{Err: errors.New("down")}
	c := retrieval.NewCached(inner, cache.NewMemory[[]retrieval.Document]("retrieval"))
	ctx := context.Background()

	if _, err := c.Retrieve(ctx, "q", faq); err == nil {
		t.Fatal("expected error")
	}
	inner.Err = nil
	inner.Docs = []retrieval.Document{{ID: "1"}}
	docs, err := c.Retrieve(ctx, "q", faq)
	if err != nil || len(docs) != 1 {
		t.Fatalf("Retrieve = (%v, %v)", docs, err)
	}
}
