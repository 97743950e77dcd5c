package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDimensions(t *testing.T) {
	tests := []struct {
		model string
		opts  []Option
		want  int
	}{
		{model: "text-embedding-3-small", want: 1536},
		{model: "text-embedding-3-large", want: 3072},
		{model: "Text-Embedding-Ada-002", want: 1536},
		{model: "in-house-embedder", want: 1536},
		{model: "text-embedding-3-large", opts: []Option{WithDimensions(256)}, want: 256},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := New("sk", tt.model, tt.opts...)
			if err != nil {
				t.Fatal(err)
			}
			if got := p.Dimensions(); got != tt.want {
				t.Errorf("Dimensions() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	p, err := New("sk", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %q, want %q", p.ModelID(), DefaultModel)
	}
	if _, err := New("", ""); err == nil {
		t.Error("expected an error without an api key")
	}
}

// embedServer answers every request with vec and records the decoded body
// and URL path of the last request.
func embedServer(t *testing.T, vec string, got *map[string]any, path *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":` + vec + `}],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed(t *testing.T) {
	var body map[string]any
	var path string
	srv := embedServer(t, "[0.5,0.25,1]", &body, &path)

	p, err := New("sk", "", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatal(err)
	}
	vec, err := p.Embed(context.Background(), "opening\nhours  today")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[2] != 1 {
		t.Errorf("vec = %v", vec)
	}
	if body["input"] != "opening hours today" {
		t.Errorf("input = %v, want whitespace folded", body["input"])
	}

	if _, err := p.Embed(context.Background(), " \n "); err == nil {
		t.Error("expected an error for blank text")
	}
}

func TestEmbed_Azure(t *testing.T) {
	var body map[string]any
	var path string
	srv := embedServer(t, "[1,2]", &body, &path)

	p, _ := New("key", "faq-embeddings", WithAzure(srv.URL, "2024-06-01"))
	if _, err := p.Embed(context.Background(), "refund policy"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(path, "/openai/deployments/faq-embeddings/embeddings") {
		t.Errorf("path = %q, want the deployment route", path)
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	var body map[string]any
	var path string
	srv := embedServer(t, "[1,2]", &body, &path)

	p, _ := New("sk", "", WithBaseURL(srv.URL+"/v1/"), WithDimensions(4))
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Error("expected an error when the server ignores the dimension request")
	}
	if body["dimensions"] != float64(4) {
		t.Errorf("dimensions = %v", body["dimensions"])
	}
}
