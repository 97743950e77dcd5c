package qdrant

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{name: "https with port", url: "https://q.example.io:6400", wantHost: "q.example.io", wantPort: 6400, wantTLS: true},
		{name: "no scheme", url: "q.example.io", wantHost: "q.example.io", wantPort: 6334, wantTLS: true},
		{name: "plain http", url: "http://localhost:6334", wantHost: "localhost", wantPort: 6334},
		{name: "empty", url: "", wantErr: true},
		{name: "bad port", url: "http://localhost:abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseConfig(Config{URL: tt.url, APIKey: "k"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if cfg.Host != tt.wantHost || cfg.Port != tt.wantPort || cfg.UseTLS != tt.wantTLS {
				t.Errorf("got host=%s port=%d tls=%v", cfg.Host, cfg.Port, cfg.UseTLS)
			}
			if cfg.APIKey != "k" {
				t.Errorf("APIKey = %q", cfg.APIKey)
			}
		})
	}
}

func TestNamespaceFilter(t *testing.T) {
	if namespaceFilter("") != nil {
		t.Error("empty namespace should not filter")
	}
	f := namespaceFilter("acme")
	if f == nil || len(f.Must) != 1 {
		t.Fatalf("filter = %+v", f)
	}
	field := f.Must[0].GetField()
	if field.GetKey() != FieldNamespace || field.GetMatch().GetKeyword() != "acme" {
		t.Errorf("condition = %+v", field)
	}
}

func TestToDocument(t *testing.T) {
	p := &qdrant.ScoredPoint{
		Id:    qdrant.NewIDNum(42),
		Score: 0.87,
		Payload: map[string]*qdrant.Value{
			"text":      qdrant.NewValueString("We open at 9."),
			"namespace": qdrant.NewValueString("acme"),
			"page":      qdrant.NewValueInt(3),
			"public":    qdrant.NewValueBool(true),
		},
	}
	d := toDocument(p)
	if d.ID != "42" {
		t.Errorf("ID = %q", d.ID)
	}
	if d.Content != "We open at 9." {
		t.Errorf("Content = %q", d.Content)
	}
	if d.Score != 0.87 {
		t.Errorf("Score = %v", d.Score)
	}
	if d.Metadata["page"] != "3" || d.Metadata["public"] != "true" {
		t.Errorf("Metadata = %v", d.Metadata)
	}
	if _, ok := d.Metadata["namespace"]; ok {
		t.Error("namespace should not be copied into metadata")
	}
}

func TestToDocument_PrefersContentField(t *testing.T) {
	p := &qdrant.ScoredPoint{
		Id: qdrant.NewIDUUID("5c56c793-69f3-4fbf-87e6-c4bf54c28c26"),
		Payload: map[string]*qdrant.Value{
			"content": qdrant.NewValueString("primary"),
			"text":    qdrant.NewValueString("secondary"),
		},
	}
	d := toDocument(p)
	if d.Content != "primary" {
		t.Errorf("Content = %q", d.Content)
	}
	if d.ID != "5c56c793-69f3-4fbf-87e6-c4bf54c28c26" {
		t.Errorf("ID = %q", d.ID)
	}
	if len(d.Metadata) != 0 {
		t.Errorf("Metadata = %v", d.Metadata)
	}
}
