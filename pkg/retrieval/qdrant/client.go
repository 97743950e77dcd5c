// Package qdrant is a retrieval backend over a Qdrant vector database.
//
// The index name selects the collection. A non-empty namespace becomes a
// keyword filter on the "namespace" payload field. Document text is read from
// the "content" payload field, falling back to "text" and "page_content".
package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/MrWong99/voxline/pkg/retrieval"
)

// Payload fields with a fixed meaning.
const (
	FieldNamespace = "namespace"
	defaultPort    = 6334
)

var contentFields = []string{"content", "text", "page_content"}

// Config holds connection settings.
type Config struct {
	// URL is the gRPC endpoint, e.g. "https://xyz.qdrant.io:6334". A URL
	// without scheme is treated as https.
	URL string

	// APIKey is optional.
	APIKey string
}

// Client implements [retrieval.Searcher].
type Client struct {
	client *qdrant.Client
}

var _ retrieval.Searcher = (*Client)(nil)

// New creates a client. It does not contact the server.
func New(cfg Config) (*Client, error) {
	qc, err := parseConfig(cfg)
	if err != nil {
		return nil, err
	}
	c, err := qdrant.NewClient(qc)
	if err != nil {
		return nil, fmt.Errorf("qdrant: create client: %w", err)
	}
	return &Client{client: c}, nil
}

func parseConfig(cfg Config) (*qdrant.Config, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant: url is required")
	}
	raw := cfg.URL
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("qdrant: parse url: %w", err)
	}
	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("qdrant: invalid port %q: %w", p, err)
		}
	}
	return &qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	}, nil
}

// Search implements [retrieval.Searcher].
func (c *Client) Search(ctx context.Context, vector []float32, idx retrieval.Index, topK int) ([]retrieval.Document, error) {
	limit := uint64(topK)
	points, err := c.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: idx.Name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter:         namespaceFilter(idx.Namespace),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: query %s: %w", idx.Name, err)
	}

	docs := make([]retrieval.Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, toDocument(p))
	}
	return docs, nil
}

// HealthCheck reports whether the server answers. Used by readiness probes.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check: %w", err)
	}
	return nil
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func namespaceFilter(ns string) *qdrant.Filter {
	if ns == "" {
		return nil
	}
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchKeyword(FieldNamespace, ns)}}
}

func toDocument(p *qdrant.ScoredPoint) retrieval.Document {
	d := retrieval.Document{Score: p.GetScore()}
	if id := p.GetId(); id != nil {
		if u := id.GetUuid(); u != "" {
			d.ID = u
		} else {
			d.ID = strconv.FormatUint(id.GetNum(), 10)
		}
	}

	payload := p.GetPayload()
	for _, f := range contentFields {
		if s := payload[f].GetStringValue(); s != "" {
			d.Content = s
			break
		}
	}
	for k, v := range payload {
		if k == FieldNamespace || isContentField(k) {
			continue
		}
		if s, ok := stringify(v); ok {
			if d.Metadata == nil {
				d.Metadata = make(map[string]string)
			}
			d.Metadata[k] = s
		}
	}
	return d
}

func isContentField(k string) bool {
	for _, f := range contentFields {
		if k == f {
			return true
		}
	}
	return false
}

func stringify(v *qdrant.Value) (string, bool) {
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue, true
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(val.IntegerValue, 10), true
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'g', -1, 64), true
	case *qdrant.Value_BoolValue:
		return strconv.FormatBool(val.BoolValue), true
	default:
		return "", false
	}
}
