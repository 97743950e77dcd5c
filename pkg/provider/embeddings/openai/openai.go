// Package openai embeds retrieval queries with the OpenAI or Azure OpenAI
// embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxline/pkg/provider/embeddings"
)

// DefaultModel is used when New receives no model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Native vector sizes of the OpenAI embedding families.
var nativeDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// Provider implements embeddings.Provider.
type Provider struct {
	client oai.Client
	model  string
	dims   int
}

var _ embeddings.Provider = (*Provider)(nil)

type settings struct {
	request []option.RequestOption
	azure   struct{ endpoint, version string }
	dims    int
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithOrganization(org)) }
}

// WithAzure targets an Azure OpenAI resource. The model passed to [New] is the
// deployment name.
func WithAzure(endpoint, apiVersion string) Option {
	return func(s *settings) {
		s.azure.endpoint = endpoint
		s.azure.version = apiVersion
	}
}

// WithDimensions asks text-embedding-3 models for shortened vectors so they
// fit an existing index.
func WithDimensions(n int) Option {
	return func(s *settings) { s.dims = n }
}

// New returns a Provider. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai embeddings: api key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	auth := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.azure.endpoint != "" {
		auth = []option.RequestOption{azure.WithEndpoint(s.azure.endpoint, s.azure.version), azure.WithAPIKey(apiKey)}
	}

	return &Provider{
		client: oai.NewClient(append(auth, s.request...)...),
		model:  model,
		dims:   s.dims,
	}, nil
}

// Embed implements embeddings.Provider. Newlines are folded into spaces,
// which the embedding models handle better.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil, errors.New("openai embeddings: empty text")
	}

	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	}
	if p.dims > 0 {
		params.Dimensions = param.NewOpt(int64(p.dims))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: response has no vectors")
	}

	raw := resp.Data[0].Embedding
	if p.dims > 0 && len(raw) != p.dims {
		return nil, fmt.Errorf("openai embeddings: got %d dimensions, want %d", len(raw), p.dims)
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.dims > 0 {
		return p.dims
	}
	for family, n := range nativeDimensions {
		if strings.Contains(strings.ToLower(p.model), family) {
			return n
		}
	}
	return 1536
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }
