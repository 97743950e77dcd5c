// Package openai streams chat completions from OpenAI, Azure OpenAI or any
// server that speaks the OpenAI chat API (vLLM, LiteLLM, DeepSeek).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/types"
)

// streamBuffer is the number of chunks buffered ahead of the reader.
const streamBuffer = 32

// Provider implements llm.Provider.
type Provider struct {
	client oai.Client
	model  string
	stop   []string
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	request []option.RequestOption
	azure   struct{ endpoint, version string }
	stop    []string
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

// WithHeader adds a header to every request. Gateways in front of the model
// often need one for routing or auth.
func WithHeader(key, value string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithHeader(key, value)) }
}

// WithTimeout bounds each HTTP request, including the time spent streaming.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.request = append(s.request, option.WithHTTPClient(&http.Client{Timeout: d}))
		}
	}
}

// WithMaxRetries sets how often a request is retried before the stream
// starts. Negative values keep the SDK default.
func WithMaxRetries(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.request = append(s.request, option.WithMaxRetries(n))
		}
	}
}

// WithAzure targets an Azure OpenAI resource. The model passed to [New] is the
// deployment name.
func WithAzure(endpoint, apiVersion string) Option {
	return func(s *settings) {
		s.azure.endpoint = endpoint
		s.azure.version = apiVersion
	}
}

// WithStop sets sequences that end generation early.
func WithStop(seqs ...string) Option {
	return func(s *settings) { s.stop = append(s.stop, seqs...) }
}

// New returns a Provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}

	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	var auth []option.RequestOption
	if s.azure.endpoint != "" {
		auth = []option.RequestOption{
			azure.WithEndpoint(s.azure.endpoint, s.azure.version),
			azure.WithAPIKey(apiKey),
		}
	} else {
		auth = []option.RequestOption{option.WithAPIKey(apiKey)}
	}

	return &Provider{
		client: oai.NewClient(append(auth, s.request...)...),
		model:  model,
		stop:   s.stop,
	}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, streamBuffer)
	go pump(ctx, stream, ch)
	return ch, nil
}

// pump forwards content deltas until the stream ends. A read error becomes a
// final FinishReasonError chunk.
func pump(ctx context.Context, stream *ssestream.Stream[oai.ChatCompletionChunk], ch chan<- llm.Chunk) {
	defer close(ch)
	defer stream.Close()

	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		cur := stream.Current()
		if len(cur.Choices) == 0 {
			continue
		}
		c := llm.Chunk{Text: cur.Choices[0].Delta.Content, FinishReason: cur.Choices[0].FinishReason}
		if c == (llm.Chunk{}) {
			continue
		}
		if !send(c) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		send(llm.Chunk{Text: err.Error(), FinishReason: llm.FinishReasonError})
	}
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("request has no messages")
	}

	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := message(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.User != "" {
		params.User = param.NewOpt(req.User)
	}
	if len(p.stop) > 0 {
		params.Stop = oai.ChatCompletionNewParamsStopUnion{OfStringArray: p.stop}
	}
	return params, nil
}

var roles = map[string]func(string) oai.ChatCompletionMessageParamUnion{
	"system":    oai.SystemMessage[string],
	"user":      oai.UserMessage[string],
	"assistant": oai.AssistantMessage[string],
}

func message(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	build, ok := roles[m.Role]
	if !ok {
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown message role %q", m.Role)
	}
	return build(m.Content), nil
}
