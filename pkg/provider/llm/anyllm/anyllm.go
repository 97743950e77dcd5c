// Package anyllm serves the non-OpenAI model vendors (Anthropic, Gemini,
// Ollama, Groq, Mistral) through github.com/mozilla-ai/any-llm-go.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/types"
)

// callStarted opens a conversation whose first recorded turn is the agent's
// greeting. Several vendors reject histories that start with the assistant.
const callStarted = "(call connected)"

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

var backends = map[string]constructor{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
}

// Vendors returns the vendor names [New] accepts, sorted.
func Vendors() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Provider implements llm.Provider on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	vendor  string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New returns a Provider for vendor and model. opts are any-llm-go options;
// without WithAPIKey the backend reads its usual environment variable.
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	vendor = strings.ToLower(vendor)
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	build, ok := backends[vendor]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported vendor %q (have %s)", vendor, strings.Join(Vendors(), ", "))
	}
	backend, err := build(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", vendor, err)
	}
	return &Provider{backend: backend, vendor: vendor, model: model}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: request has no messages")
	}
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	out := make(chan llm.Chunk, 32)
	send := func(c llm.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			c := llm.Chunk{Text: chunk.Choices[0].Delta.Content, FinishReason: chunk.Choices[0].FinishReason}
			if c == (llm.Chunk{}) {
				continue
			}
			if !send(c) {
				return
			}
		}
		if err := <-errs; err != nil {
			send(llm.Chunk{Text: fmt.Sprintf("%s: %v", p.vendor, err), FinishReason: llm.FinishReasonError})
		}
	}()
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: conversation(req.SystemPrompt, req.Messages),
	}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

// conversation prepends the system prompt and shapes the history so it
// alternates between user and assistant, starting with the user.
func conversation(system string, history []types.Message) []anyllmlib.Message {
	msgs := make([]anyllmlib.Message, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	}
	for i, m := range history {
		if i == 0 && m.Role == "assistant" {
			msgs = append(msgs, anyllmlib.Message{Role: "user", Content: callStarted})
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == m.Role && m.Role != anyllmlib.RoleSystem {
			msgs[n-1].Content = fmt.Sprintf("%v\n%s", msgs[n-1].Content, m.Content)
			continue
		}
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}
