// Package generate produces the streamed text of a response: it retrieves
// context for the caller's input, renders the system prompt for the session's
// call mode and streams a completion from the language model.
package generate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/retrieval"
	"github.com/MrWong99/voxline/pkg/types"
)

// Defaults for [Config].
const (
	DefaultHistoryWindow    = 5
	DefaultTemperature      = 0.2
	DefaultMaxTokens        = 256
	DefaultRetrievalTimeout = 5 * time.Second
)

// ErrGeneration marks a failure reported by the language model.
var ErrGeneration = errors.New("generate: generation failed")

// Mode selects the conversational policy of a session.
type Mode string

// Call modes.
const (
	ModeOutbound Mode = "Make Calls"
	ModeInbound  Mode = "Answer Calls"
)

// ParseMode accepts the call mode names used by clients. An empty name means
// inbound.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOutbound:
		return ModeOutbound, nil
	case ModeInbound, "":
		return ModeInbound, nil
	}
	return "", fmt.Errorf("generate: unknown mode %q", s)
}

// Form carries the company-specific fields a client configures. They are
// passed into the prompt verbatim.
type Form struct {
	CompanyIntroduction string
	Greeting            string
	Eligibility         string
	EndRequirements     string
	Restrictions        string
}

// Request is one generation.
type Request struct {
	// Input is the caller's utterance or typed text.
	Input string

	// History is the session's full turn history, oldest first. Only the
	// trailing window is sent.
	History []types.Turn

	// Language is the display name of the reply language, e.g. "English".
	Language string

	Mode  Mode
	Form  Form
	Index retrieval.Index

	// SessionID tags log lines and is passed to the model as the end user.
	SessionID string
}

// Generator produces a lazy stream of response text. The channel is closed
// when the response ends; a Fragment carrying an error ends it early.
type Generator interface {
	Generate(ctx context.Context, req Request) (<-chan types.Fragment, error)
}

// Config tunes an [LLM] generator.
type Config struct {
	HistoryWindow    int
	Temperature      float64
	MaxTokens        int
	RetrievalTimeout time.Duration

	// OutboundPrompt and InboundPrompt override the built-in system prompt
	// templates.
	OutboundPrompt string
	InboundPrompt  string

	// ProviderName labels metrics.
	ProviderName string
	Metrics      *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if c.OutboundPrompt == "" {
		c.OutboundPrompt = defaultOutboundPrompt
	}
	if c.InboundPrompt == "" {
		c.InboundPrompt = defaultInboundPrompt
	}
	if c.ProviderName == "" {
		c.ProviderName = "llm"
	}
}

// LLM is the [Generator] backed by a language model and an optional
// retriever.
type LLM struct {
	provider  llm.Provider
	retriever retrieval.Retriever
	cfg       Config
	prompts   map[Mode]*template.Template
}

var _ Generator = (*LLM)(nil)

// NewLLM parses the prompt templates and returns the generator. retriever
// may be nil, in which case prompts carry no context.
func NewLLM(provider llm.Provider, retriever retrieval.Retriever, cfg Config) (*LLM, error) {
	cfg.applyDefaults()
	outbound, err := template.New("outbound").Option("missingkey=zero").Parse(cfg.OutboundPrompt)
	if err != nil {
		return nil, fmt.Errorf("generate: parse outbound prompt: %w", err)
	}
	inbound, err := template.New("inbound").Option("missingkey=zero").Parse(cfg.InboundPrompt)
	if err != nil {
		return nil, fmt.Errorf("generate: parse inbound prompt: %w", err)
	}
	return &LLM{
		provider:  provider,
		retriever: retriever,
		cfg:       cfg,
		prompts:   map[Mode]*template.Template{ModeOutbound: outbound, ModeInbound: inbound},
	}, nil
}

type promptData struct {
	Language string
	Form     Form
	Context  []string
}

// Generate implements [Generator].
func (g *LLM) Generate(ctx context.Context, req Request) (<-chan types.Fragment, error) {
	log := observe.SessionLogger(ctx, req.SessionID)
	input := NormalizeInput(req.Input, req.Language)
	if input == "" {
		return nil, fmt.Errorf("%w: empty input", ErrGeneration)
	}

	docs := g.retrieve(ctx, input, req)
	system, err := g.render(req, docs)
	if err != nil {
		return nil, err
	}

	// The upstream stream is cancelled as soon as relaying stops.
	ctx, cancel := context.WithCancel(ctx)
	start := time.Now()
	stream, err := g.provider.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     g.messages(req.History, input),
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
		User:         req.SessionID,
	})
	if err != nil {
		cancel()
		g.recordError(ctx)
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	log.Debug("generation started", "context_docs", len(docs), "history", min(len(req.History), g.cfg.HistoryWindow))

	out := make(chan types.Fragment)
	go func() {
		defer cancel()
		g.relay(ctx, start, stream, out)
	}()
	return out, nil
}

// relay converts provider chunks to fragments until the stream ends.
func (g *LLM) relay(ctx context.Context, start time.Time, in <-chan llm.Chunk, out chan<- types.Fragment) {
	defer close(out)
	m := g.cfg.Metrics
	first := true
	for c := range in {
		var f types.Fragment
		if c.FinishReason == llm.FinishReasonError {
			g.recordError(ctx)
			f.Err = fmt.Errorf("%w: %s", ErrGeneration, c.Text)
		} else if c.Text == "" {
			continue
		} else {
			f.Text = c.Text
			if first && m != nil {
				observe.RecordDuration(ctx, m.LLMTimeToFirstToken, start, observe.Attr("provider", g.cfg.ProviderName))
			}
			first = false
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
		if f.Err != nil {
			return
		}
	}
	if m != nil && ctx.Err() == nil {
		observe.RecordDuration(ctx, m.LLMDuration, start, observe.Attr("provider", g.cfg.ProviderName))
		m.RecordProviderRequest(ctx, g.cfg.ProviderName, "llm", "ok")
	}
}

func (g *LLM) recordError(ctx context.Context) {
	if m := g.cfg.Metrics; m != nil {
		m.RecordProviderError(ctx, g.cfg.ProviderName, "llm")
		m.RecordProviderRequest(ctx, g.cfg.ProviderName, "llm", "error")
	}
}

// retrieve looks up context for input. Any failure degrades to no context.
func (g *LLM) retrieve(ctx context.Context, input string, req Request) []retrieval.Document {
	if g.retriever == nil || req.Index.IsZero() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RetrievalTimeout)
	defer cancel()
	docs, err := g.retriever.Retrieve(ctx, input, req.Index)
	if err != nil {
		observe.SessionLogger(ctx, req.SessionID).Warn("context retrieval failed, answering without context",
			"index", req.Index.String(), "err", err)
		return nil
	}
	return docs
}

func (g *LLM) render(req Request, docs []retrieval.Document) (string, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModeInbound
	}
	tmpl, ok := g.prompts[mode]
	if !ok {
		return "", fmt.Errorf("generate: unknown mode %q", mode)
	}

	data := promptData{Language: req.Language, Form: req.Form}
	if data.Language == "" {
		data.Language = "English"
	}
	for _, d := range docs {
		if c := strings.TrimSpace(d.Content); c != "" {
			data.Context = append(data.Context, c)
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("generate: render %s prompt: %w", mode, err)
	}
	return buf.String(), nil
}

// messages builds the conversation from the trailing history window followed
// by the new input. Turns without input (greetings) contribute only the
// assistant side.
func (g *LLM) messages(history []types.Turn, input string) []types.Message {
	if len(history) > g.cfg.HistoryWindow {
		history = history[len(history)-g.cfg.HistoryWindow:]
	}
	msgs := make([]types.Message, 0, 2*len(history)+1)
	for _, t := range history {
		if t.Input != "" {
			msgs = append(msgs, types.Message{Role: "user", Content: t.Input})
		}
		if t.Output != "" {
			msgs = append(msgs, types.Message{Role: "assistant", Content: t.Output})
		}
	}
	return append(msgs, types.Message{Role: "user", Content: input})
}

// NormalizeInput trims input. For languages other than English it also
// collapses whitespace and applies Unicode NFC so that composed and decomposed
// forms from the recognizer compare equal.
func NormalizeInput(input, language string) string {
	input = strings.TrimSpace(input)
	if language == "" || strings.EqualFold(language, "English") {
		return input
	}
	return norm.NFC.String(strings.Join(strings.Fields(input), " "))
}
