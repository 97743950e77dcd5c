package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	"github.com/MrWong99/voxline/pkg/retrieval"
	retrievalmock "github.com/MrWong99/voxline/pkg/retrieval/mock"
	"github.com/MrWong99/voxline/pkg/types"
)

var faq = retrieval.Index{Kind: retrieval.KindPGVector, Name: "faq"}

func drain(t *testing.T, ch <-chan types.Fragment) (string, error) {
	t.Helper()
	var b strings.Builder
	for f := range ch {
		if f.Err != nil {
			return b.String(), f.Err
		}
		b.WriteString(f.Text)
	}
	return b.String(), nil
}

func newGen(t *testing.T, p llm.Provider, r retrieval.Retriever, cfg Config) *LLM {
	t.Helper()
	g, err := NewLLM(p, r, cfg)
	if err != nil {
		t.Fatalf("NewLLM: %v", err)
	}
	return g
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"Make Calls", ModeOutbound, false},
		{"Answer Calls", ModeInbound, false},
		{"", ModeInbound, false},
		{"Spam Calls", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = (%q, %v)", tt.in, got, err)
		}
	}
}

func TestGenerate_StreamsText(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi"}, {Text: " there."}, {FinishReason: "stop"}}}
	g := newGen(t, p, nil, Config{})

	ch, err := g.Generate(context.Background(), Request{Input: "hello", Language: "English", SessionID: "s-1"})
	if err != nil {
		t.Fatal(err)
	}
	text, err := drain(t, ch)
	if err != nil || text != "Hi there." {
		t.Fatalf("drain = (%q, %v)", text, err)
	}

	req := p.Calls()[0].Req
	if req.Temperature != DefaultTemperature || req.MaxTokens != DefaultMaxTokens || req.User != "s-1" {
		t.Errorf("request = %+v", req)
	}
}

func TestGenerate_HistoryWindow(t *testing.T) {
	p := &llmmock.Provider{}
	g := newGen(t, p, nil, Config{HistoryWindow: 2})

	history := []types.Turn{
		{Output: "Welcome to Acme."},
		{Input: "q1", Output: "a1"},
		{Input: "q2", Output: "a2"},
		{Input: "q3", Output: "a3"},
	}
	ch, err := g.Generate(context.Background(), Request{Input: "q4", History: history})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = drain(t, ch)

	msgs := p.Calls()[0].Req.Messages
	var got []string
	for _, m := range msgs {
		got = append(got, m.Role+":"+m.Content)
	}
	want := []string{"user:q2", "assistant:a2", "user:q3", "assistant:a3", "user:q4"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("messages = %v, want %v", got, want)
	}
}

func TestGenerate_GreetingTurnHasNoUserMessage(t *testing.T) {
	p := &llmmock.Provider{}
	g := newGen(t, p, nil, Config{})

	ch, _ := g.Generate(context.Background(), Request{Input: "hi", History: []types.Turn{{Output: "Welcome."}}})
	_, _ = drain(t, ch)

	msgs := p.Calls()[0].Req.Messages
	if len(msgs) != 2 || msgs[0].Role != "assistant" || msgs[1].Content != "hi" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestGenerate_PromptCarriesFormAndContext(t *testing.T) {
	p := &llmmock.Provider{}
	r := &retrievalmock.Retriever{Docs: []retrieval.Document{{Content: "We open at 9."}, {Content: "  "}}}
	g := newGen(t, p, r, Config{})

	ch, err := g.Generate(context.Background(), Request{
		Input:    "when do you open?",
		Language: "French",
		Mode:     ModeOutbound,
		Index:    faq,
		Form: Form{
			CompanyIntroduction: "Acme sells anvils.",
			EndRequirements:     "Name and phone number.",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = drain(t, ch)

	sys := p.Calls()[0].Req.SystemPrompt
	for _, want := range []string{"outbound", "Acme sells anvils.", "Name and phone number.", "- We open at 9.", "Reply only in French"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q:\n%s", want, sys)
		}
	}
	if strings.Contains(sys, "Eligibility criteria:") {
		t.Error("empty form fields should be left out")
	}
	if r.CallCount() != 1 || r.Calls[0].Index != faq {
		t.Errorf("retrieval calls = %+v", r.Calls)
	}
}

func TestGenerate_InboundPrompt(t *testing.T) {
	p := &llmmock.Provider{}
	g := newGen(t, p, nil, Config{})

	ch, _ := g.Generate(context.Background(), Request{Input: "hi", Mode: ModeInbound, Form: Form{Restrictions: "No refunds."}})
	_, _ = drain(t, ch)

	sys := p.Calls()[0].Req.SystemPrompt
	if !strings.Contains(sys, "inbound") || !strings.Contains(sys, "Guidelines:\nNo refunds.") {
		t.Errorf("system prompt:\n%s", sys)
	}
	if !strings.Contains(sys, "(none)") {
		t.Error("missing context placeholder")
	}
}

func TestGenerate_RetrievalFailureDegrades(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Sorry, I don't know."}}}
	r := &retrievalmock.Retriever{Err: errors.New("index offline")}
	g := newGen(t, p, r, Config{})

	ch, err := g.Generate(context.Background(), Request{Input: "q", Index: faq})
	if err != nil {
		t.Fatal(err)
	}
	if text, err := drain(t, ch); err != nil || text == "" {
		t.Fatalf("drain = (%q, %v)", text, err)
	}
}

func TestGenerate_ProviderErrors(t *testing.T) {
	t.Run("open fails", func(t *testing.T) {
		g := newGen(t, &llmmock.Provider{StreamErr: errors.New("401")}, nil, Config{})
		if _, err := g.Generate(context.Background(), Request{Input: "q"}); !errors.Is(err, ErrGeneration) {
			t.Fatalf("err = %v, want ErrGeneration", err)
		}
	})
	t.Run("mid-stream failure", func(t *testing.T) {
		p := &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Partial"},
			{FinishReason: llm.FinishReasonError, Text: "connection reset"},
			{Text: "never"},
		}}
		g := newGen(t, p, nil, Config{})
		ch, err := g.Generate(context.Background(), Request{Input: "q"})
		if err != nil {
			t.Fatal(err)
		}
		text, err := drain(t, ch)
		if !errors.Is(err, ErrGeneration) || text != "Partial" {
			t.Fatalf("drain = (%q, %v)", text, err)
		}
	})
	t.Run("empty input", func(t *testing.T) {
		g := newGen(t, &llmmock.Provider{}, nil, Config{})
		if _, err := g.Generate(context.Background(), Request{Input: "   "}); !errors.Is(err, ErrGeneration) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestNewLLM_BadTemplate(t *testing.T) {
	if _, err := NewLLM(&llmmock.Provider{}, nil, Config{InboundPrompt: "{{.Broken"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNormalizeInput(t *testing.T) {
	decomposed := "Cafe\u0301  au   lait "
	tests := []struct {
		name, in, lang, want string
	}{
		{"english only trims", "  hello   there ", "English", "hello   there"},
		{"french collapses and composes", decomposed, "French", "Café au lait"},
		{"russian collapses", " привет \n мир ", "Russian", "привет мир"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeInput(tt.in, tt.lang); got != tt.want {
				t.Errorf("NormalizeInput = %q, want %q", got, tt.want)
			}
		})
	}
}
