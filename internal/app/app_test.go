package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/transport/ws"
	"github.com/MrWong99/voxline/pkg/calllog"
	embmock "github.com/MrWong99/voxline/pkg/provider/embeddings/mock"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxline/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxline/pkg/provider/tts/mock"
	"github.com/MrWong99/voxline/pkg/retrieval"
	retrievalmock "github.com/MrWong99/voxline/pkg/retrieval/mock"
)

const waitTimeout = 3 * time.Second

// testConfig returns a validated config with defaults applied.
func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	base := `
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
`
	cfg, err := config.LoadFromReader(strings.NewReader(base + yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Happy to help."}, {FinishReason: "stop"}}},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
	}
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

// textTurn opens a session on srv, sends text and returns the audio frames of
// the turn.
func textTurn(t *testing.T, srv *httptest.Server, text string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+app.SessionPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	msg, _ := json.Marshal(ws.ClientMessage{Type: ws.TypeText, Text: text})
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatal(err)
	}

	var audio []string
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == websocket.MessageBinary {
			audio = append(audio, string(data))
			continue
		}
		var m ws.ServerMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		switch m.Type {
		case ws.TypeTurnComplete:
			return audio
		case ws.TypeTurnFailed, ws.TypeError:
			t.Fatalf("turn ended with %+v", m)
		}
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "")
	if _, err := app.New(context.Background(), cfg, &app.Providers{LLM: &llmmock.Provider{}}); err == nil {
		t.Error("New() with missing providers returned nil error")
	}
}

func TestNew_RetrievalRequiresEmbeddings(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "")
	_, err := app.New(context.Background(), cfg, testProviders(),
		app.WithSearcher(retrieval.KindQdrant, &retrievalmock.Retriever{}))
	if err == nil || !strings.Contains(err.Error(), "embeddings") {
		t.Errorf("err = %v, want embeddings requirement", err)
	}
}

func TestNew_BadPromptFile(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "")
	cfg.Pipeline.Generate.InboundPromptFile = filepath.Join(t.TempDir(), "missing.tmpl")
	if _, err := app.New(context.Background(), cfg, testProviders()); err == nil {
		t.Error("New() with a missing prompt file returned nil error")
	}
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, ""), testProviders())

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := get(t, a.Handler(), path); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
	if rec := get(t, a.Handler(), "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", rec.Code)
	}
}

func TestHandler_TextTurnEndToEnd(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	a := newApp(t, testConfig(t, ""), providers)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	audio := textTurn(t, srv, "Do you ship to Canada?")
	if len(audio) != 1 || audio[0] != "audio:Happy to help." {
		t.Errorf("audio = %q", audio)
	}

	// Identical reply text is served from the speech cache.
	textTurn(t, srv, "And to Mexico?")
	if n := providers.TTS.(*ttsmock.Provider).CallCount(); n != 1 {
		t.Errorf("tts called %d times, want 1", n)
	}
}

func TestHandler_RetrievalFeedsPrompt(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	providers.Embeddings = &embmock.Provider{DimensionsValue: 3}
	searcher := &retrievalmock.Retriever{Docs: []retrieval.Document{
		{ID: "1", Content: "Shipping takes two days."},
		{ID: "2", Content: "Returns are free."},
	}}
	cfg := testConfig(t, "retrieval: {top_k: 1}\n")
	a := newApp(t, cfg, providers, app.WithSearcher(retrieval.KindPGVector, searcher))

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+app.SessionPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()
	for _, m := range []ws.ClientMessage{
		{Type: ws.TypeConfigure, Index: &ws.IndexField{Kind: retrieval.KindPGVector, Name: "faq"}},
		{Type: ws.TypeText, Text: "How long is shipping?"},
	} {
		data, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatal(err)
		}
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(string(data), ws.TypeTurnComplete) {
			break
		}
	}

	calls := providers.LLM.(*llmmock.Provider).Calls()
	if len(calls) != 1 {
		t.Fatalf("llm called %d times", len(calls))
	}
	prompt := calls[0].Req.SystemPrompt
	if !strings.Contains(prompt, "Shipping takes two days.") {
		t.Errorf("system prompt lacks retrieved context:\n%s", prompt)
	}
	if strings.Contains(prompt, "Returns are free.") {
		t.Errorf("system prompt exceeds top_k:\n%s", prompt)
	}
}

func TestHandler_CallLogRoutes(t *testing.T) {
	t.Parallel()
	var log calllog.Memory
	a := newApp(t, testConfig(t, ""), testProviders(), app.WithCallLog(&log))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	textTurn(t, srv, "Do you ship to Canada?")
	var id string
	// The turn is logged after turn_complete is sent; poll for it.
	deadline := time.Now().Add(waitTimeout)
	for {
		found, _ := log.Search(context.Background(), "canada", calllog.SearchOpts{})
		if len(found) == 1 {
			id = found[0].SessionID
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn never logged (%d open sessions)", a.Sessions().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := get(t, a.Handler(), "/calls/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /calls/%s = %d", id, rec.Code)
	}
	var entries []calllog.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Output != "Happy to help." {
		t.Errorf("entries = %+v", entries)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/calls/unknown", http.StatusNotFound},
		{"/calls?q=canada", http.StatusOK},
		{"/calls", http.StatusBadRequest},
		{"/calls?q=x&limit=0", http.StatusBadRequest},
		{"/calls?q=x&after=yesterday", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := get(t, a.Handler(), tt.path); rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestHandler_NoCallLogNoRoutes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, ""), testProviders())
	if rec := get(t, a.Handler(), "/calls/abc"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /calls/abc = %d, want 404", rec.Code)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestServe_DrainsOnCancel(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, "server: {shutdown_timeout: 2s}\n"), testProviders())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(waitTimeout)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Serve() did not return after cancel")
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after drain = %d, want 503", rec.Code)
	}
}

func TestServe_ReloadChangesLogLevel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxline.yaml")
	write := func(level string) {
		t.Helper()
		body := "server: {log_level: " + level + ", reload_interval: 20ms}\n" +
			"providers:\n  llm: {name: openai}\n  stt: {name: deepgram}\n  tts: {name: elevenlabs}\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("info")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	var level slog.LevelVar
	a := newApp(t, cfg, testProviders(), app.WithConfigPath(path), app.WithLevelVar(&level))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Serve(ctx, ln) }()

	write("debug")
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(waitTimeout)
	for level.Level() != slog.LevelDebug {
		if time.Now().After(deadline) {
			t.Fatalf("level = %v, want debug", level.Level())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
