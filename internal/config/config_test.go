package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
	embmock "github.com/MrWong99/voxline/pkg/provider/embeddings/mock"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxline/pkg/provider/stt/mock"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxline/pkg/provider/tts/mock"
	"github.com/MrWong99/voxline/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  log_format: json

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
    fallbacks:
      - name: anthropic
        model: claude-haiku
  stt:
    name: deepgram
    api_key: dg-test
  tts:
    name: elevenlabs
    api_key: el-test
  embeddings:
    name: openai
    model: text-embedding-3-small
  breaker:
    threshold: 3
    cooldown: 10s

session:
  busy: queue
  allow_overlap: false
  greet_on_connect: true

pipeline:
  segmenter:
    debounce: 500ms
  chunker:
    min_length: 40
    max_length: 120

cache:
  ttl: 5m
  redis:
    addr: localhost:6379

retrieval:
  top_k: 3
  postgres:
    dsn: postgres://localhost/voxline
    dimensions: 1536
  qdrant:
    url: localhost:6334

voices:
  languages:
    German: de-DE
  voices:
    German-Female: de-DE-Neural2-A
`

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogFormat != config.LogJSON {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := cfg.Providers.LLM.Fallbacks; len(got) != 1 || got[0].Name != "anthropic" {
		t.Errorf("llm fallbacks = %+v", got)
	}
	if cfg.Providers.Breaker.Cooldown != 10*time.Second {
		t.Errorf("breaker cooldown = %v", cfg.Providers.Breaker.Cooldown)
	}
	if cfg.Session.Busy != "queue" || *cfg.Session.AllowOverlap || !cfg.Session.GreetOnConnect {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Pipeline.Segmenter.Debounce != 500*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Pipeline.Segmenter.Debounce)
	}
	if cfg.Pipeline.Chunker.MinLength != 40 || cfg.Pipeline.Chunker.MaxLength != 120 {
		t.Errorf("chunker = %+v", cfg.Pipeline.Chunker)
	}
	if cfg.Cache.TTL != 5*time.Minute || cfg.Cache.Redis.Prefix != config.DefaultRedisPrefix {
		t.Errorf("cache = %+v, redis = %+v", cfg.Cache, cfg.Cache.Redis)
	}
	if cfg.Retrieval.TopK != 3 || cfg.Retrieval.Postgres.Dimensions != 1536 {
		t.Errorf("retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Voices.Voices["German-Female"] != "de-DE-Neural2-A" {
		t.Errorf("voices = %+v", cfg.Voices)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, ":8800"},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"log_format", cfg.Server.LogFormat, config.LogText},
		{"generation_timeout", cfg.Session.GenerationTimeout, 30 * time.Second},
		{"history_window", cfg.Session.HistoryWindow, 5},
		{"busy", cfg.Session.Busy, "drop"},
		{"allow_overlap", *cfg.Session.AllowOverlap, true},
		{"flush_threshold", cfg.Pipeline.Segmenter.FlushThreshold, 16 * 1024},
		{"debounce", cfg.Pipeline.Segmenter.Debounce, 750 * time.Millisecond},
		{"sample_rate", cfg.Pipeline.Segmenter.SampleRate, 16000},
		{"encoding", cfg.Pipeline.Segmenter.Encoding, "linear16"},
		{"min_length", cfg.Pipeline.Chunker.MinLength, 50},
		{"max_length", cfg.Pipeline.Chunker.MaxLength, 150},
		{"call_timeout", cfg.Pipeline.Synth.CallTimeout, 20 * time.Second},
		{"temperature", cfg.Pipeline.Generate.Temperature, 0.2},
		{"max_tokens", cfg.Pipeline.Generate.MaxTokens, 256},
		{"cache_ttl", cfg.Cache.TTL, 10 * time.Minute},
		{"high_water", cfg.Cache.HighWater, 100},
		{"top_k", cfg.Retrieval.TopK, 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_adr: ":1"
`))
	if err == nil || !strings.Contains(err.Error(), "listen_adr") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	errs := map[string]error{}
	_, errs["llm"] = reg.CreateLLM(entry)
	_, errs["stt"] = reg.CreateSTT(entry)
	_, errs["tts"] = reg.CreateTTS(entry)
	_, errs["embeddings"] = reg.CreateEmbeddings(entry)
	for kind, err := range errs {
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: err = %v, want ErrProviderNotRegistered", kind, err)
		}
		if reg.Has(kind, "nope") {
			t.Errorf("Has(%s) = true", kind)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterLLM("fake", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterSTT("fake", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("fake", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterEmbeddings("fake", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{ModelIDValue: e.Model}, nil
	})

	entry := config.ProviderEntry{Name: "fake", Model: "m1"}
	if _, err := reg.CreateLLM(entry); err != nil {
		t.Errorf("llm: %v", err)
	}
	if _, err := reg.CreateSTT(entry); err != nil {
		t.Errorf("stt: %v", err)
	}
	if _, err := reg.CreateTTS(entry); err != nil {
		t.Errorf("tts: %v", err)
	}
	emb, err := reg.CreateEmbeddings(entry)
	if err != nil {
		t.Fatalf("embeddings: %v", err)
	}
	if emb.ModelID() != "m1" {
		t.Errorf("entry not passed to factory: model = %q", emb.ModelID())
	}
	for _, kind := range []string{"llm", "stt", "tts", "embeddings"} {
		if !reg.Has(kind, "fake") {
			t.Errorf("Has(%s, fake) = false", kind)
		}
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	boom := errors.New("bad api key")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestRegistry_BuildWithFallbacks(t *testing.T) {
	reg := config.NewRegistry()
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	backup := &ttsmock.Provider{}
	reg.RegisterTTS("primary", func(config.ProviderEntry) (tts.Provider, error) { return primary, nil })
	reg.RegisterTTS("backup", func(config.ProviderEntry) (tts.Provider, error) { return backup, nil })

	p, err := reg.BuildTTS(config.ProviderEntry{
		Name:      "primary",
		Fallbacks: []config.ProviderEntry{{Name: "backup"}},
	}, config.BreakerConfig{Threshold: 1})
	if err != nil {
		t.Fatal(err)
	}
	audio, err := p.Synthesize(t.Context(), "hello", types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "audio:hello" || backup.CallCount() != 1 {
		t.Errorf("audio = %q, backup calls = %d", audio, backup.CallCount())
	}

	_, err = reg.BuildTTS(config.ProviderEntry{
		Name:      "primary",
		Fallbacks: []config.ProviderEntry{{Name: "missing"}},
	}, config.BreakerConfig{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("missing fallback err = %v", err)
	}
}

func TestBreakerConfig_Breaker(t *testing.T) {
	b := config.BreakerConfig{Threshold: 4, Cooldown: time.Minute, Probes: 1}.Breaker("llm/openai")
	if b.Name != "llm/openai" || b.Threshold != 4 || b.Cooldown != time.Minute || b.Probes != 1 {
		t.Errorf("breaker = %+v", b)
	}
}
