package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxline/internal/chunker"
	"github.com/MrWong99/voxline/internal/generate"
	"github.com/MrWong99/voxline/internal/segmenter"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/internal/synth"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/retrieval"
)

// Server defaults.
const (
	DefaultListenAddr      = ":8800"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultCacheTTL        = 10 * time.Minute
	DefaultCacheHighWater  = 100
	DefaultRedisPrefix     = "voxline:"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "azure"},
	"stt":        {"deepgram"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogText
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	ss := &cfg.Session
	if ss.GenerationTimeout == 0 {
		ss.GenerationTimeout = session.DefaultGenerationTimeout
	}
	if ss.HistoryWindow == 0 {
		ss.HistoryWindow = session.DefaultHistoryWindow
	}
	if ss.Busy == "" {
		ss.Busy = string(session.BusyDrop)
	}
	if ss.AllowOverlap == nil {
		allow := true
		ss.AllowOverlap = &allow
	}

	seg := &cfg.Pipeline.Segmenter
	if seg.FlushThreshold == 0 {
		seg.FlushThreshold = segmenter.DefaultFlushThreshold
	}
	if seg.Debounce == 0 {
		seg.Debounce = segmenter.DefaultDebounce
	}
	if seg.SampleRate == 0 {
		seg.SampleRate = segmenter.DefaultSampleRate
	}
	if seg.Encoding == "" {
		seg.Encoding = string(stt.EncodingLinear16)
	}

	ch := &cfg.Pipeline.Chunker
	if ch.MinLength == 0 {
		ch.MinLength = chunker.DefaultMinLength
	}
	if ch.MaxLength == 0 {
		ch.MaxLength = max(chunker.DefaultMaxLength, ch.MinLength)
	}

	sy := &cfg.Pipeline.Synth
	if sy.CallTimeout == 0 {
		sy.CallTimeout = synth.DefaultCallTimeout
	}
	if sy.MinSpeakable == 0 {
		sy.MinSpeakable = synth.DefaultMinSpeakable
	}

	g := &cfg.Pipeline.Generate
	if g.Temperature == 0 {
		g.Temperature = generate.DefaultTemperature
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = generate.DefaultMaxTokens
	}
	if g.RetrievalTimeout == 0 {
		g.RetrievalTimeout = generate.DefaultRetrievalTimeout
	}

	c := &cfg.Cache
	if c.TTL == 0 {
		c.TTL = DefaultCacheTTL
	}
	if c.HighWater == 0 {
		c.HighWater = DefaultCacheHighWater
	}
	if c.Redis != nil && c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = retrieval.DefaultTopK
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	errs = appendNegative(errs, "server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	errs = appendNegative(errs, "server.reload_interval", cfg.Server.ReloadInterval)

	// Providers
	for _, p := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"llm", cfg.Providers.LLM},
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
	} {
		if p.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
		}
		errs = validateEntry(errs, p.kind, p.entry)
	}
	errs = validateEntry(errs, "embeddings", cfg.Providers.Embeddings)
	if cfg.Providers.Breaker.Threshold < 0 || cfg.Providers.Breaker.Probes < 0 {
		errs = append(errs, errors.New("providers.breaker threshold and probes must not be negative"))
	}
	errs = appendNegative(errs, "providers.breaker.cooldown", cfg.Providers.Breaker.Cooldown)

	// Session
	if _, err := session.ParseBusyPolicy(cfg.Session.Busy); err != nil {
		errs = append(errs, fmt.Errorf("session.busy %q is invalid; valid values: drop, queue", cfg.Session.Busy))
	}
	if cfg.Session.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("session.history_window %d must not be negative", cfg.Session.HistoryWindow))
	}
	errs = appendNegative(errs, "session.generation_timeout", cfg.Session.GenerationTimeout)

	// Pipeline
	seg := cfg.Pipeline.Segmenter
	if seg.FlushThreshold < 0 || seg.SampleRate < 0 {
		errs = append(errs, errors.New("pipeline.segmenter flush_threshold and sample_rate must not be negative"))
	}
	if enc := stt.Encoding(seg.Encoding); enc != "" && enc != stt.EncodingLinear16 && enc != stt.EncodingMulaw {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.encoding %q is invalid; valid values: linear16, mulaw", seg.Encoding))
	}
	errs = appendNegative(errs, "pipeline.segmenter.debounce", seg.Debounce)

	ch := cfg.Pipeline.Chunker
	if err := (chunker.Config{MinLength: ch.MinLength, MaxLength: ch.MaxLength}).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.chunker: %w", err))
	}
	errs = appendNegative(errs, "pipeline.synth.call_timeout", cfg.Pipeline.Synth.CallTimeout)
	if t := cfg.Pipeline.Generate.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("pipeline.generate.temperature %.2f is out of range [0, 2]", t))
	}
	errs = appendNegative(errs, "pipeline.generate.retrieval_timeout", cfg.Pipeline.Generate.RetrievalTimeout)

	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Cache
	errs = appendNegative(errs, "cache.ttl", cfg.Cache.TTL)
	errs = appendNegative(errs, "cache.sweep_interval", cfg.Cache.SweepInterval)
	if cfg.Cache.HighWater < 0 {
		errs = append(errs, fmt.Errorf("cache.high_water %d must not be negative", cfg.Cache.HighWater))
	}
	if r := cfg.Cache.Redis; r != nil && r.Addr == "" {
		errs = append(errs, errors.New("cache.redis.addr is required when cache.redis is set"))
	}

	if v := cfg.Pipeline.Vocabulary; v != nil {
		for name, th := range map[string]float64{"phonetic_threshold": v.PhoneticThreshold, "fuzzy_threshold": v.FuzzyThreshold} {
			if th < 0 || th > 1 {
				errs = append(errs, fmt.Errorf("pipeline.vocabulary.%s %.2f is out of range [0, 1]", name, th))
			}
		}
		if v.MinLength < 0 {
			errs = append(errs, fmt.Errorf("pipeline.vocabulary.min_length %d must not be negative", v.MinLength))
		}
	}

	// Retrieval
	rc := cfg.Retrieval
	if pg := rc.Postgres; pg != nil {
		if pg.DSN == "" {
			errs = append(errs, errors.New("retrieval.postgres.dsn is required when retrieval.postgres is set"))
		}
		if pg.Dimensions <= 0 {
			errs = append(errs, errors.New("retrieval.postgres.dimensions must be positive"))
		}
	}
	if q := rc.Qdrant; q != nil && q.URL == "" {
		errs = append(errs, errors.New("retrieval.qdrant.url is required when retrieval.qdrant is set"))
	}
	if (rc.Postgres != nil || rc.Qdrant != nil) && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("retrieval backends require providers.embeddings"))
	}
	if pg := cfg.CallLog.Postgres; pg != nil && pg.DSN == "" {
		errs = append(errs, errors.New("call_log.postgres.dsn is required when call_log.postgres is set"))
	}

	if rc.Postgres == nil && rc.Qdrant == nil {
		slog.Warn("no retrieval backend configured; replies will be generated without context")
	}

	return errors.Join(errs...)
}

func validateEntry(errs []error, kind string, entry ProviderEntry) []error {
	validateProviderName(kind, entry.Name)
	for i, fb := range entry.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

func appendNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		errs = append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
