// Package app wires all voxline subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until its context ends and then drains, and
// Shutdown releases the backing stores.
//
// For testing, inject doubles via functional options (WithGenerator,
// WithSearcher, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/cache"
	"github.com/MrWong99/voxline/internal/cache/rediscache"
	"github.com/MrWong99/voxline/internal/chunker"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/generate"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/segmenter"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/internal/synth"
	"github.com/MrWong99/voxline/internal/transport/ws"
	"github.com/MrWong99/voxline/internal/vocab"
	"github.com/MrWong99/voxline/pkg/calllog"
	callpg "github.com/MrWong99/voxline/pkg/calllog/postgres"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/retrieval"
	"github.com/MrWong99/voxline/pkg/retrieval/pgvector"
	"github.com/MrWong99/voxline/pkg/retrieval/qdrant"
)

// SessionPath is where the WebSocket endpoint is mounted.
const SessionPath = "/ws"

// Providers holds one interface value per provider slot. Embeddings may be
// nil when no retrieval backend is configured. Populated by main.go via the
// config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	metrics    *observe.Metrics
	level      *slog.LevelVar
	configPath string

	// Subsystems, initialised in New.
	speech    *cache.Memory[[]byte]
	documents *cache.Memory[[]retrieval.Document]
	docStore  cache.Store[[]retrieval.Document]
	redis     redis.UniversalClient
	searchers map[string]retrieval.Searcher
	callLog   calllog.Store
	generator generate.Generator
	pipeline  *synth.Pipeline
	manager   *session.Manager
	health    *health.Handler
	checkers  []health.Checker
	handler   http.Handler

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets a config reload change the log level of the running
// process.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of the file cfg was loaded from.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithGenerator injects a generator instead of building one on the LLM.
func WithGenerator(g generate.Generator) Option {
	return func(a *App) { a.generator = g }
}

// WithSearcher injects a retrieval backend for kind instead of connecting to
// the configured one.
func WithSearcher(kind string, s retrieval.Searcher) Option {
	return func(a *App) {
		if a.searchers == nil {
			a.searchers = make(map[string]retrieval.Searcher)
		}
		a.searchers[kind] = s
	}
}

// WithCallLog injects the turn log instead of connecting call_log.postgres.
func WithCallLog(s calllog.Store) Option {
	return func(a *App) { a.callLog = s }
}

// WithRedis injects the shared cache client instead of dialing cache.redis.
func WithRedis(c redis.UniversalClient) Option {
	return func(a *App) { a.redis = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: cache tiers, retrieval
// backends (including the schema migration), the generator, the synthesis
// pipeline, the session manager and the HTTP routes.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, stt and tts providers are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Caches ────────────────────────────────────────────────────────
	speech := a.initCaches()

	// ── 2. Retrieval ─────────────────────────────────────────────────────
	retriever, err := a.initRetrieval(ctx)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("app: init retrieval: %w", err)
	}

	if err := a.initCallLog(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	// ── 3. Generator ─────────────────────────────────────────────────────
	if err := a.initGenerator(retriever); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init generator: %w", err)
	}

	// ── 4. Synthesis + sessions ──────────────────────────────────────────
	a.pipeline = synth.New(providers.TTS, speech, synth.Config{
		CallTimeout:  cfg.Pipeline.Synth.CallTimeout,
		MinSpeakable: cfg.Pipeline.Synth.MinSpeakable,
		ProviderName: cfg.Providers.TTS.Name,
		Metrics:      a.metrics,
	})
	a.manager, err = session.NewManager(providers.STT, a.generator, a.pipeline, a.sessionSettings())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCaches builds the in-process stores and, when configured, layers them
// over Redis. It returns the store used for speech.
func (a *App) initCaches() cache.Store[[]byte] {
	c := a.cfg.Cache
	a.speech = cache.NewMemory[[]byte]("speech",
		cache.WithTTL(c.TTL), cache.WithHighWater(c.HighWater), cache.WithMetrics(a.metrics))
	a.documents = cache.NewMemory[[]retrieval.Document]("retrieval",
		cache.WithTTL(c.TTL), cache.WithHighWater(c.HighWater), cache.WithMetrics(a.metrics))

	if a.redis == nil && c.Redis != nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
	}
	if a.redis == nil {
		a.docStore = a.documents
		return a.speech
	}

	prefix := redisPrefix(c.Redis)
	shared := rediscache.New[[]byte](a.redis, prefix+"speech", c.TTL, rediscache.WithMetrics(a.metrics))
	docs := rediscache.New[[]retrieval.Document](a.redis, prefix+"retrieval", c.TTL, rediscache.WithMetrics(a.metrics))
	a.docStore = cache.NewTiered[[]retrieval.Document](a.documents, docs)
	a.checkers = append(a.checkers, health.Checker{Name: "redis", Check: shared.Ping, Optional: true})
	slog.Info("shared cache tier enabled", "prefix", prefix)
	return cache.NewTiered[[]byte](a.speech, shared)
}

func redisPrefix(rc *config.RedisConfig) string {
	if rc == nil || rc.Prefix == "" {
		return config.DefaultRedisPrefix
	}
	return rc.Prefix
}

// initRetrieval connects the configured backends. It returns nil when none
// is available, in which case replies are generated without context.
func (a *App) initRetrieval(ctx context.Context) (retrieval.Retriever, error) {
	rc := a.cfg.Retrieval
	if a.searchers == nil {
		a.searchers = make(map[string]retrieval.Searcher)
	}

	if pg := rc.Postgres; pg != nil && a.searchers[retrieval.KindPGVector] == nil {
		dims := 0
		if pg.Migrate {
			dims = pg.Dimensions
		}
		store, err := pgvector.Open(ctx, pg.DSN, dims)
		if err != nil {
			return nil, err
		}
		a.searchers[retrieval.KindPGVector] = store
		a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: store.Ping})
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	}

	if q := rc.Qdrant; q != nil && a.searchers[retrieval.KindQdrant] == nil {
		client, err := qdrant.New(qdrant.Config{URL: q.URL, APIKey: q.APIKey})
		if err != nil {
			return nil, err
		}
		a.searchers[retrieval.KindQdrant] = client
		a.checkers = append(a.checkers, health.Checker{Name: "qdrant", Check: client.HealthCheck})
		a.closers = append(a.closers, client.Close)
	}

	if len(a.searchers) == 0 {
		return nil, nil
	}
	if a.providers.Embeddings == nil {
		return nil, errors.New("retrieval backends require an embeddings provider")
	}
	for kind := range a.searchers {
		slog.Info("retrieval backend ready", "kind", kind)
	}
	embedded := retrieval.NewEmbedded(a.providers.Embeddings, a.searchers, a.metrics)
	return withTopK{inner: retrieval.NewCached(embedded, a.docStore), topK: rc.TopK}, nil
}

// withTopK applies the configured result count to indexes that do not set
// their own.
type withTopK struct {
	inner retrieval.Retriever
	topK  int
}

func (w withTopK) Retrieve(ctx context.Context, query string, idx retrieval.Index) ([]retrieval.Document, error) {
	if idx.TopK == 0 {
		idx.TopK = w.topK
	}
	return w.inner.Retrieve(ctx, query, idx)
}

func (a *App) initCallLog(ctx context.Context) error {
	pg := a.cfg.CallLog.Postgres
	if a.callLog != nil || pg == nil {
		return nil
	}
	store, err := callpg.Open(ctx, pg.DSN, pg.Migrate)
	if err != nil {
		return err
	}
	a.callLog = store
	a.checkers = append(a.checkers, health.Checker{Name: "call_log", Check: store.Ping, Optional: true})
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	slog.Info("call log enabled")
	return nil
}

func (a *App) initGenerator(retriever retrieval.Retriever) error {
	if a.generator != nil {
		return nil
	}
	g := a.cfg.Pipeline.Generate
	gcfg := generate.Config{
		HistoryWindow:    a.cfg.Session.HistoryWindow,
		Temperature:      g.Temperature,
		MaxTokens:        g.MaxTokens,
		RetrievalTimeout: g.RetrievalTimeout,
		ProviderName:     a.cfg.Providers.LLM.Name,
		Metrics:          a.metrics,
	}
	var err error
	if gcfg.OutboundPrompt, err = readPrompt(g.OutboundPromptFile); err != nil {
		return err
	}
	if gcfg.InboundPrompt, err = readPrompt(g.InboundPromptFile); err != nil {
		return err
	}
	gen, err := generate.NewLLM(a.providers.LLM, retriever, gcfg)
	if err != nil {
		return err
	}
	a.generator = gen
	return nil
}

// readPrompt returns the file's content, or "" for the built-in prompt.
func readPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return string(data), nil
}

func (a *App) sessionSettings() session.Settings {
	sc, pc := a.cfg.Session, a.cfg.Pipeline

	settings := session.DefaultSettings()
	settings.GenerationTimeout = sc.GenerationTimeout
	settings.HistoryWindow = sc.HistoryWindow
	settings.Busy = session.BusyPolicy(sc.Busy)
	if sc.AllowOverlap != nil {
		settings.AllowOverlap = *sc.AllowOverlap
	}
	settings.GreetOnConnect = sc.GreetOnConnect
	settings.Chunker = chunker.Config{MinLength: pc.Chunker.MinLength, MaxLength: pc.Chunker.MaxLength}
	settings.Segmenter = segmenter.Config{
		FlushThreshold: pc.Segmenter.FlushThreshold,
		Debounce:       pc.Segmenter.Debounce,
		Stream: stt.StreamConfig{
			SampleRate: pc.Segmenter.SampleRate,
			Channels:   1,
			Encoding:   stt.Encoding(pc.Segmenter.Encoding),
		},
	}
	settings.Catalog = catalog(a.cfg.Voices, a.cfg.Providers.TTS.Name)
	settings.Metrics = a.metrics
	settings.CallLog = a.callLog
	if v := pc.Vocabulary; v != nil {
		settings.Vocabulary = vocab.New(
			vocab.WithPhoneticThreshold(v.PhoneticThreshold),
			vocab.WithFuzzyThreshold(v.FuzzyThreshold),
			vocab.WithMinLength(v.MinLength),
		)
		settings.Terms = v.Terms
	}
	return settings
}

// catalog overlays the configured tables on the built-in ones.
func catalog(vc config.VoicesConfig, provider string) session.Catalog {
	c := session.DefaultCatalog()
	maps.Copy(c.Languages, vc.Languages)
	maps.Copy(c.Voices, vc.Voices)
	c.Provider = provider
	return c
}

func (a *App) initHTTP() {
	a.health = health.New(a.checkers...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	ws.New(a.manager).Register(mux, SessionPath)
	if a.callLog != nil {
		mux.HandleFunc("GET /calls", a.searchCalls)
		mux.HandleFunc("GET /calls/{id}", a.getCall)
	}

	a.handler = observe.Middleware(a.metrics, mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the HTTP surface: the session endpoint, health probes,
// metrics and, with a call log, the transcript routes.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session registry.
func (a *App) Sessions() *session.Manager { return a.manager }

// Run listens on the configured address and blocks until ctx is cancelled.
// It then marks the server as draining, closes every session and stops the
// listener within server.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	sweep := a.cfg.Cache.SweepInterval
	if sweep > 0 {
		g.Go(func() error { a.speech.RunSweeper(gctx, sweep); return nil })
		g.Go(func() error { a.documents.RunSweeper(gctx, sweep); return nil })
	}

	if a.configPath != "" && a.cfg.Server.ReloadInterval > 0 {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange,
			config.WithInitial(a.cfg),
			config.WithInterval(a.cfg.Server.ReloadInterval),
			config.WithReloadSignals(syscall.SIGHUP),
		)
		if err != nil {
			slog.Warn("config reload disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.drain(srv)
	})

	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// drain fails readiness, closes all sessions and stops the HTTP server.
func (a *App) drain(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	a.health.SetDraining(true)
	slog.Info("draining", "sessions", a.manager.Len())
	if err := a.manager.Shutdown(ctx); err != nil {
		slog.Warn("sessions did not close in time", "err", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return nil
}

func (a *App) onConfigChange(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(next.Server.LogLevel))
		slog.Info("log level changed", "level", next.Server.LogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes any sessions still open and releases the backing stores in
// reverse-init order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.manager != nil {
			if err := a.manager.Shutdown(ctx); err != nil {
				shutdownErr = err
				return
			}
		}
		shutdownErr = a.runClosers(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close releases whatever New had opened before failing.
func (a *App) close() {
	_ = a.runClosers(context.Background())
}

func (a *App) runClosers(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
