// Package session owns live caller sessions: a registry of connections, each
// with its own turn cycle from caller input to spoken reply.
//
// A [Manager] is shared by every connection. Each [Session] runs its own
// segmenter and at most one turn at a time; turns stream the generator's
// output through the chunker into the shared synthesis pipeline.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxline/internal/chunker"
	"github.com/MrWong99/voxline/internal/generate"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/segmenter"
	"github.com/MrWong99/voxline/internal/synth"
	"github.com/MrWong99/voxline/internal/vocab"
	"github.com/MrWong99/voxline/pkg/calllog"
	"github.com/MrWong99/voxline/pkg/provider/stt"
)

// Defaults for [Settings].
const (
	DefaultGenerationTimeout = 30 * time.Second
	DefaultHistoryWindow     = 5
	DefaultChunkQueue        = 4
)

// BusyPolicy decides what happens to input that arrives while a turn is in
// flight.
type BusyPolicy string

const (
	// BusyDrop discards the input.
	BusyDrop BusyPolicy = "drop"

	// BusyQueue keeps the latest input and runs it when the turn ends.
	BusyQueue BusyPolicy = "queue"
)

// ParseBusyPolicy parses s. Empty means [BusyDrop].
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch BusyPolicy(s) {
	case BusyDrop, "":
		return BusyDrop, nil
	case BusyQueue:
		return BusyQueue, nil
	}
	return "", fmt.Errorf("session: unknown busy policy %q", s)
}

// Settings are shared by every session of a [Manager].
type Settings struct {
	// GenerationTimeout bounds a turn's response generation.
	GenerationTimeout time.Duration

	// HistoryWindow is how many recent turns the generator sees.
	HistoryWindow int

	Busy BusyPolicy

	// AllowOverlap keeps transcribing caller audio while a turn is
	// processing. When false such frames are dropped.
	AllowOverlap bool

	// GreetOnConnect speaks the configured greeting as the first turn.
	GreetOnConnect bool

	// ChunkQueue is the capacity of the channel between chunker and
	// synthesis.
	ChunkQueue int

	Chunker   chunker.Config
	Segmenter segmenter.Config
	Catalog   Catalog

	// Metrics is optional.
	Metrics *observe.Metrics

	// CallLog, when set, receives every completed turn.
	CallLog calllog.Store

	// Vocabulary repairs misheard Terms in transcribed utterances. Sessions
	// add their own terms on Configure. Nil disables correction.
	Vocabulary *vocab.Corrector
	Terms      []string
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		GenerationTimeout: DefaultGenerationTimeout,
		HistoryWindow:     DefaultHistoryWindow,
		Busy:              BusyDrop,
		AllowOverlap:      true,
		ChunkQueue:        DefaultChunkQueue,
		Chunker:           chunker.DefaultConfig(),
		Segmenter:         segmenter.DefaultConfig(""),
		Catalog:           DefaultCatalog(),
	}
}

func (s *Settings) applyDefaults() {
	def := DefaultSettings()
	if s.GenerationTimeout <= 0 {
		s.GenerationTimeout = def.GenerationTimeout
	}
	if s.HistoryWindow <= 0 {
		s.HistoryWindow = def.HistoryWindow
	}
	if s.Busy == "" {
		s.Busy = def.Busy
	}
	if s.ChunkQueue <= 0 {
		s.ChunkQueue = def.ChunkQueue
	}
	if s.Chunker == (chunker.Config{}) {
		s.Chunker = def.Chunker
	}
	if s.Segmenter.Stream.SampleRate == 0 {
		s.Segmenter.Stream = def.Segmenter.Stream
	}
	if s.Catalog.isZero() {
		s.Catalog = def.Catalog
	}
}

// Manager is the registry of live sessions. It is safe for concurrent use.
type Manager struct {
	stt      stt.Provider
	gen      generate.Generator
	synth    *synth.Pipeline
	settings Settings
	terms    *vocab.Terms

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns a Manager that transcribes with provider, answers with
// gen and speaks through pipeline.
func NewManager(provider stt.Provider, gen generate.Generator, pipeline *synth.Pipeline, settings Settings) (*Manager, error) {
	settings.applyDefaults()
	if err := settings.Chunker.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if _, err := ParseBusyPolicy(string(settings.Busy)); err != nil {
		return nil, err
	}
	return &Manager{
		stt:      provider,
		gen:      gen,
		synth:    pipeline,
		settings: settings,
		terms:    vocab.Prepare(settings.Terms),
		sessions: make(map[string]*Session),
	}, nil
}

// Open registers a new session delivering to events. The session lives until
// [Session.Close] or until ctx ends, whichever comes first; Close must still
// be called to release it.
func (m *Manager) Open(ctx context.Context, events Events) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     id,
		m:      m,
		events: events,
		log:    observe.SessionLogger(ctx, id),
		ctx:    ctx,
		cancel: cancel,
		terms:  m.terms,
	}
	s.language, s.code, s.voice = m.settings.Catalog.Resolve("", "")

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.settings.Metrics != nil {
		m.settings.Metrics.ActiveSessions.Add(ctx, 1)
	}
	s.log.Info("session opened")
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// AudioFrame forwards to [Session.AudioFrame].
func (m *Manager) AudioFrame(id string, frame []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.AudioFrame(frame)
}

// TextInput forwards to [Session.TextInput].
func (m *Manager) TextInput(id, text string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.TextInput(text)
}

// Configure forwards to [Session.Configure].
func (m *Manager) Configure(id string, cfg Config) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Configure(cfg)
}

// Close closes and deregisters the session with id.
func (m *Manager) Close(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Close()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every session and waits until they are gone or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range open {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	_, ok := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if ok && m.settings.Metrics != nil {
		m.settings.Metrics.ActiveSessions.Add(context.WithoutCancel(s.ctx), -1)
	}
}
