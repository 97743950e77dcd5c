package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when no factory exists for a provider
// name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is the per-kind half of a Registry. The Registry's lock guards it.
type factories[P any] struct {
	kind string
	byID map[string]Factory[P]
}

func newFactories[P any](kind string) factories[P] {
	return factories[P]{kind: kind, byID: make(map[string]Factory[P])}
}

// Registry maps provider names to factories for each provider kind. It is
// safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        factories[llm.Provider]
	stt        factories[stt.Provider]
	tts        factories[tts.Provider]
	embeddings factories[embeddings.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:        newFactories[llm.Provider]("llm"),
		stt:        newFactories[stt.Provider]("stt"),
		tts:        newFactories[tts.Provider]("tts"),
		embeddings: newFactories[embeddings.Provider]("embeddings"),
	}
}

func register[P any](r *Registry, f *factories[P], name string, fn Factory[P]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.byID[name] = fn
}

func create[P any](r *Registry, f *factories[P], entry ProviderEntry) (P, error) {
	r.mu.RLock()
	fn, ok := f.byID[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return fn(entry)
}

// RegisterLLM registers an LLM factory under name, replacing any earlier one.
func (r *Registry) RegisterLLM(name string, fn Factory[llm.Provider]) { register(r, &r.llm, name, fn) }

// RegisterSTT registers a speech recognition factory under name.
func (r *Registry) RegisterSTT(name string, fn Factory[stt.Provider]) { register(r, &r.stt, name, fn) }

// RegisterTTS registers a speech synthesis factory under name.
func (r *Registry) RegisterTTS(name string, fn Factory[tts.Provider]) { register(r, &r.tts, name, fn) }

// RegisterEmbeddings registers an embeddings factory under name.
func (r *Registry) RegisterEmbeddings(name string, fn Factory[embeddings.Provider]) {
	register(r, &r.embeddings, name, fn)
}

// CreateLLM builds the LLM named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, &r.llm, entry)
}

// CreateSTT builds the speech recognizer named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, &r.stt, entry)
}

// CreateTTS builds the synthesizer named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, &r.tts, entry)
}

// CreateEmbeddings builds the embedder named by entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return create(r, &r.embeddings, entry)
}

// Has reports whether kind ("llm", "stt", "tts" or "embeddings") has a
// factory under name.
func (r *Registry) Has(kind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ok bool
	switch kind {
	case r.llm.kind:
		_, ok = r.llm.byID[name]
	case r.stt.kind:
		_, ok = r.stt.byID[name]
	case r.tts.kind:
		_, ok = r.tts.byID[name]
	case r.embeddings.kind:
		_, ok = r.embeddings.byID[name]
	}
	return ok
}

// Breaker converts b into a breaker configuration named name.
func (b BreakerConfig) Breaker(name string) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:      name,
		Threshold: b.Threshold,
		Cooldown:  b.Cooldown,
		Probes:    b.Probes,
	}
}

type fallbackGroup[P any] interface {
	Add(name string, p P)
}

// chain builds entry and its fallbacks into one breaker-guarded group.
func chain[P any, G fallbackGroup[P]](r *Registry, f *factories[P], entry ProviderEntry, b BreakerConfig,
	group func(name string, primary P, cfg resilience.BreakerConfig) G) (G, error) {
	var zero G
	primary, err := create(r, f, entry)
	if err != nil {
		return zero, err
	}
	g := group(entry.Name, primary, b.Breaker(f.kind+"/"+entry.Name))
	for _, fb := range entry.Fallbacks {
		p, err := create(r, f, fb)
		if err != nil {
			return zero, fmt.Errorf("%s fallback %q: %w", f.kind, fb.Name, err)
		}
		g.Add(fb.Name, p)
	}
	return g, nil
}

// BuildLLM creates entry's provider and its fallbacks behind circuit breakers.
func (r *Registry) BuildLLM(entry ProviderEntry, b BreakerConfig) (llm.Provider, error) {
	g, err := chain(r, &r.llm, entry, b, resilience.NewLLM)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// BuildSTT creates entry's provider and its fallbacks behind circuit breakers.
func (r *Registry) BuildSTT(entry ProviderEntry, b BreakerConfig) (stt.Provider, error) {
	g, err := chain(r, &r.stt, entry, b, resilience.NewSTT)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// BuildTTS creates entry's provider and its fallbacks behind circuit breakers.
func (r *Registry) BuildTTS(entry ProviderEntry, b BreakerConfig) (tts.Provider, error) {
	g, err := chain(r, &r.tts, entry, b, resilience.NewTTS)
	if err != nil {
		return nil, err
	}
	return g, nil
}
