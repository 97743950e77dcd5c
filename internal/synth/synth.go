// Package synth turns response chunks into audio, in order, reusing cached
// audio wherever the same text was already spoken in the same voice.
//
// One [Pipeline] is shared by every session. Concurrent requests for the same
// cache key share a single synthesis call.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/voxline/internal/cache"
	"github.com/MrWong99/voxline/internal/chunker"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/types"
)

// Defaults for [Config].
const (
	DefaultCallTimeout  = 20 * time.Second
	DefaultMinSpeakable = 1
)

// ErrSynthesis marks a chunk whose audio could not be produced. The chunk is
// skipped and the turn continues.
var ErrSynthesis = errors.New("synth: synthesis failed")

// Config tunes a [Pipeline].
type Config struct {
	// CallTimeout bounds a single synthesis call.
	CallTimeout time.Duration

	// MinSpeakable is the shortest cleaned chunk text, in runes, that is sent
	// to synthesis. Shorter chunks are recorded but stay silent.
	MinSpeakable int

	// ProviderName labels metrics.
	ProviderName string

	// Metrics is optional.
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.MinSpeakable <= 0 {
		c.MinSpeakable = DefaultMinSpeakable
	}
	if c.ProviderName == "" {
		c.ProviderName = "tts"
	}
}

// Turn identifies the turn a run belongs to.
type Turn struct {
	SessionID string
	Ordinal   int
	Voice     types.VoiceProfile
	Language  string

	// Started, if set, is when the turn's input arrived. It is used to
	// measure time to first audio.
	Started time.Time

	// Logger defaults to [observe.SessionLogger].
	Logger *slog.Logger
}

// Result summarises a run.
type Result struct {
	// Text is the concatenated Raw text of every chunk received, spoken or
	// not.
	Text string

	Emitted   int
	Skipped   int
	CacheHits int
}

// Pipeline synthesizes chunks through a TTS provider and a shared cache.
type Pipeline struct {
	tts   tts.Provider
	store cache.Store[[]byte]
	cfg   Config
	group singleflight.Group
}

// New returns a Pipeline.
func New(provider tts.Provider, store cache.Store[[]byte], cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{tts: provider, store: store, cfg: cfg}
}

// Run consumes chunks until the channel is closed, calling emit with each
// chunk's audio as soon as it is ready. Chunks are handled strictly in the
// order received. A chunk that fails to synthesize is logged and skipped.
//
// When ctx ends Run returns ctx.Err() without emitting anything further.
func (p *Pipeline) Run(ctx context.Context, turn Turn, chunks <-chan chunker.Chunk, emit func([]byte)) (Result, error) {
	log := turn.Logger
	if log == nil {
		log = observe.SessionLogger(ctx, turn.SessionID)
	}
	log = log.With("turn", turn.Ordinal)

	var (
		res  Result
		text []byte
	)

	for {
		var (
			ch chunker.Chunk
			ok bool
		)
		select {
		case <-ctx.Done():
			res.Text = string(text)
			return res, ctx.Err()
		case ch, ok = <-chunks:
		}
		if !ok {
			res.Text = string(text)
			return res, nil
		}

		text = append(text, ch.Raw...)
		if chunker.RuneLen(ch.Text) < p.cfg.MinSpeakable {
			continue
		}

		audio, hit, err := p.Speak(ctx, turn, ch)
		if ctx.Err() != nil {
			res.Text = string(text)
			return res, ctx.Err()
		}
		if err != nil {
			res.Skipped++
			log.Warn("skipping chunk", "chunk", ch.Index, "err", err)
			continue
		}
		if hit {
			res.CacheHits++
		}
		if res.Emitted == 0 && !turn.Started.IsZero() && p.cfg.Metrics != nil {
			observe.RecordDuration(ctx, p.cfg.Metrics.TimeToFirstAudio, turn.Started)
		}
		emit(audio)
		res.Emitted++
	}
}

// Key returns the cache key for ch spoken by turn's voice.
func Key(turn Turn, ch chunker.Chunk) (string, []cache.PutOption) {
	if ch.Greeting {
		return cache.GreetingKey(turn.Language, turn.Voice.ID), []cache.PutOption{cache.Durable()}
	}
	return cache.SpeechKey(turn.Voice.ID, ch.Text), nil
}

// Speak returns the audio for one chunk, from cache when possible. hit
// reports a cache hit. Transient failures are retried once.
func (p *Pipeline) Speak(ctx context.Context, turn Turn, ch chunker.Chunk) (audio []byte, hit bool, err error) {
	ctx, span := observe.StartSpan(ctx, "synth.chunk", trace.WithAttributes(
		attribute.String("session_id", turn.SessionID),
		attribute.Int("turn", turn.Ordinal),
		attribute.Int("chunk", ch.Index),
		attribute.Bool("greeting", ch.Greeting),
	))
	defer span.End()

	key, opts := Key(turn, ch)
	if audio, ok := p.store.Get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return audio, true, nil
	}

	audio, err = resilience.RetryOnceValue(ctx, func(ctx context.Context) ([]byte, error) {
		return p.shared(ctx, key, ch.Text, turn.Voice, opts)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, false, fmt.Errorf("%w: chunk %d: %w", ErrSynthesis, ch.Index, err)
	}
	return audio, false, nil
}

// shared runs at most one synthesis call per key at a time. The call does not
// belong to any one caller: it runs to completion under CallTimeout even when
// the caller that started it gives up, and its result is cached. Each caller
// stops waiting when its own ctx ends.
func (p *Pipeline) shared(ctx context.Context, key, text string, voice types.VoiceProfile, opts []cache.PutOption) ([]byte, error) {
	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(detached, p.cfg.CallTimeout)
		defer cancel()

		start := time.Now()
		audio, err := p.tts.Synthesize(callCtx, text, voice)
		p.record(detached, start, err)
		if err != nil {
			return nil, err
		}
		if len(audio) == 0 {
			return nil, errors.New("provider returned no audio")
		}
		p.store.Put(detached, key, audio, opts...)
		return audio, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) record(ctx context.Context, start time.Time, err error) {
	m := p.cfg.Metrics
	if m == nil {
		return
	}
	observe.RecordDuration(ctx, m.TTSDuration, start, observe.Attr("provider", p.cfg.ProviderName))
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordProviderError(ctx, p.cfg.ProviderName, "tts")
	}
	m.RecordProviderRequest(ctx, p.cfg.ProviderName, "tts", status)
}
