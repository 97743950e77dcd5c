// Package segmenter turns a session's raw audio frames into finished
// utterances.
//
// Frames are batched and forwarded to a transcription sub-stream. Every final
// transcript closes that sub-stream and (re)arms a debounce timer; interim
// transcripts push the timer back. When the timer fires the collected final
// text is emitted as one utterance.
//
// All state lives in a single goroutine, so the frame buffer, the open
// sub-stream and the timer never need a lock.
package segmenter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/types"
)

// Defaults for [Config].
const (
	DefaultFlushThreshold = 16 * 1024
	DefaultDebounce       = 750 * time.Millisecond
	DefaultSampleRate     = 16000

	frameQueue     = 64
	utteranceQueue = 4
)

var (
	// ErrTranscription marks a failure of the transcription capability. It
	// ends the current sub-stream only.
	ErrTranscription = errors.New("segmenter: transcription failed")

	// ErrClosed is returned by [Segmenter.Write] after [Segmenter.Close].
	ErrClosed = errors.New("segmenter: closed")
)

// Config holds the timing and buffering parameters.
type Config struct {
	// FlushThreshold is how many buffered bytes trigger a forward to the
	// transcription sub-stream.
	FlushThreshold int

	// Debounce is the quiet interval after the last final transcript that
	// completes an utterance.
	Debounce time.Duration

	// Stream is passed to every StartStream call.
	Stream stt.StreamConfig

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *observe.Metrics
}

// DefaultConfig returns 16 kHz mono LINEAR16 in language with the default
// timings.
func DefaultConfig(language string) Config {
	return Config{
		FlushThreshold: DefaultFlushThreshold,
		Debounce:       DefaultDebounce,
		Stream: stt.StreamConfig{
			SampleRate: DefaultSampleRate,
			Channels:   1,
			Encoding:   stt.EncodingLinear16,
			Language:   language,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = DefaultFlushThreshold
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Segmenter is one session's audio-to-utterance converter. Write and Close
// are safe for concurrent use.
type Segmenter struct {
	cfg      Config
	provider stt.Provider

	frames chan []byte
	out    chan string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New starts a Segmenter. It runs until ctx ends or Close is called.
func New(ctx context.Context, provider stt.Provider, cfg Config) *Segmenter {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &Segmenter{
		cfg:      cfg,
		provider: provider,
		frames:   make(chan []byte, frameQueue),
		out:      make(chan string, utteranceQueue),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Write queues a frame. The frame is copied. It blocks while the queue is
// full and returns [ErrClosed] once the Segmenter has stopped.
func (s *Segmenter) Write(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	// The queue may still have room after Close, so check first.
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	buf := append([]byte(nil), frame...)
	select {
	case s.frames <- buf:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// Utterances delivers completed utterances in order. It is closed when the
// Segmenter stops.
func (s *Segmenter) Utterances() <-chan string {
	return s.out
}

// Close stops the Segmenter, cancels its timer and closes any open
// sub-stream. Nothing is emitted afterwards, including text that was still
// waiting for the debounce. Close is idempotent.
func (s *Segmenter) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// loop holds the state owned by the run goroutine.
type loop struct {
	*Segmenter

	pending []byte
	final   []string

	handle   stt.SessionHandle
	opened   time.Time
	partials <-chan types.Transcript
	finals   <-chan types.Transcript

	timer  *time.Timer
	timerC <-chan time.Time
}

func (s *Segmenter) run() {
	l := &loop{Segmenter: s}
	defer func() {
		l.stopTimer()
		l.closeStream()
		close(s.out)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return

		case frame := <-s.frames:
			l.pending = append(l.pending, frame...)
			if len(l.pending) >= s.cfg.FlushThreshold {
				l.forward()
			}

		case t, ok := <-l.partials:
			if !ok {
				l.partials = nil
				continue
			}
			if strings.TrimSpace(t.Text) != "" {
				l.rearm()
			}

		case t, ok := <-l.finals:
			if !ok {
				s.cfg.Logger.Debug("transcription stream ended without a final")
				l.closeStream()
				continue
			}
			l.onFinal(t)

		case <-l.timerC:
			l.timerC = nil
			if !l.emit() {
				return
			}
		}
	}
}

// forward sends the buffered audio, opening a sub-stream first if needed.
// Failures drop the buffered audio and leave no stream open, so the next
// frame starts over.
func (l *loop) forward() {
	defer func() { l.pending = nil }()

	if l.handle == nil {
		h, err := resilience.RetryOnceValue(l.ctx, func(ctx context.Context) (stt.SessionHandle, error) {
			return l.provider.StartStream(ctx, l.cfg.Stream)
		})
		if err != nil {
			if l.ctx.Err() == nil {
				l.cfg.Logger.Warn("failed to open transcription stream",
					"err", errors.Join(ErrTranscription, err), "dropped_bytes", len(l.pending))
			}
			return
		}
		l.handle = h
		l.opened = time.Now()
		l.partials = h.Partials()
		l.finals = h.Finals()
	}

	if err := l.handle.SendAudio(l.pending); err != nil {
		l.cfg.Logger.Warn("failed to send audio, restarting transcription stream",
			"err", errors.Join(ErrTranscription, err), "dropped_bytes", len(l.pending))
		l.closeStream()
	}
}

func (l *loop) onFinal(t types.Transcript) {
	if m := l.cfg.Metrics; m != nil && !l.opened.IsZero() {
		observe.RecordDuration(l.ctx, m.STTDuration, l.opened)
	}
	if text := strings.TrimSpace(t.Text); text != "" {
		l.final = append(l.final, text)
	}
	l.closeStream()
	l.rearm()
}

// rearm restarts the debounce timer while final text is waiting, and stops
// it otherwise.
func (l *loop) rearm() {
	if len(l.final) == 0 {
		l.stopTimer()
		return
	}
	if l.timer == nil {
		l.timer = time.NewTimer(l.cfg.Debounce)
	} else {
		l.timer.Reset(l.cfg.Debounce)
	}
	l.timerC = l.timer.C
}

func (l *loop) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timerC = nil
}

// emit sends the collected final text as one utterance. It reports false if
// the Segmenter was closed while waiting for the reader.
func (l *loop) emit() bool {
	if len(l.final) == 0 {
		return true
	}
	utterance := strings.Join(strings.Fields(strings.Join(l.final, " ")), " ")
	l.final = l.final[:0]
	if utterance == "" {
		return true
	}

	select {
	case l.out <- utterance:
		if m := l.cfg.Metrics; m != nil {
			m.Utterances.Add(l.ctx, 1)
		}
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *loop) closeStream() {
	if l.handle == nil {
		return
	}
	if err := l.handle.Close(); err != nil {
		l.cfg.Logger.Debug("closing transcription stream", "err", err)
	}
	l.handle = nil
	l.partials = nil
	l.finals = nil
	l.opened = time.Time{}
}
