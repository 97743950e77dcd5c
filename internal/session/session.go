package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxline/internal/chunker"
	"github.com/MrWong99/voxline/internal/generate"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/segmenter"
	"github.com/MrWong99/voxline/internal/synth"
	"github.com/MrWong99/voxline/internal/vocab"
	"github.com/MrWong99/voxline/pkg/calllog"
	"github.com/MrWong99/voxline/pkg/retrieval"
	"github.com/MrWong99/voxline/pkg/types"
)

var (
	// ErrClosed is returned for events sent to a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrNotFound is returned by the [Manager] for unknown session ids.
	ErrNotFound = errors.New("session: not found")

	// ErrBusy is returned when an input is dropped because a turn is
	// already in flight.
	ErrBusy = errors.New("session: turn in progress")

	// ErrGenerationTimeout fails a turn whose response generator did not
	// finish within the configured timeout.
	ErrGenerationTimeout = errors.New("session: generation timed out")
)

// State is a session's position in its turn cycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingUtterance
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUtterance:
		return "awaiting_utterance"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Events receives everything a session produces. Calls for one session are
// serialized and never happen after [Session.Close] has begun. Implementations
// must not call back into the session.
type Events interface {
	// UtteranceReady reports a completed caller utterance.
	UtteranceReady(text string)

	// AudioChunkReady delivers one piece of response audio.
	AudioChunkReady(audio []byte)

	// TurnComplete marks the end of a successful turn.
	TurnComplete()

	// TurnFailed reports a turn that ended without a reply.
	TurnFailed(err error)
}

// Config is what a client selects for its session.
type Config struct {
	Mode generate.Mode

	// Language is a display name such as "French".
	Language string

	// Gender picks the voice, "Female" or "Male".
	Gender string

	Index retrieval.Index
	Form  generate.Form

	// Vocabulary lists company terms the caller is likely to say, such as
	// product names.
	Vocabulary []string
}

type input struct {
	text     string
	greeting bool
	at       time.Time
}

type turn struct {
	ordinal int
	input   input
	req     generate.Request
	synth   synth.Turn
}

// Session is one caller connection. All methods are safe for concurrent use.
type Session struct {
	id     string
	m      *Manager
	events Events
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	emitMu   sync.Mutex
	silenced bool

	mu       sync.Mutex
	state    State
	cfg      Config
	language string
	code     string
	voice    types.VoiceProfile
	greeted  bool
	inFlight bool
	pending  *input
	ordinal  int
	history  []types.Turn
	seg      *segmenter.Segmenter
	terms    *vocab.Terms
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the completed turns, oldest first.
func (s *Session) History() []types.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Voice returns the voice replies are spoken in.
func (s *Session) Voice() types.VoiceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// Configure applies cfg. Changing the language restarts transcription on the
// next frame. When greetings are enabled, the first Configure carrying a
// greeting starts a turn that speaks it.
func (s *Session) Configure(cfg Config) error {
	name, code, voice := s.m.settings.Catalog.Resolve(cfg.Language, cfg.Gender)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	var old *segmenter.Segmenter
	if s.seg != nil && code != s.code {
		old, s.seg = s.seg, nil
	}
	s.cfg = cfg
	s.language, s.code, s.voice = name, code, voice
	if len(cfg.Vocabulary) > 0 {
		s.terms = vocab.Prepare(s.m.settings.Terms, cfg.Vocabulary)
	} else {
		s.terms = s.m.terms
	}
	greeting := strings.TrimSpace(cfg.Form.Greeting)
	greet := s.m.settings.GreetOnConnect && !s.greeted && greeting != ""
	if greet {
		s.greeted = true
	}
	s.mu.Unlock()

	s.log.Info("session configured", "mode", cfg.Mode, "language", code, "voice", voice.ID, "index", cfg.Index.String())
	if old != nil {
		old.Close()
	}
	if greet {
		return s.submit(input{text: greeting, greeting: true, at: time.Now()})
	}
	return nil
}

// AudioFrame feeds caller audio to the session's segmenter. Frames arriving
// while a turn is processing are dropped unless overlap is allowed.
func (s *Session) AudioFrame(frame []byte) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.inFlight && !s.m.settings.AllowOverlap {
		s.mu.Unlock()
		return nil
	}
	if s.seg == nil {
		s.seg = s.listen()
	}
	if s.state == StateIdle {
		s.state = StateAwaitingUtterance
	}
	seg := s.seg
	s.mu.Unlock()

	if err := seg.Write(frame); err != nil && !errors.Is(err, segmenter.ErrClosed) {
		return err
	}
	return nil
}

// TextInput starts a turn from typed text, bypassing transcription. Blank
// input is ignored.
func (s *Session) TextInput(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.submit(input{text: text, at: time.Now()})
}

// Close stops the session. No events are delivered once Close begins. Any
// turn in flight is cancelled and Close waits for it to unwind. Close is
// idempotent.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.emitMu.Lock()
		s.silenced = true
		s.emitMu.Unlock()

		s.mu.Lock()
		s.state = StateClosed
		s.pending = nil
		seg := s.seg
		turns := len(s.history)
		s.mu.Unlock()

		s.cancel()
		if seg != nil {
			seg.Close()
		}
		s.wg.Wait()

		s.m.remove(s)
		s.log.Info("session closed", "turns", turns)
	})
	return nil
}

// listen starts a segmenter for the current language. s.mu must be held.
func (s *Session) listen() *segmenter.Segmenter {
	cfg := s.m.settings.Segmenter
	cfg.Stream.Language = s.code
	cfg.Stream.Keywords = s.terms.Words()
	cfg.Logger = s.log
	cfg.Metrics = s.m.settings.Metrics
	seg := segmenter.New(s.ctx, s.m.stt, cfg)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for u := range seg.Utterances() {
			u = s.correct(u)
			s.emit(func(e Events) { e.UtteranceReady(u) })
			if err := s.submit(input{text: u, at: time.Now()}); err != nil && !errors.Is(err, ErrClosed) {
				s.log.Debug("utterance not processed", "err", err)
			}
		}
	}()
	return seg
}

// correct applies the vocabulary to a transcribed utterance.
func (s *Session) correct(u string) string {
	c := s.m.settings.Vocabulary
	if c == nil {
		return u
	}
	s.mu.Lock()
	terms := s.terms
	s.mu.Unlock()
	out, corrections := c.Correct(u, terms)
	for _, corr := range corrections {
		s.log.Debug("vocabulary correction", "heard", corr.Original, "term", corr.Corrected, "score", corr.Score)
	}
	return out
}

func (s *Session) submit(in input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if !s.inFlight {
		s.start(in)
		return nil
	}
	if s.m.settings.Busy == BusyQueue {
		if s.pending != nil {
			s.log.Info("queued input replaced", "dropped", s.pending.text)
			s.recordTurn(s.ctx, observe.TurnDropped)
		}
		s.pending = &in
		s.recordTurn(s.ctx, observe.TurnQueued)
		return nil
	}
	s.log.Info("input dropped, turn in progress", "input", in.text)
	s.recordTurn(s.ctx, observe.TurnDropped)
	return ErrBusy
}

// start launches a turn for in. s.mu must be held.
func (s *Session) start(in input) {
	s.inFlight = true
	s.state = StateProcessing
	s.ordinal++

	history := s.history
	if n := s.m.settings.HistoryWindow; len(history) > n {
		history = history[len(history)-n:]
	}
	t := turn{
		ordinal: s.ordinal,
		input:   in,
		req: generate.Request{
			Input:     in.text,
			History:   slices.Clone(history),
			Language:  s.language,
			Mode:      s.cfg.Mode,
			Form:      s.cfg.Form,
			Index:     s.cfg.Index,
			SessionID: s.id,
		},
		synth: synth.Turn{
			SessionID: s.id,
			Ordinal:   s.ordinal,
			Voice:     s.voice,
			Language:  s.code,
			Started:   in.at,
		},
	}
	s.recordTurn(s.ctx, observe.TurnStarted)
	s.wg.Add(1)
	go s.run(t)
}

func (s *Session) run(t turn) {
	defer s.wg.Done()

	ctx, span := observe.StartSpan(s.ctx, "session.turn", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.Int("turn", t.ordinal),
		attribute.Bool("greeting", t.input.greeting),
	))
	defer span.End()
	log := s.log.With("turn", t.ordinal)
	t.synth.Logger = log

	output, err := s.play(ctx, t)
	switch {
	case s.ctx.Err() != nil:
		log.Debug("turn abandoned")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("turn failed", "err", err)
		s.recordTurn(ctx, observe.TurnFailed)
		s.emit(func(e Events) { e.TurnFailed(err) })
	default:
		rec := types.Turn{Output: output, At: time.Now()}
		if !t.input.greeting {
			rec.Input = t.input.text
		}
		s.mu.Lock()
		s.history = append(s.history, rec)
		s.mu.Unlock()
		log.Debug("turn complete", "output_len", len(output))
		s.recordTurn(ctx, observe.TurnCompleted)
		s.emit(func(e Events) { e.TurnComplete() })
		s.logTurn(ctx, log, t, rec)
	}
	s.finish()
}

// callLogTimeout bounds a call log write after the turn has been delivered.
const callLogTimeout = 5 * time.Second

// logTurn appends a completed turn to the call log. Failures are logged
// only.
func (s *Session) logTurn(ctx context.Context, log *slog.Logger, t turn, rec types.Turn) {
	store := s.m.settings.CallLog
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callLogTimeout)
	defer cancel()
	err := store.Append(ctx, calllog.Entry{
		SessionID: s.id,
		Ordinal:   t.ordinal,
		Input:     rec.Input,
		Output:    rec.Output,
		Greeting:  t.input.greeting,
		Language:  t.req.Language,
		Mode:      string(t.req.Mode),
		Started:   t.input.at,
		Latency:   rec.At.Sub(t.input.at),
	})
	if err != nil {
		log.Warn("call log append failed", "err", err)
	}
}

// play runs one turn and returns the spoken text. Generation and synthesis
// run concurrently, joined by a bounded chunk channel.
func (s *Session) play(ctx context.Context, t turn) (string, error) {
	emit := func(audio []byte) {
		s.emit(func(e Events) { e.AudioChunkReady(audio) })
	}
	chunks := make(chan chunker.Chunk, s.m.settings.ChunkQueue)

	if t.input.greeting {
		chunks <- chunker.GreetingChunk(t.input.text)
		close(chunks)
		res, err := s.m.synth.Run(ctx, t.synth, chunks, emit)
		return chunker.Clean(res.Text), err
	}

	timeout := s.m.settings.GenerationTimeout
	genCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frags, err := s.m.gen.Generate(genCtx, t.req)
	if err != nil {
		return "", generationError(ctx, err, timeout)
	}

	// A failed generation also stops synthesis of chunks already queued.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var genErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := chunker.Stream(genCtx, s.m.settings.Chunker, frags, chunks)
		if err == nil {
			// A generator may close its stream when the deadline hits
			// instead of reporting it.
			err = genCtx.Err()
		}
		if err != nil {
			genErr = err
			stop()
		}
	}()

	res, err := s.m.synth.Run(runCtx, t.synth, chunks, emit)
	<-done
	if genErr != nil {
		return "", generationError(ctx, genErr, timeout)
	}
	if err != nil {
		return "", err
	}
	return chunker.Clean(res.Text), nil
}

func generationError(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", ErrGenerationTimeout, timeout)
	}
	return fmt.Errorf("session: generation: %w", err)
}

func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if s.state == StateClosed {
		return
	}
	s.state = StateIdle
	if next := s.pending; next != nil {
		s.pending = nil
		s.start(*next)
	}
}

func (s *Session) emit(fn func(Events)) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.silenced {
		return
	}
	fn(s.events)
}

func (s *Session) recordTurn(ctx context.Context, outcome string) {
	if m := s.m.settings.Metrics; m != nil {
		m.RecordTurn(ctx, outcome)
	}
}
