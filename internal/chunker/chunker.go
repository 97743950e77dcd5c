// Package chunker groups a streamed response into sentence-sized pieces that
// can be synthesized one at a time, so speech starts before the response is
// complete.
//
// A chunk is cut after a sentence terminator once the buffer holds at least
// MinLength runes, or forcibly when the buffer grows past MaxLength runes.
// Concatenating the Raw text of every chunk of a turn reproduces the
// generated text exactly.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voxline/pkg/types"
)

// Defaults for [Config].
const (
	DefaultMinLength = 50
	DefaultMaxLength = 150
)

// Terminators are the runes that end a sentence. Commas do not.
const Terminators = ".!?"

// formatMarkers are removed from the speakable text.
var formatMarkers = strings.NewReplacer("**", "")

// Config bounds chunk sizes, measured in runes.
type Config struct {
	MinLength int
	MaxLength int
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{MinLength: DefaultMinLength, MaxLength: DefaultMaxLength}
}

// Validate reports whether the bounds are usable.
func (c Config) Validate() error {
	var errs []error
	if c.MinLength < 1 {
		errs = append(errs, fmt.Errorf("chunker: min length must be positive, got %d", c.MinLength))
	}
	if c.MaxLength < c.MinLength {
		errs = append(errs, fmt.Errorf("chunker: max length %d is below min length %d", c.MaxLength, c.MinLength))
	}
	return errors.Join(errs...)
}

// Chunk is one speech-ready span of a response.
type Chunk struct {
	// Index is the position of the chunk within its turn, starting at 0.
	Index int

	// Text is the speakable text: trimmed, with formatting markers removed.
	Text string

	// Raw is the exact generated text the chunk covers.
	Raw string

	// Final is set on the chunk flushed when the response ended.
	Final bool

	// Greeting marks a configured greeting that bypassed the generator.
	Greeting bool
}

// Clean returns text as it should be spoken: formatting markers removed and
// surrounding whitespace trimmed.
func Clean(text string) string {
	return strings.TrimSpace(formatMarkers.Replace(text))
}

// GreetingChunk wraps a known greeting as the single chunk of a turn.
func GreetingChunk(text string) Chunk {
	return Chunk{Text: Clean(text), Raw: text, Final: true, Greeting: true}
}

// Chunker is the incremental splitter. It is not safe for concurrent use; one
// Chunker serves one turn.
type Chunker struct {
	cfg   Config
	buf   []rune
	index int
}

// New returns a Chunker with cfg, which must be valid.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Push appends a fragment and returns the chunks it completed, in order.
func (c *Chunker) Push(fragment string) []Chunk {
	if fragment == "" {
		return nil
	}
	c.buf = append(c.buf, []rune(fragment)...)

	var out []Chunk
	for len(c.buf) > c.cfg.MaxLength {
		out = append(out, c.cut(c.forcedCut(), false))
	}
	if strings.ContainsAny(fragment, Terminators) {
		if n := c.lastTerminator(); n >= c.cfg.MinLength {
			out = append(out, c.cut(n, false))
		}
	}
	return out
}

// Flush returns whatever is buffered as the final chunk. ok is false when the
// buffer is empty.
func (c *Chunker) Flush() (Chunk, bool) {
	if len(c.buf) == 0 {
		return Chunk{}, false
	}
	return c.cut(len(c.buf), true), true
}

// Buffered returns the number of runes waiting for a cut.
func (c *Chunker) Buffered() int { return len(c.buf) }

// lastTerminator returns the rune count up to and including the last
// terminator in the buffer, or 0.
func (c *Chunker) lastTerminator() int {
	for i := len(c.buf) - 1; i >= 0; i-- {
		if strings.ContainsRune(Terminators, c.buf[i]) {
			return i + 1
		}
	}
	return 0
}

// forcedCut picks where to split an overlong buffer: after the last
// whitespace that still leaves a chunk of at least MinLength runes, otherwise
// exactly at MaxLength.
func (c *Chunker) forcedCut() int {
	for i := c.cfg.MaxLength - 1; i >= c.cfg.MinLength; i-- {
		if unicode.IsSpace(c.buf[i]) {
			return i + 1
		}
	}
	return c.cfg.MaxLength
}

func (c *Chunker) cut(n int, final bool) Chunk {
	raw := string(c.buf[:n])
	c.buf = append(c.buf[:0], c.buf[n:]...)
	ch := Chunk{Index: c.index, Text: Clean(raw), Raw: raw, Final: final}
	c.index++
	return ch
}

// Stream drains fragments through a new Chunker with cfg and sends the chunks
// on out, closing out when it returns. It returns the full generated text.
//
// A fragment carrying an error, or ctx ending, stops the stream; the buffered
// remainder is then discarded and the error returned.
func Stream(ctx context.Context, cfg Config, in <-chan types.Fragment, out chan<- Chunk) (string, error) {
	defer close(out)

	c, err := New(cfg)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	send := func(chunks ...Chunk) error {
		for _, ch := range chunks {
			select {
			case out <- ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()
		case f, ok := <-in:
			if !ok {
				if last, ok := c.Flush(); ok {
					if err := send(last); err != nil {
						return full.String(), err
					}
				}
				return full.String(), nil
			}
			if f.Err != nil {
				return full.String(), f.Err
			}
			full.WriteString(f.Text)
			if err := send(c.Push(f.Text)...); err != nil {
				return full.String(), err
			}
		}
	}
}

// RuneLen is the length measure used for chunk bounds.
func RuneLen(s string) int { return utf8.RuneCountInString(s) }
