// Package vocab repairs misheard domain terms in transcribed caller speech.
//
// Speech recognition tends to mangle product names, brand names and other
// company vocabulary ("acme light" for "AcmeLite"). A [Corrector] slides
// n-gram windows over an utterance and replaces a window with a known term
// when the two sound alike.
//
// Matching has two stages. Double Metaphone codes of the window and the term
// must share a code, and the best Jaro-Winkler similarity between them must
// reach the phonetic threshold. Without a shared code, only a similarity at
// or above the stricter fuzzy threshold is accepted.
package vocab

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Defaults for [Corrector].
const (
	DefaultPhoneticThreshold = 0.80
	DefaultFuzzyThreshold    = 0.90
	DefaultMinLength         = 4
)

// Correction is one substitution.
type Correction struct {
	Original  string
	Corrected string
	Score     float64
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the similarity a sound-alike window needs.
func WithPhoneticThreshold(v float64) Option {
	return func(c *Corrector) {
		if v > 0 {
			c.phonetic = v
		}
	}
}

// WithFuzzyThreshold sets the similarity a window needs when no phonetic
// code is shared.
func WithFuzzyThreshold(v float64) Option {
	return func(c *Corrector) {
		if v > 0 {
			c.fuzzy = v
		}
	}
}

// WithMinLength skips windows shorter than n letters. Short function words
// otherwise match too eagerly.
func WithMinLength(n int) Option {
	return func(c *Corrector) {
		if n > 0 {
			c.minLength = n
		}
	}
}

// Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	phonetic  float64
	fuzzy     float64
	minLength int
}

// New returns a Corrector.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		phonetic:  DefaultPhoneticThreshold,
		fuzzy:     DefaultFuzzyThreshold,
		minLength: DefaultMinLength,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type term struct {
	text    string
	lower   string
	tokens  []string
	codes   map[string]struct{}
	letters int
}

// Terms is a prepared vocabulary. The zero value is empty.
type Terms struct {
	terms    []term
	maxWords int
}

// Prepare encodes a vocabulary once for repeated matching. Blank and
// duplicate entries are dropped.
func Prepare(vocabulary ...[]string) *Terms {
	ts := &Terms{}
	seen := make(map[string]bool)
	for _, list := range vocabulary {
		for _, v := range list {
			v = strings.TrimSpace(v)
			lower := strings.ToLower(v)
			if v == "" || seen[lower] {
				continue
			}
			seen[lower] = true
			tokens := strings.Fields(lower)
			ts.terms = append(ts.terms, term{
				text:    v,
				lower:   lower,
				tokens:  tokens,
				codes:   codes(tokens),
				letters: letters(lower),
			})
			ts.maxWords = max(ts.maxWords, len(tokens))
		}
	}
	return ts
}

// Len reports the number of terms.
func (ts *Terms) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.terms)
}

// Words returns the terms as given, for recognizers that accept keyword
// hints.
func (ts *Terms) Words() []string {
	if ts == nil {
		return nil
	}
	out := make([]string, len(ts.terms))
	for i, t := range ts.terms {
		out[i] = t.text
	}
	return out
}

// Correct rewrites text, preferring the longest matching window at each
// position. Punctuation around a replaced window is preserved. With no terms
// text is returned as is.
func (c *Corrector) Correct(text string, ts *Terms) (string, []Correction) {
	if ts.Len() == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	out := make([]string, 0, len(tokens))
	var corrections []Correction
	for i := 0; i < len(tokens); {
		n, replacement, corr, ok := c.matchAt(tokens[i:], ts)
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		out = append(out, replacement)
		if replacement != corr.Original {
			corrections = append(corrections, corr)
		}
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

func (c *Corrector) matchAt(tokens []string, ts *Terms) (int, string, Correction, bool) {
	for n := min(ts.maxWords+1, len(tokens)); n >= 1; n-- {
		lead, _ := splitPunct(tokens[0])
		_, trail := splitPunct(tokens[n-1])
		words := make([]string, n)
		for i, t := range tokens[:n] {
			_, core, _ := trim(t)
			words[i] = strings.ToLower(core)
		}
		window := strings.Join(words, " ")
		size := letters(window)
		if size < c.minLength {
			continue
		}
		best, score, ok := c.best(words, window, size, ts)
		if !ok {
			continue
		}
		orig := strings.Join(tokens[:n], " ")
		return n, lead + best + trail, Correction{Original: orig, Corrected: best, Score: score}, true
	}
	return 0, "", Correction{}, false
}

func (c *Corrector) best(words []string, window string, size int, ts *Terms) (string, float64, bool) {
	inCodes := codes(words)
	var (
		bestText     string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range ts.terms {
		if window == t.lower {
			return t.text, 1, true
		}
		// A window much longer or shorter than the term would swallow or
		// split neighbouring words.
		if 4*size > 5*t.letters || 5*size < 4*t.letters {
			continue
		}
		score := similarity(words, t.tokens, window, t.lower)
		if overlap(inCodes, t.codes) {
			if score >= c.phonetic && (!bestPhonetic || score > bestScore) {
				bestText, bestScore, bestPhonetic = t.text, score, true
			}
		} else if !bestPhonetic && score >= c.fuzzy && score > bestScore {
			bestText, bestScore = t.text, score
		}
	}
	return bestText, bestScore, bestText != ""
}

// similarity is the best Jaro-Winkler score over the full strings and the
// strings with spaces removed. Word splits are common in misheard compounds.
func similarity(in, term []string, inFull, termFull string) float64 {
	score := matchr.JaroWinkler(inFull, termFull, false)
	if len(in) > 1 || len(term) > 1 {
		score = max(score, matchr.JaroWinkler(strings.Join(in, ""), strings.Join(term, ""), false))
	}
	return score
}

func letters(s string) int {
	return utf8.RuneCountInString(strings.ReplaceAll(s, " ", ""))
}

func codes(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	joined := strings.Join(tokens, "")
	for _, w := range append(slices.Clone(tokens), joined) {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			out[p] = struct{}{}
		}
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// trim splits a token into leading punctuation, core and trailing
// punctuation.
func trim(tok string) (lead, core, trail string) {
	core = strings.TrimLeftFunc(tok, isPunct)
	lead = tok[:len(tok)-len(core)]
	trimmed := strings.TrimRightFunc(core, isPunct)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}

func splitPunct(tok string) (lead, trail string) {
	lead, _, trail = trim(tok)
	return lead, trail
}

func isPunct(r rune) bool { return unicode.IsPunct(r) }
