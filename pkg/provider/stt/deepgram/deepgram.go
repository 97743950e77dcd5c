// Package deepgram is an [stt.Provider] on Deepgram's live transcription
// WebSocket API. Each sub-stream is one socket.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/provider/stt"
)

// Defaults for [Provider].
const (
	DefaultEndpoint    = "wss://api.deepgram.com/v1/listen"
	DefaultModel       = "nova-3"
	DefaultLanguage    = "en-US"
	DefaultSampleRate  = 16000
	DefaultEndpointing = 300 * time.Millisecond

	// DefaultKeepAlive is below the ten seconds after which Deepgram drops
	// a socket that receives no audio.
	DefaultKeepAlive = 5 * time.Second
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model, e.g. "nova-3" or "nova-2-phonecall".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when a stream config names none.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the sample rate used when a stream config names none.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint overrides the streaming URL, for self-hosted deployments and
// tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithEndpointing sets how much trailing silence finalizes a transcript.
// Zero leaves it to Deepgram.
func WithEndpointing(d time.Duration) Option {
	return func(p *Provider) { p.endpointing = d }
}

// WithKeepAlive sets the interval of keep-alive messages sent while no audio
// flows. Zero disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) { p.keepAlive = d }
}

// Provider is safe for concurrent use.
type Provider struct {
	apiKey      string
	endpoint    string
	model       string
	language    string
	sampleRate  int
	endpointing time.Duration
	keepAlive   time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:      apiKey,
		endpoint:    DefaultEndpoint,
		model:       DefaultModel,
		language:    DefaultLanguage,
		sampleRate:  DefaultSampleRate,
		endpointing: DefaultEndpointing,
		keepAlive:   DefaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream implements [stt.Provider]. The socket stays open until the
// handle is closed or ctx ends.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return startStream(ctx, conn, p.keepAlive), nil
}

// listenURL encodes cfg as query parameters of the listen endpoint.
func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", cmp(cfg.Language, p.language))
	q.Set("encoding", string(cmp(cfg.Encoding, stt.EncodingLinear16)))
	q.Set("sample_rate", strconv.Itoa(cmp(cfg.SampleRate, p.sampleRate)))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	}

	// Nova-3 takes key terms; older models take keywords.
	param := "keywords"
	if strings.HasPrefix(p.model, "nova-3") {
		param = "keyterm"
	}
	for _, k := range cfg.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			q.Add(param, k)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func cmp[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}
