package resilience

import (
	"context"

	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/types"
)

// STT fails over between transcription backends when a stream cannot be
// opened. A stream that breaks after opening is the segmenter's problem.
type STT struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STT)(nil)

// NewSTT returns an STT with primary as the preferred backend.
func NewSTT(name string, primary stt.Provider, cfg BreakerConfig) *STT {
	return &STT{group: NewGroup(name, primary, cfg)}
}

// Add registers a fallback backend.
func (f *STT) Add(name string, p stt.Provider) { f.group.Add(name, p) }

// StartStream implements [stt.Provider].
func (f *STT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Call(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTS fails over between synthesis backends per call.
type TTS struct {
	group *Group[tts.Provider]
}

var _ tts.Provider = (*TTS)(nil)

// NewTTS returns a TTS with primary as the preferred backend.
func NewTTS(name string, primary tts.Provider, cfg BreakerConfig) *TTS {
	return &TTS{group: NewGroup(name, primary, cfg)}
}

// Add registers a fallback backend.
func (f *TTS) Add(name string, p tts.Provider) { f.group.Add(name, p) }

// Synthesize implements [tts.Provider].
func (f *TTS) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	return Call(ctx, f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices implements [tts.Provider].
func (f *TTS) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return Call(ctx, f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// LLM fails over between completion backends. Only opening the stream is
// covered; errors reported inside the stream reach the caller as chunks.
type LLM struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM returns an LLM with primary as the preferred backend.
func NewLLM(name string, primary llm.Provider, cfg BreakerConfig) *LLM {
	return &LLM{group: NewGroup(name, primary, cfg)}
}

// Add registers a fallback backend.
func (f *LLM) Add(name string, p llm.Provider) { f.group.Add(name, p) }

// StreamCompletion implements [llm.Provider].
func (f *LLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}
