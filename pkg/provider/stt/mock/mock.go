// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out a fresh Session for every StartStream call and keeps them
// in order, so tests can drive each sub-stream independently:
//
//	p := &mock.Provider{}
//	// ... code under test calls StartStream ...
//	sess := p.WaitSession(t, 0, time.Second)
//	sess.Final("hello there")
package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// FailStarts makes the next FailStarts calls return StartStreamErr (or a
	// generic error when StartStreamErr is nil) before succeeding.
	FailStarts int

	// SendAudioErr is copied into every new Session.
	SendAudioErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns a new Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.FailStarts > 0 {
		p.FailStarts--
		if p.StartStreamErr != nil {
			return nil, p.StartStreamErr
		}
		return nil, errors.New("mock: start failed")
	}
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	s.SendAudioErr = p.SendAudioErr
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns a snapshot of every Session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Calls returns a copy of the recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// WaitSession blocks until the i-th Session exists or fails the test.
func (p *Provider) WaitSession(t testing.TB, i int, timeout time.Duration) *Session {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s := p.Sessions(); len(s) > i {
			return s[i]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("mock stt: session %d was never started", i)
	return nil
}

// Reset clears all recorded calls and sessions. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.sessions = nil
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	partials chan types.Transcript
	finals   chan types.Transcript
	closed   bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, 16),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// Partials returns the interim channel.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the final channel.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// Partial emits an interim transcript. No-op after Close.
func (s *Session) Partial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.partials <- types.Transcript{Text: text}
	}
}

// Final emits a committed transcript. No-op after Close.
func (s *Session) Final(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.finals <- types.Transcript{Text: text, IsFinal: true}
	}
}

// Drop closes both transcript channels without a Close call, simulating a
// provider connection loss.
func (s *Session) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
}

// BytesSent returns the total number of audio bytes received.
func (s *Session) BytesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.SendAudioCalls {
		n += len(c)
	}
	return n
}

// Closed reports whether Close (or Drop) has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close records the call and closes both channels.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}
