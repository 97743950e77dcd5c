package deepgram

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/types"
)

// Control messages of the live API.
var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

const closeTimeout = 2 * time.Second

// stream implements [stt.SessionHandle]. A single writer goroutine owns the
// socket's write side until Close.
type stream struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func startStream(ctx context.Context, conn *websocket.Conn, keepAlive time.Duration) *stream {
	// The socket outlives the dial; it ends on Close or when ctx does.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	s := &stream{
		conn:     conn,
		cancel:   func() { stop(); cancel() },
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.read(sctx)
	go s.write(sctx, keepAlive)
	return s
}

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.closed:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closed:
		return stt.ErrSessionClosed
	}
}

func (s *stream) Partials() <-chan types.Transcript { return s.partials }

func (s *stream) Finals() <-chan types.Transcript { return s.finals }

// Close flushes queued audio, asks Deepgram to finalize and closes the
// socket.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.wg.Wait()
		s.cancel()
	})
	return nil
}

// write forwards audio and keeps an idle socket alive. After Close it drains
// the queue, sends CloseStream and closes the socket, which ends read.
func (s *stream) write(ctx context.Context, keepAlive time.Duration) {
	defer s.wg.Done()
	defer s.conn.Close(websocket.StatusNormalClosure, "stream closed")

	var tick <-chan time.Time
	if keepAlive > 0 {
		t := time.NewTicker(keepAlive)
		defer t.Stop()
		tick = t.C
	}
	send := func(typ websocket.MessageType, b []byte) bool {
		return s.conn.Write(ctx, typ, b) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-s.audio:
			if !send(websocket.MessageBinary, chunk) {
				return
			}
		case <-tick:
			if len(s.audio) == 0 && !send(websocket.MessageText, msgKeepAlive) {
				return
			}
		case <-s.closed:
			for len(s.audio) > 0 {
				if !send(websocket.MessageBinary, <-s.audio) {
					return
				}
			}
			wctx, cancel := context.WithTimeout(ctx, closeTimeout)
			_ = s.conn.Write(wctx, websocket.MessageText, msgCloseStream)
			cancel()
			return
		}
	}
}

// read dispatches results until the socket ends, then closes both
// transcript channels.
func (s *stream) read(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		t, ok := parseResult(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.closed:
			// Nobody reads after Close; keep draining so the socket can
			// finish its close handshake.
		}
	}
}

type result struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResult decodes a Results message. Other message types and empty
// alternatives report false.
func parseResult(data []byte) (types.Transcript, bool) {
	var r result
	if json.Unmarshal(data, &r) != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}
	alt := r.Channel.Alternatives[0]
	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: alt.Confidence,
		Timestamp:  seconds(r.Start),
		Duration:   seconds(r.Duration),
	}, true
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }
