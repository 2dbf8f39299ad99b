package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/platform/eventbus"
	"github.com/ehr/careflow/internal/platform/websocket"
)

// ErrNotConnected is returned by Broadcast while no stream is open.
var ErrNotConnected = errors.New("hint stream not connected")

const streamWriteWait = 10 * time.Second

// Stream is the viewer side of the server's hint stream. It implements
// eventbus.Broadcaster, so a viewer's Bus reaches other sessions through it.
type Stream struct {
	url    string
	header http.Header
	dialer *gorillawebsocket.Dialer
	logger zerolog.Logger

	mu   sync.Mutex
	conn *gorillawebsocket.Conn
}

func NewStream(url string, header http.Header, logger zerolog.Logger) *Stream {
	return &Stream{
		url:    url,
		header: header,
		dialer: &gorillawebsocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// Connected reports whether a stream is open.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Stream) Broadcast(ctx context.Context, e eventbus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(streamWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(websocket.ClientMessage{Action: "publish", Event: &e})
}

// Listen dials the stream and delivers hints to fn until ctx is done or the
// connection drops.
func (s *Stream) Listen(ctx context.Context, fn func(eventbus.Event)) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("dial hint stream: %w", ErrUnauthorized)
		}
		return fmt.Errorf("dial hint stream: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()
	s.logger.Debug().Str("url", s.url).Msg("hint stream connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read hint stream: %w", err)
		}
		var e eventbus.Event
		if err := json.Unmarshal(data, &e); err != nil || e.Type == "" {
			s.logger.Debug().Msg("dropping malformed hint")
			continue
		}
		fn(e)
	}
}
