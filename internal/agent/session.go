package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// request is sent from the control plane to an agent.
type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// response is the agent's reply to a request.
type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// session is one live agent connection.
type session struct {
	login string
	conn  *websocket.Conn
	log   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(login string, conn *websocket.Conn, logger *slog.Logger) *session {
	return &session{
		login:   login,
		conn:    conn,
		log:     logger.With("agent_login", login),
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}
}

// call sends method to the agent and decodes the reply into result when non-nil.
func (s *session) call(ctx context.Context, method string, params any, result any) error {
	id := uuid.NewString()
	ch := make(chan response, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer s.forget(id)

	if err := s.write(request{ID: id, Method: method, Params: params}); err != nil {
		s.close()
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

func (s *session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// deliver routes a response to its waiting caller.
func (s *session) deliver(resp response) bool {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// readLoop consumes frames until the connection fails.
func (s *session) readLoop(pongWait time.Duration) {
	defer s.close()
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var resp response
		if err := s.conn.ReadJSON(&resp); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("agent connection lost", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if resp.ID == "" || !s.deliver(resp) {
			s.log.Debug("unsolicited agent frame ignored", "id", resp.ID)
		}
	}
}

func (s *session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.log.Warn("agent ping failed", "error", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}
