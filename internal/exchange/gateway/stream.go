package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// stream is a reconnecting websocket that replays its subscriptions after
// every reconnect and keeps the connection alive with pings.
type stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []any
}

func newStream(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *stream {
	return &stream{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (s *stream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// subscribe records sub and sends it right away when connected.
func (s *stream) subscribe(ctx context.Context, sub any) error {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// run reads frames into handler until ctx is done, reconnecting after every
// failure.
func (s *stream) run(ctx context.Context, handler func([]byte)) error {
	for {
		if err := s.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("ws connect failed", zap.String("url", s.url), zap.Error(err))
			if !sleep(ctx, s.reconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			s.pingLoop(pingCtx)
		}()
		err := s.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			s.resetConn()
			return ctx.Err()
		}
		s.logReadLoopError(err)
		s.resetConn()
		if !sleep(ctx, s.reconnectDelay) {
			return ctx.Err()
		}
	}
}

func (s *stream) ensureConnected(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	subs := append([]any(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			s.resetConn()
			return err
		}
	}
	return nil
}

func (s *stream) readLoop(ctx context.Context, handler func([]byte)) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(data)
		}
	}
}

func (s *stream) pingLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	interval := s.pingInterval
	s.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (s *stream) logReadLoopError(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			s.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	s.log.Warn("ws read loop ended", zap.Error(err))
}

func (s *stream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var pingMessage = map[string]any{"op": "ping"}

type subscription struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol,omitempty"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}
