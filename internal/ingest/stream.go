package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"treasury-agent/internal/config"
	"treasury-agent/internal/engine"
	"treasury-agent/internal/webhook"
)

var subscribeMessage = map[string]any{"method": "subscribe", "channel": "events"}
var pingMessage = map[string]any{"method": "ping"}

// Stream consumes indexed event batches over a reconnecting websocket
// and feeds them through the same evaluation path as the webhook
// endpoint.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	engine         *engine.Engine
	filter         *webhook.Handler
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStream(cfg config.IngestConfig, eng *engine.Engine, filter *webhook.Handler, log *zap.Logger) *Stream {
	return &Stream{
		url:            cfg.URL,
		reconnectDelay: cfg.ReconnectDelay,
		pingInterval:   cfg.PingInterval,
		engine:         eng,
		filter:         filter,
		log:            log,
	}
}

// Run blocks until the context is cancelled, reconnecting after read
// failures.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("indexer stream connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.reconnectDelay):
			}
			continue
		}

		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			s.pingLoop(pingCtx)
		}()

		err := s.readLoop(ctx)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("indexer stream read loop ended", zap.Error(err))
		s.reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	if err := writeJSON(ctx, conn, subscribeMessage); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return err
	}
	s.conn = conn
	return nil
}

func (s *Stream) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("indexer stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handleBatch(ctx, data)
	}
}

func (s *Stream) handleBatch(ctx context.Context, data []byte) {
	var payload struct {
		Events []webhook.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("unparseable indexer batch", zap.Error(err))
		return
	}
	for _, event := range payload.Events {
		if !s.filter.Accept(event) {
			continue
		}
		result := s.engine.Evaluate(ctx, event.Data.User, engine.EvalContext{
			Trigger: engine.TriggerWebhook,
			EventID: event.EventID,
		})
		if result.Error != "" {
			s.log.Warn("stream evaluation failed",
				zap.String("user", event.Data.User),
				zap.String("event_id", event.EventID),
				zap.String("error", result.Error),
			)
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
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

func (s *Stream) reset() {
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
