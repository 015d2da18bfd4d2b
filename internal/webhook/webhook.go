package webhook

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"treasury-agent/internal/config"
	"treasury-agent/internal/engine"
	"treasury-agent/internal/metrics"
)

// Event is one indexed on-chain event. Events for other chains or with
// types outside the relevant set are dropped before evaluation.
type Event struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
	ChainID int64  `json:"chainId,omitempty"`
	Data    struct {
		User string `json:"user"`
	} `json:"data"`
}

type batch struct {
	Events []Event `json:"events"`
}

type batchResponse struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

type Handler struct {
	engine   *engine.Engine
	relevant map[string]bool
	chainID  int64
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewHandler(eng *engine.Engine, cfg config.WebhookConfig, chainID int64, m *metrics.Metrics, log *zap.Logger) *Handler {
	if m == nil {
		m = metrics.NewNoop()
	}
	relevant := make(map[string]bool, len(cfg.RelevantEvents))
	for _, eventType := range cfg.RelevantEvents {
		relevant[eventType] = true
	}
	return &Handler{
		engine:   eng,
		relevant: relevant,
		chainID:  chainID,
		metrics:  m,
		log:      log,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", h.handleBatch)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload batch
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	resp := batchResponse{}
	for _, event := range payload.Events {
		if !h.Accept(event) {
			resp.Skipped++
			continue
		}
		h.metrics.WebhookEvents.Inc()
		result := h.engine.Evaluate(r.Context(), event.Data.User, engine.EvalContext{
			Trigger: engine.TriggerWebhook,
			EventID: event.EventID,
		})
		if result.Error != "" {
			h.log.Warn("webhook evaluation failed",
				zap.String("user", event.Data.User),
				zap.String("event_id", event.EventID),
				zap.String("error", result.Error),
			)
		}
		resp.Processed++
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn("webhook response encode failed", zap.Error(err))
	}
}

// Accept reports whether an event should reach the evaluation path.
func (h *Handler) Accept(event Event) bool {
	if !h.relevant[event.Type] {
		return false
	}
	if event.ChainID != 0 && event.ChainID != h.chainID {
		return false
	}
	return event.Data.User != ""
}
