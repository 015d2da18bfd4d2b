package webhook

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"treasury-agent/internal/auth"
	"treasury-agent/internal/config"
	"treasury-agent/internal/drift"
	"treasury-agent/internal/engine"
	"treasury-agent/internal/execution"
	"treasury-agent/internal/policy"
	"treasury-agent/internal/spend"
	"treasury-agent/internal/state/memory"
)

type stubBalances struct{}

func (stubBalances) Balance(_ context.Context, _, _ string) (*big.Int, error) {
	return big.NewInt(0), nil
}

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(_ context.Context, _ execution.Request) execution.Result {
	return execution.Result{Success: true, Mode: execution.ModeIntent}
}

func newHandler(t *testing.T) *Handler {
	t.Helper()
	kv := memory.New()
	log := zap.NewNop()
	tracker := spend.NewTracker(kv, log)
	validator := auth.NewValidator(kv, tracker)
	policies := policy.NewStore(kv)
	detector := drift.NewDetector(stubBalances{}, log)
	eng := engine.New(kv, policies, detector, validator, tracker, stubDispatcher{}, nil,
		config.EngineConfig{TradeEstimateUSD: 1000, StateTTL: time.Hour}, log)

	cfg := config.WebhookConfig{
		RelevantEvents: []string{"token.transfer", "pool.swap", "fees.accrued"},
	}
	return NewHandler(eng, cfg, 8453, nil, log)
}

func postBatch(t *testing.T, handler *Handler, body string) batchResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestHandleBatchFiltersIrrelevantEvents(t *testing.T) {
	handler := newHandler(t)
	resp := postBatch(t, handler, `{"events":[
		{"type":"token.transfer","eventId":"e1","data":{"user":"0xalice"}},
		{"type":"nft.minted","eventId":"e2","data":{"user":"0xbob"}},
		{"type":"pool.swap","eventId":"e3","chainId":1,"data":{"user":"0xcarol"}},
		{"type":"fees.accrued","eventId":"e4","data":{}}
	]}`)
	if resp.Processed != 1 || resp.Skipped != 3 {
		t.Fatalf("expected 1 processed / 3 skipped, got %+v", resp)
	}
}

func TestHandleBatchAcceptsMatchingChain(t *testing.T) {
	handler := newHandler(t)
	resp := postBatch(t, handler, `{"events":[
		{"type":"pool.swap","eventId":"e1","chainId":8453,"data":{"user":"0xalice"}}
	]}`)
	if resp.Processed != 1 {
		t.Fatalf("expected chain-matched event processed, got %+v", resp)
	}
}

func TestHandleBatchRejectsNonPost(t *testing.T) {
	handler := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleBatchRejectsBadPayload(t *testing.T) {
	handler := newHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
