package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"treasury-agent/internal/config"
)

// Source reports a token's 24h price change as a signed percentage.
type Source interface {
	Change24h(ctx context.Context, token string) (float64, error)
}

type HTTPSource struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewHTTPSource(cfg config.PricesConfig, log *zap.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

func (s *HTTPSource) Change24h(ctx context.Context, token string) (float64, error) {
	url := fmt.Sprintf("%s/tokens/%s/stats", s.baseURL, strings.ToLower(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return 0, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var data struct {
		Change24h float64 `json:"change24h"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, err
	}
	return data.Change24h, nil
}
