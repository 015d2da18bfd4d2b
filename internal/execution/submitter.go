package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSubmitter posts signed intents to the executor service.
type HTTPSubmitter struct {
	baseURL string
	http    *http.Client
}

func NewHTTPSubmitter(baseURL string, timeout time.Duration) *HTTPSubmitter {
	return &HTTPSubmitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type intentPayload struct {
	User           string `json:"user"`
	TokenIn        string `json:"tokenIn"`
	TokenOut       string `json:"tokenOut"`
	AmountIn       string `json:"amountIn"`
	MaxSlippageBps int    `json:"maxSlippageBps"`
	Deadline       int64  `json:"deadline"`
	StrategyID     string `json:"strategyId"`
	Nonce          uint64 `json:"nonce"`
	Signature      string `json:"signature"`
	Pool           string `json:"pool"`
}

func (s *HTTPSubmitter) SubmitIntent(ctx context.Context, intent Intent, signature, poolRef string) (string, error) {
	payload, err := json.Marshal(intentPayload{
		User:           intent.User,
		TokenIn:        intent.TokenIn,
		TokenOut:       intent.TokenOut,
		AmountIn:       intent.AmountIn.String(),
		MaxSlippageBps: intent.MaxSlippageBps,
		Deadline:       intent.Deadline,
		StrategyID:     intent.StrategyID,
		Nonce:          intent.Nonce,
		Signature:      signature,
		Pool:           poolRef,
	})
	if err != nil {
		return "", err
	}
	url := s.baseURL + "/intents"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.TxHash == "" {
		return "", errors.New("executor returned an empty tx hash")
	}
	return result.TxHash, nil
}
