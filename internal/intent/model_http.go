package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xtrntr/brokercall/internal/models"
)

// HTTPModelClient calls the hosted utterance understanding model. Malformed
// or low-confidence output is expected occasionally; the parser validates
// everything this returns.
type HTTPModelClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPModelClient creates a model client with a per-request timeout.
func NewHTTPModelClient(baseURL, apiKey string, timeout time.Duration) *HTTPModelClient {
	return &HTTPModelClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type inferRequest struct {
	Utterance string              `json:"utterance"`
	Aliases   map[string]string   `json:"aliases,omitempty"`
	Prior     *models.TradeIntent `json:"prior_intent,omitempty"`
}

type inferResponse struct {
	IsTrade    bool    `json:"is_trade"`
	Action     string  `json:"action"`
	Ticker     string  `json:"ticker"`
	Quantity   string  `json:"quantity"`
	Confidence float64 `json:"confidence"`
}

// Infer sends the utterance and session context to the model.
func (c *HTTPModelClient) Infer(ctx context.Context, utterance string, sessCtx SessionContext) (Guess, error) {
	body, err := json.Marshal(inferRequest{
		Utterance: utterance,
		Aliases:   sessCtx.Aliases,
		Prior:     sessCtx.Prior,
	})
	if err != nil {
		return Guess{}, fmt.Errorf("encode inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/parse", bytes.NewReader(body))
	if err != nil {
		return Guess{}, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Guess{}, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Guess{}, fmt.Errorf("intent model returned %d", resp.StatusCode)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Guess{}, fmt.Errorf("decode inference response: %w", err)
	}
	return Guess{
		IsTrade:    out.IsTrade,
		Action:     out.Action,
		Ticker:     out.Ticker,
		Quantity:   out.Quantity,
		Confidence: out.Confidence,
	}, nil
}
