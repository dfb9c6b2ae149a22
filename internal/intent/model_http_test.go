package intent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xtrntr/brokercall/internal/models"
)

func TestHTTPModelClient_Infer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/parse" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Utterance string              `json:"utterance"`
			Prior     *models.TradeIntent `json:"prior_intent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Utterance != "buy ten apple" {
			t.Errorf("unexpected utterance %q", req.Utterance)
		}
		if req.Prior == nil || req.Prior.Ticker != "AAPL" {
			t.Errorf("prior intent not forwarded: %+v", req.Prior)
		}
		w.Write([]byte(`{"is_trade":true,"action":"buy","ticker":"AAPL","quantity":"10","confidence":0.92}`))
	}))
	defer srv.Close()

	c := NewHTTPModelClient(srv.URL, "key", time.Second)
	guess, err := c.Infer(context.Background(), "buy ten apple", SessionContext{
		Prior: &models.TradeIntent{Action: models.ActionBuy, Ticker: "AAPL"},
	})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if !guess.IsTrade || guess.Ticker != "AAPL" || guess.Quantity != "10" || guess.Confidence != 0.92 {
		t.Errorf("unexpected guess: %+v", guess)
	}
}

func TestHTTPModelClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPModelClient(srv.URL, "key", time.Second)
	if _, err := c.Infer(context.Background(), "buy ten apple", SessionContext{}); err == nil {
		t.Error("expected error on 503")
	}
}
