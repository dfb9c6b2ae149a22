package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RestProvider places outbound calls through the telephony provider's REST
// API. Status changes, speech, and recordings come back asynchronously as
// webhooks to the callback base URL.
type RestProvider struct {
	baseURL      string
	accountID    string
	authToken    string
	fromNumber   string
	callbackBase string
	client       *http.Client
}

// NewRestProvider creates a telephony client. callbackBase is this server's
// externally reachable URL.
func NewRestProvider(baseURL, accountID, authToken, fromNumber, callbackBase string) *RestProvider {
	return &RestProvider{
		baseURL:      baseURL,
		accountID:    accountID,
		authToken:    authToken,
		fromNumber:   fromNumber,
		callbackBase: callbackBase,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

// PlaceCall asks the provider to dial the number and returns the provider's
// call id.
func (p *RestProvider) PlaceCall(ctx context.Context, to string, sessionID string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", p.fromNumber)
	form.Set("ConnectUrl", p.callbackBase+"/api/calls/connect")
	form.Set("StatusCallback", p.callbackBase+"/api/calls/webhook")
	form.Set("RecordingCallback", p.callbackBase+"/api/calls/recording")
	form.Set("SessionRef", sessionID)

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/calls", p.baseURL, url.PathEscape(p.accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.accountID, p.authToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("telephony request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("telephony provider returned %d", resp.StatusCode)
	}

	var out struct {
		CallID string `json:"call_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode telephony response: %w", err)
	}
	if out.CallID == "" {
		return "", fmt.Errorf("telephony provider returned empty call id")
	}
	return out.CallID, nil
}
