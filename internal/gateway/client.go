package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Intent is the gateway-side payment order: an authorized amount awaiting
// capture. Amount is in the gateway's minor currency unit.
type Intent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// IntentCreator is what the payment handlers consume, so tests can substitute
// a fake gateway.
type IntentCreator interface {
	CreateIntent(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Intent, error)
}

type Client struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	HTTP      *http.Client
}

func NewClient(keyID, keySecret, baseURL string) *Client {
	return &Client{
		KeyID:     keyID,
		KeySecret: keySecret,
		BaseURL:   baseURL,
		// Bounded timeout, no retries: a failed call surfaces to the caller,
		// who retries the whole flow.
		HTTP: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CreateIntent(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Intent, error) {
	body := map[string]interface{}{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("gateway: encode intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/orders", &buf)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: create intent: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("gateway: create intent: status %d: %s", res.StatusCode, raw)
	}

	var intent Intent
	if err := json.NewDecoder(res.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("gateway: decode intent: %w", err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("gateway: intent response missing id")
	}
	return &intent, nil
}
