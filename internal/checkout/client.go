// Package checkout talks to the external card-payment provider: it
// creates checkout sessions for top-ups and verifies and decodes the
// provider's asynchronous confirmation notifications.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider-level error values.
var (
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrMalformedNotification = errors.New("malformed notification")
)

// Session is the provider's handle for a created checkout.
type Session struct {
	ID  string
	URL string
}

// Client creates checkout sessions. The session carries the user id as
// metadata the provider echoes back unmodified in the confirmation;
// the ledger is never touched here.
type Client interface {
	CreateSession(ctx context.Context, userID string, amount int64) (Session, error)
}

// HTTPClient calls the provider's REST API.
type HTTPClient struct {
	baseURL    string
	secretKey  string
	successURL string
	cancelURL  string
	httpClient *http.Client
}

// HTTPClientConfig configures a live provider client.
type HTTPClientConfig struct {
	BaseURL    string
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
}

// NewHTTPClient wires a live provider client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("provider secret key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// CreateSession posts a checkout session to the provider.
func (client *HTTPClient) CreateSession(ctx context.Context, userID string, amount int64) (Session, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("success_url", client.successURL)
	form.Set("cancel_url", client.cancelURL)
	form.Set("metadata[userId]", userID)
	form.Set("metadata[amount]", strconv.FormatInt(amount, 10))

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	request.Header.Set("Authorization", "Bearer "+client.secretKey)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if response.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, response.StatusCode)
	}
	var payload struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ID == "" {
		return Session{}, fmt.Errorf("%w: undecodable session response", ErrProviderUnavailable)
	}
	return Session{ID: payload.ID, URL: payload.URL}, nil
}

// Simulator stands in for the provider in tests and local runs. It
// hands out deterministic-looking session ids without any network and
// is injected through the same Client seam as the live client.
type Simulator struct {
	successURL string
}

// NewSimulator wires a simulated provider client.
func NewSimulator(successURL string) *Simulator {
	return &Simulator{successURL: successURL}
}

// CreateSession fabricates a session reference.
func (simulator *Simulator) CreateSession(_ context.Context, _ string, _ int64) (Session, error) {
	return Session{
		ID:  "sim_" + uuid.NewString(),
		URL: simulator.successURL,
	}, nil
}
