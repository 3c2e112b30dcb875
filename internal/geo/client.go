package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/swaploop/internal/circuitbreaker"
)

const (
	defaultTimeout = 8 * time.Second
	// tokenSlack renews the auth token slightly before the provider expiry.
	tokenSlack = 2 * time.Minute

	breakerKey = "geocoder"
)

// ClientConfig configures the HTTP geocoder.
type ClientConfig struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration
}

// Client is an HTTP geocoder with an owned auth-token cache. The token is
// fetched lazily and refreshed once its expiry (minus slack) passes; there
// is no process-wide token state.
type Client struct {
	cfg     ClientConfig
	httpc   *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient creates an HTTP geocoder client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	// Expiry is a unix timestamp in seconds.
	Expiry json.Number `json:"expiry_timestamp"`
}

type searchResponse struct {
	Found   int `json:"found"`
	Results []struct {
		Latitude  string `json:"LATITUDE"`
		Longitude string `json:"LONGITUDE"`
	} `json:"results"`
}

// Lookup resolves query to a coordinate via the search endpoint.
func (c *Client) Lookup(ctx context.Context, query string) (Point, error) {
	if !c.breaker.Allow(breakerKey) {
		return Point{}, ErrUnavailable
	}

	token, err := c.authToken(ctx)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return Point{}, err
	}

	u := fmt.Sprintf("%s/common/elastic/search?searchVal=%s&returnGeom=Y&getAddrDetails=N",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Point{}, fmt.Errorf("build geocode request: %w", err)
	}
	req.Header.Set("Authorization", token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return Point{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure(breakerKey)
		return Point{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.breaker.RecordFailure(breakerKey)
		return Point{}, fmt.Errorf("decode geocode response: %w", err)
	}
	c.breaker.RecordSuccess(breakerKey)

	if body.Found == 0 || len(body.Results) == 0 {
		return Point{}, ErrNotFound
	}

	lat, err1 := strconv.ParseFloat(body.Results[0].Latitude, 64)
	lng, err2 := strconv.ParseFloat(body.Results[0].Longitude, 64)
	if err1 != nil || err2 != nil {
		return Point{}, fmt.Errorf("geocode result has malformed coordinates")
	}

	return Point{Lat: lat, Lng: lng}, nil
}

// authToken returns a cached token, fetching a fresh one when the cached
// value is missing or within tokenSlack of expiry.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Add(tokenSlack).Before(c.tokenExp) {
		return c.token, nil
	}

	payload := fmt.Sprintf(`{"email":%q,"password":%q}`, c.cfg.Email, c.cfg.Password)
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/auth/post/getToken"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token status %d", ErrUnavailable, resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnavailable)
	}

	exp := time.Now().Add(30 * time.Minute)
	if secs, err := body.Expiry.Int64(); err == nil && secs > 0 {
		exp = time.Unix(secs, 0)
	}

	c.token = body.AccessToken
	c.tokenExp = exp
	c.logger.Debug("geocoder token refreshed", "expires_at", exp)

	return c.token, nil
}
