package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/livinlefevreloca/tether/internal/record"
)

// Config defines how to reach the remote record endpoint
type Config struct {
	BaseURL string        `toml:"base_url"`
	Token   string        `toml:"token"`
	Timeout time.Duration `toml:"timeout"`
}

// DefaultConfig returns remote defaults
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8081",
		Timeout: 10 * time.Second,
	}
}

// validateConfig validates remote configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.BaseURL == "" {
		return fmt.Errorf("BaseURL is required")
	}
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BaseURL must be an absolute URL, got %q", config.BaseURL)
	}
	if config.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", config.Timeout)
	}
	return nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}

// HTTPClient talks to a remote over HTTP
//
//	GET  {base}/records/{id}
//	POST {base}/records/{id}/operations
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPClient creates a client for the configured endpoint
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return &HTTPClient{
		base:   strings.TrimRight(config.BaseURL, "/"),
		token:  config.Token,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

var _ Remote = (*HTTPClient)(nil)

type errorBody struct {
	Error string `json:"error"`
}

func (c *HTTPClient) Fetch(ctx context.Context, id string) (*record.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(id), nil)
	if err != nil {
		return nil, NewError(KindPermanent, "fetch", id, err)
	}
	return c.do(req, "fetch", id)
}

func (c *HTTPClient) Apply(ctx context.Context, op Operation) (*record.Record, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, NewError(KindPermanent, "apply", op.RecordID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recordURL(op.RecordID)+"/operations", bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindPermanent, "apply", op.RecordID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "apply", op.RecordID)
}

func (c *HTTPClient) recordURL(id string) string {
	return c.base + "/records/" + url.PathEscape(id)
}

func (c *HTTPClient) do(req *http.Request, op, id string) (*record.Record, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts, refused connections and cancellations all retry
		return nil, NewError(KindTransient, op, id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, NewError(KindTransient, op, id, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var r record.Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, NewError(KindTransient, op, id, fmt.Errorf("malformed response: %w", err))
		}
		return &r, nil
	}

	var eb errorBody
	json.Unmarshal(data, &eb)
	cause := errors.New(http.StatusText(resp.StatusCode))
	if eb.Error != "" {
		cause = errors.New(eb.Error)
	}

	e := NewError(classify(resp.StatusCode), op, id, cause)
	e.StatusCode = resp.StatusCode
	return nil, e
}

// classify maps an HTTP status onto the error taxonomy
func classify(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return KindConflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 400 && status < 500:
		return KindPermanent
	default:
		return KindTransient
	}
}
