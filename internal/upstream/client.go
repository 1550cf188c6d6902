// Package upstream talks to an Unleash-compatible API server: it fetches flag
// definitions, registers this instance and submits usage metrics.
package upstream

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

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/togglez/internal/core"
)

// SDKVersion is reported to the upstream server on every request.
const SDKVersion = "togglez:1.0.0"

const (
	defaultTimeout      = 10 * time.Second
	maxFeaturesBodySize = 32 << 20

	headerAppName      = "UNLEASH-APPNAME"
	headerInstanceID   = "UNLEASH-INSTANCEID"
	headerConnectionID = "UNLEASH-CONNECTION-ID"
	headerSDK          = "UNLEASH-SDK"
)

// ErrEmptyPayload is returned when the server answers 200 with no body.
var ErrEmptyPayload = errors.New("upstream returned an empty features payload")

// ErrPayloadTooLarge is returned when the features body exceeds
// [Config.MaxPayloadBytes].
var ErrPayloadTooLarge = errors.New("upstream features payload too large")

// Config holds configuration for the upstream client.
type Config struct {
	// BaseURL is the API root, e.g. "https://unleash.example.com/api".
	BaseURL string
	// APIKey is sent verbatim in the Authorization header.
	APIKey      string
	AppName     string
	InstanceID  string
	Environment string
	// HTTPClient is optional; the default client traces requests with
	// otelhttp.
	HTTPClient *http.Client
	// MaxPayloadBytes caps the features body. Zero means 32 MiB.
	MaxPayloadBytes int64
}

// Client implements the fetch, register and metrics calls of the client API.
type Client struct {
	cfg          Config
	connectionID string
	httpClient   *http.Client
}

// New returns a client for the upstream server.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = maxFeaturesBodySize
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		cfg:          cfg,
		connectionID: uuid.NewString(),
		httpClient:   hc,
	}
}

// ConnectionID identifies this client instance for the lifetime of the
// process.
func (c *Client) ConnectionID() string { return c.connectionID }

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream: HTTP %d: %s", e.StatusCode, e.Message)
}

// FetchResult is the outcome of [Client.FetchFeatures].
type FetchResult struct {
	// NotModified is set when the server answered 304 for the given ETag.
	NotModified bool
	ETag        string
	// Payload is the raw response body, kept for backups.
	Payload  []byte
	Features core.Features
}

// FetchFeatures downloads the flag definitions. When etag is non-empty it is
// sent as If-None-Match and a 304 answer is reported as NotModified.
func (c *Client) FetchFeatures(ctx context.Context, etag string) (FetchResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/client/features", nil)
	if err != nil {
		return FetchResult{}, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("upstream: fetch features: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return FetchResult{NotModified: true, ETag: etag}, nil
	}
	if resp.StatusCode >= 400 {
		return FetchResult{}, readAPIError(resp)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxPayloadBytes+1))
	if err != nil {
		return FetchResult{}, fmt.Errorf("upstream: read features: %w", err)
	}
	if int64(len(payload)) > c.cfg.MaxPayloadBytes {
		return FetchResult{}, fmt.Errorf("%w: exceeds %d bytes", ErrPayloadTooLarge, c.cfg.MaxPayloadBytes)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return FetchResult{}, ErrEmptyPayload
	}

	features, err := core.ParseFeatures(payload)
	if err != nil {
		return FetchResult{}, fmt.Errorf("upstream: %w", err)
	}

	return FetchResult{
		ETag:     resp.Header.Get("ETag"),
		Payload:  payload,
		Features: features,
	}, nil
}

// Registration announces this instance to the upstream server.
type Registration struct {
	AppName      string    `json:"appName"`
	InstanceID   string    `json:"instanceId"`
	ConnectionID string    `json:"connectionId"`
	SDKVersion   string    `json:"sdkVersion"`
	Environment  string    `json:"environment,omitempty"`
	Strategies   []string  `json:"strategies"`
	Started      time.Time `json:"started"`
	Interval     int64     `json:"interval"`
}

// Register posts the registration payload. Identity fields left empty are
// filled from the client configuration.
func (c *Client) Register(ctx context.Context, registration Registration) error {
	if registration.AppName == "" {
		registration.AppName = c.cfg.AppName
	}
	if registration.InstanceID == "" {
		registration.InstanceID = c.cfg.InstanceID
	}
	if registration.Environment == "" {
		registration.Environment = c.cfg.Environment
	}
	registration.ConnectionID = c.connectionID
	registration.SDKVersion = SDKVersion

	return c.post(ctx, "/client/register", registration)
}

// Bucket is one metrics window.
type Bucket struct {
	Start   time.Time              `json:"start"`
	Stop    time.Time              `json:"stop"`
	Toggles map[string]core.Counts `json:"toggles"`
}

type metricsPayload struct {
	AppName      string `json:"appName"`
	InstanceID   string `json:"instanceId"`
	ConnectionID string `json:"connectionId"`
	Environment  string `json:"environment,omitempty"`
	Bucket       Bucket `json:"bucket"`
}

// SendMetrics posts one metrics bucket.
func (c *Client) SendMetrics(ctx context.Context, bucket Bucket) error {
	return c.post(ctx, "/client/metrics", metricsPayload{
		AppName:      c.cfg.AppName,
		InstanceID:   c.cfg.InstanceID,
		ConnectionID: c.connectionID,
		Environment:  c.cfg.Environment,
		Bucket:       bucket,
	})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("upstream: marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.AppName)
	req.Header.Set(headerAppName, c.cfg.AppName)
	req.Header.Set(headerInstanceID, c.cfg.InstanceID)
	req.Header.Set(headerConnectionID, c.connectionID)
	req.Header.Set(headerSDK, SDKVersion)
	return req, nil
}

func readAPIError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
}
