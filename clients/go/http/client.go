// Package http provides an HTTP client for the togglez edge server.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	togglez "github.com/matt-riley/togglez/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the togglez server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format. Empty sends no
	// Authorization header.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements togglez.Evaluator, togglez.Inspector, and togglez.Watcher over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the togglez server.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireEvaluateReq struct {
	Key          string                    `json:"key,omitempty"`
	Context      *togglez.Context          `json:"context,omitempty"`
	DefaultValue bool                      `json:"default_value,omitempty"`
	Requests     []togglez.EvaluateRequest `json:"requests,omitempty"`
}

type wireEvaluateResp struct {
	Results []togglez.EvaluateResult `json:"results"`
}

type wireVariantReq struct {
	Key     string          `json:"key"`
	Context togglez.Context `json:"context"`
}

type wireFeaturesResp struct {
	Features []togglez.Feature `json:"features"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("togglez: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("togglez: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("togglez: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("togglez: decode response: %w", err)
	}
	return nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("togglez: HTTP %d: %s", e.StatusCode, e.Message)
}

// readAPIError prefers the server's {"error": "..."} message over the raw body.
func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, key string, evalCtx togglez.Context, defaultValue bool) (bool, error) {
	body := wireEvaluateReq{
		Key:          key,
		Context:      &evalCtx,
		DefaultValue: defaultValue,
	}
	var out wireEvaluateResp
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate", body, &out); err != nil {
		return defaultValue, err
	}
	if len(out.Results) != 1 {
		return defaultValue, fmt.Errorf("togglez: expected 1 result, got %d", len(out.Results))
	}
	return out.Results[0].Value, nil
}

func (c *Client) EvaluateBatch(ctx context.Context, reqs []togglez.EvaluateRequest) ([]togglez.EvaluateResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	var out wireEvaluateResp
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Requests: reqs}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) GetVariant(ctx context.Context, key string, evalCtx togglez.Context) (togglez.Variant, error) {
	var out togglez.Variant
	if err := c.doJSON(ctx, http.MethodPost, "/v1/variant", wireVariantReq{Key: key, Context: evalCtx}, &out); err != nil {
		return togglez.Variant{Name: "disabled"}, err
	}
	return out, nil
}

// -- Inspector ---------------------------------------------------------------

func (c *Client) ListFeatures(ctx context.Context) ([]togglez.Feature, error) {
	var out wireFeaturesResp
	if err := c.doJSON(ctx, http.MethodGet, "/v1/features", nil, &out); err != nil {
		return nil, err
	}
	return out.Features, nil
}

func (c *Client) GetFeature(ctx context.Context, name string) (togglez.Feature, error) {
	var out togglez.Feature
	if err := c.doJSON(ctx, http.MethodGet, "/v1/features/"+url.PathEscape(name), nil, &out); err != nil {
		return togglez.Feature{}, err
	}
	return out, nil
}

// Ready reports the server's readiness status. A server that has not
// loaded definitions yet answers 503, which is returned as an [*APIError].
func (c *Client) Ready(ctx context.Context) (togglez.Status, error) {
	var out togglez.Status
	err := c.doJSON(ctx, http.MethodGet, "/readyz", nil, &out)
	return out, err
}

// -- Watcher -----------------------------------------------------------------

// Watch connects to the SSE stream and emits a Status for every generation
// event. The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Watch(ctx context.Context, lastGeneration uint64) (<-chan togglez.Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastGeneration > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastGeneration, 10))
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan togglez.Status, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads id, event and data fields from r and sends a Status for
// each "generation" event. Data lines are joined with newlines; events with
// undecodable data are skipped.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- togglez.Status) {
	var (
		eventType string
		dataLines []string
		eventID   uint64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 && (eventType == "" || eventType == "generation") {
				var status togglez.Status
				if jsonErr := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &status); jsonErr == nil {
					if status.Generation == 0 {
						status.Generation = eventID
					}
					select {
					case ch <- status:
					case <-ctx.Done():
						return
					}
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
