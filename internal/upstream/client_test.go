package upstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/togglez/internal/core"
	"github.com/matt-riley/togglez/internal/upstream"
)

const featuresJSON = `{"version":2,"features":[{"name":"new-ui","enabled":true,"strategies":[{"name":"default"}]}]}`

func newTestServer(t *testing.T, handler http.HandlerFunc) *upstream.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return upstream.New(upstream.Config{
		BaseURL:     srv.URL + "/api/",
		APIKey:      "default:development.secret",
		AppName:     "edge",
		InstanceID:  "instance-1",
		Environment: "development",
	})
}

func assertIdentity(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != "default:development.secret" {
		t.Errorf("Authorization = %q, want raw api key", got)
	}
	if got := r.Header.Get("UNLEASH-APPNAME"); got != "edge" {
		t.Errorf("UNLEASH-APPNAME = %q, want edge", got)
	}
	if got := r.Header.Get("UNLEASH-INSTANCEID"); got != "instance-1" {
		t.Errorf("UNLEASH-INSTANCEID = %q, want instance-1", got)
	}
	if _, err := uuid.Parse(r.Header.Get("UNLEASH-CONNECTION-ID")); err != nil {
		t.Errorf("UNLEASH-CONNECTION-ID = %q, want uuid", r.Header.Get("UNLEASH-CONNECTION-ID"))
	}
}

func TestFetchFeatures(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertIdentity(t, r)
		if r.Method != http.MethodGet || r.URL.Path != "/api/client/features" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("If-None-Match"); got != "" {
			t.Errorf("If-None-Match = %q, want empty on first fetch", got)
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, featuresJSON)
	})

	result, err := c.FetchFeatures(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchFeatures() error = %v", err)
	}
	if result.NotModified {
		t.Fatal("FetchFeatures().NotModified = true, want false")
	}
	if result.ETag != `"v1"` {
		t.Fatalf("FetchFeatures().ETag = %q, want %q", result.ETag, `"v1"`)
	}
	if len(result.Features.Features) != 1 || result.Features.Features[0].Name != "new-ui" {
		t.Fatalf("FetchFeatures().Features = %+v", result.Features)
	}
	if string(result.Payload) != featuresJSON {
		t.Fatalf("FetchFeatures().Payload = %s, want raw body", result.Payload)
	}
}

func TestFetchFeaturesNotModified(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("If-None-Match"); got != `"v1"` {
			t.Errorf("If-None-Match = %q, want %q", got, `"v1"`)
		}
		w.WriteHeader(http.StatusNotModified)
	})

	result, err := c.FetchFeatures(context.Background(), `"v1"`)
	if err != nil {
		t.Fatalf("FetchFeatures() error = %v", err)
	}
	if !result.NotModified || result.ETag != `"v1"` {
		t.Fatalf("FetchFeatures() = %+v, want not modified with same etag", result)
	}
}

func TestFetchFeaturesErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad token", http.StatusUnauthorized)
			},
			check: func(t *testing.T, err error) {
				var apiErr *upstream.APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "bad token" {
					t.Fatalf("error = %v, want 401 APIError", err)
				}
			},
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, upstream.ErrEmptyPayload) {
					t.Fatalf("error = %v, want ErrEmptyPayload", err)
				}
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"features":`)
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, core.ErrInvalidDefinitions) {
					t.Fatalf("error = %v, want ErrInvalidDefinitions", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, tt.handler)
			_, err := c.FetchFeatures(context.Background(), "")
			if err == nil {
				t.Fatal("FetchFeatures() error = nil, want error")
			}
			tt.check(t, err)
		})
	}
}

func TestFetchFeaturesPayloadLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, featuresJSON)
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name    string
		limit   int64
		wantErr bool
	}{
		{name: "one byte short", limit: int64(len(featuresJSON)) - 1, wantErr: true},
		{name: "exact fit", limit: int64(len(featuresJSON))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := upstream.New(upstream.Config{BaseURL: srv.URL, MaxPayloadBytes: tt.limit})
			result, err := c.FetchFeatures(context.Background(), "")
			if tt.wantErr {
				if !errors.Is(err, upstream.ErrPayloadTooLarge) {
					t.Fatalf("FetchFeatures() error = %v, want ErrPayloadTooLarge", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchFeatures() error = %v", err)
			}
			if string(result.Payload) != featuresJSON {
				t.Fatalf("FetchFeatures().Payload = %s, want full body", result.Payload)
			}
		})
	}
}

func TestFetchFeaturesKeepsGoodEntries(t *testing.T) {
	body := `{"version":2,"features":[
		{"name":"new-ui","enabled":true,"strategies":[{"name":"default"}]},
		{"name":"checkout","enabled":true,"strategies":[{"name":"default","parameters":{"rollout":{"x":1}}}]}
	]}`
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})

	result, err := c.FetchFeatures(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchFeatures() error = %v", err)
	}
	if len(result.Features.Features) != 2 {
		t.Fatalf("FetchFeatures().Features = %+v, want 2 entries", result.Features.Features)
	}
	if len(result.Features.Warnings) != 1 || !errors.Is(result.Features.Warnings[0], core.ErrInvalidDefinitions) {
		t.Fatalf("FetchFeatures().Warnings = %v, want one invalid-definitions warning", result.Features.Warnings)
	}
	snapshot, _ := core.Compile(result.Features)
	registry := core.NewRegistry()
	registry.Replace(snapshot)
	if !registry.IsEnabled("new-ui", core.Context{}, nil) {
		t.Fatal("IsEnabled(new-ui) = false, want true")
	}
	if registry.IsEnabled("checkout", core.Context{}, core.FallbackValue(true)) {
		t.Fatal("IsEnabled(checkout) = true, want false for malformed definition")
	}
}

func TestFetchFeaturesConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := upstream.New(upstream.Config{BaseURL: srv.URL})
	if _, err := c.FetchFeatures(context.Background(), ""); err == nil {
		t.Fatal("FetchFeatures() error = nil, want connection error")
	}
}

func TestRegister(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var c *upstream.Client
	c = newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertIdentity(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/api/client/register" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}

		var body upstream.Registration
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.AppName != "edge" || body.InstanceID != "instance-1" || body.Environment != "development" {
			t.Errorf("identity = %+v", body)
		}
		if body.ConnectionID != c.ConnectionID() || body.SDKVersion != upstream.SDKVersion {
			t.Errorf("connection/sdk = %q/%q", body.ConnectionID, body.SDKVersion)
		}
		if !body.Started.Equal(started) || body.Interval != 15000 || len(body.Strategies) != 2 {
			t.Errorf("registration = %+v", body)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.Register(context.Background(), upstream.Registration{
		Strategies: []string{"default", "flexibleRollout"},
		Started:    started,
		Interval:   15000,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func TestSendMetrics(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/client/metrics" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)

		var body struct {
			AppName    string `json:"appName"`
			InstanceID string `json:"instanceId"`
			Bucket     struct {
				Start   time.Time                  `json:"start"`
				Stop    time.Time                  `json:"stop"`
				Toggles map[string]json.RawMessage `json:"toggles"`
			} `json:"bucket"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decode body %s: %v", raw, err)
		}
		if body.AppName != "edge" || body.InstanceID != "instance-1" {
			t.Errorf("identity = %s/%s", body.AppName, body.InstanceID)
		}
		if !body.Bucket.Start.Equal(start) {
			t.Errorf("bucket start = %v", body.Bucket.Start)
		}
		if got := string(body.Bucket.Toggles["new-ui"]); got != `{"yes":3,"no":1,"variants":{"blue":2}}` {
			t.Errorf("toggle counts = %s", got)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.SendMetrics(context.Background(), upstream.Bucket{
		Start: start,
		Stop:  start.Add(time.Minute),
		Toggles: map[string]core.Counts{
			"new-ui": {Yes: 3, No: 1, Variants: map[string]int64{"blue": 2}},
		},
	})
	if err != nil {
		t.Fatalf("SendMetrics() error = %v", err)
	}
}

func TestSendMetricsServerError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	err := c.SendMetrics(context.Background(), upstream.Bucket{})
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("SendMetrics() error = %v, want 503 APIError", err)
	}
}
