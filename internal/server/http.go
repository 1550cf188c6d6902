package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/togglez/internal/core"
	"github.com/matt-riley/togglez/internal/metrics"
	"github.com/matt-riley/togglez/internal/middleware"
	"github.com/matt-riley/togglez/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the evaluation API over JSON.
type HTTPServer struct {
	service            Service
	recorder           EvaluationRecorder
	metrics            *metrics.Metrics
	validator          middleware.TokenValidator
	authOpts           []middleware.AuthOption
	streamPollInterval time.Duration
	maxJSONBodySize    int64
}

// HTTPOption configures [NewHTTPHandler].
type HTTPOption func(*HTTPServer)

// WithMetrics serves /metrics from m, records request metrics and counts
// evaluations.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		if m != nil {
			s.metrics = m
			s.recorder = m
		}
	}
}

// WithMaxJSONBodySize caps request bodies. Non-positive values keep the
// default of 1 MiB.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

// WithStreamPollInterval sets how often /v1/stream checks for a new
// generation.
func WithStreamPollInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

// WithAuth requires a bearer token on every /v1/ route.
func WithAuth(validator middleware.TokenValidator, opts ...middleware.AuthOption) HTTPOption {
	return func(s *HTTPServer) {
		s.validator = validator
		s.authOpts = opts
	}
}

type evaluateJSONRequest struct {
	Key          string                  `json:"key,omitempty"`
	Context      core.Context            `json:"context"`
	DefaultValue bool                    `json:"default_value,omitempty"`
	Requests     []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	Key          string       `json:"key"`
	Context      core.Context `json:"context"`
	DefaultValue bool         `json:"default_value"`
}

type evaluateJSONResponse struct {
	Results []service.ResolveResult `json:"results"`
}

type variantJSONRequest struct {
	Key     string       `json:"key"`
	Context core.Context `json:"context"`
}

type featuresJSONResponse struct {
	Features []service.FeatureSummary `json:"features"`
}

// NewHTTPHandler returns the routed API. Every route is registered on one
// mux so request metrics can label by pattern.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		recorder:           nopRecorder{},
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodySize:    defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/evaluate", server.protect(server.handleEvaluate))
	mux.Handle("POST /v1/variant", server.protect(server.handleVariant))
	mux.Handle("GET /v1/features", server.protect(server.handleListFeatures))
	mux.Handle("GET /v1/features/{name}", server.protect(server.handleGetFeature))
	mux.Handle("GET /v1/stream", server.protect(server.handleStream))
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /readyz", server.handleReadyz)

	if server.metrics == nil {
		return mux
	}
	mux.Handle("GET /metrics", server.metrics.Handler())
	return server.metrics.HTTPMiddleware(mux)
}

func (s *HTTPServer) protect(handler http.HandlerFunc) http.Handler {
	if s.validator == nil {
		return handler
	}
	return middleware.HTTPAuthMiddleware(s.validator, s.authOpts...)(handler)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	requests, err := resolveRequests(request)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := s.service.ResolveBatch(requests)
	for _, result := range results {
		s.recorder.RecordEvaluation(evaluationKindIsEnabled, result.Value)
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleVariant(w http.ResponseWriter, r *http.Request) {
	var request variantJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	result := s.service.GetVariant(request.Key, request.Context)
	s.recorder.RecordEvaluation(evaluationKindVariant, result.Enabled)

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListFeatures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, featuresJSONResponse{Features: s.service.ListFeatures()})
}

func (s *HTTPServer) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	feature, err := s.service.GetFeature(name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, feature)
}

// handleStream emits a "generation" event each time a new set of
// definitions is published. Clients resume with Last-Event-ID.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	// Wrapped writers expose Flush through Unwrap.
	rc := http.NewResponseController(w)

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	sendIfChanged := func() error {
		status := s.service.Status()
		if status.Generation == 0 || status.Generation == lastEventID {
			return nil
		}
		payload, err := json.Marshal(status)
		if err != nil {
			return err
		}
		if err := writeSSEEvent(w, status.Generation, "generation", payload); err != nil {
			return err
		}
		lastEventID = status.Generation
		return rc.Flush()
	}

	if err := sendIfChanged(); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := sendIfChanged(); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	status := s.service.Status()
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// resolveRequests validates an evaluate body, which carries either a single
// key or a list of requests.
func resolveRequests(request evaluateJSONRequest) ([]service.ResolveRequest, error) {
	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.Key) != "":
		return nil, errors.New("use either key or requests")
	case len(request.Requests) > 0:
		requests := make([]service.ResolveRequest, 0, len(request.Requests))
		for idx, item := range request.Requests {
			if strings.TrimSpace(item.Key) == "" {
				return nil, fmt.Errorf("requests[%d].key is required", idx)
			}
			requests = append(requests, service.ResolveRequest{
				Key:          item.Key,
				Context:      item.Context,
				DefaultValue: item.DefaultValue,
			})
		}
		return requests, nil
	case strings.TrimSpace(request.Key) != "":
		return []service.ResolveRequest{{
			Key:          request.Key,
			Context:      request.Context,
			DefaultValue: request.DefaultValue,
		}}, nil
	default:
		return nil, errors.New("key or requests is required")
	}
}

func parseLastEventID(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrFlagNotFound):
		writeJSONError(w, http.StatusNotFound, "flag not found")
	case errors.Is(err, service.ErrNotReady):
		writeJSONError(w, http.StatusServiceUnavailable, "not ready")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeSSEEvent(w io.Writer, eventID uint64, eventName string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range compactSSEPayload(payload) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
