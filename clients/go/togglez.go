// Package togglez provides client interfaces and domain types for the
// togglez edge evaluation server.
//
// Use the sub-packages to create transport-specific clients:
//
//	import togglezhttp "github.com/matt-riley/togglez/clients/go/http"
//	import togglezgrpc "github.com/matt-riley/togglez/clients/go/grpc"
package togglez

import (
	"context"
	"time"
)

// Evaluator resolves flags for an evaluation context.
type Evaluator interface {
	Evaluate(ctx context.Context, key string, evalCtx Context, defaultValue bool) (bool, error)
	EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]EvaluateResult, error)
	GetVariant(ctx context.Context, key string, evalCtx Context) (Variant, error)
}

// Inspector lists the flags the server currently serves.
type Inspector interface {
	ListFeatures(ctx context.Context) ([]Feature, error)
	GetFeature(ctx context.Context, name string) (Feature, error)
}

// Watcher delivers an event each time the server publishes a new
// generation of flag definitions.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Watcher interface {
	Watch(ctx context.Context, lastGeneration uint64) (<-chan Status, error)
}

// Context carries the fields strategies and constraints evaluate against.
type Context struct {
	UserID        string            `json:"userId,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	RemoteAddress string            `json:"remoteAddress,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	AppName       string            `json:"appName,omitempty"`
	CurrentTime   time.Time         `json:"currentTime,omitzero"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// EvaluateRequest is a single flag evaluation request.
type EvaluateRequest struct {
	Key          string  `json:"key"`
	Context      Context `json:"context"`
	DefaultValue bool    `json:"default_value"`
}

// EvaluateResult is the outcome of a single flag evaluation.
type EvaluateResult struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// Payload is the optional data attached to a variant.
type Payload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Variant is the result of a variant lookup. Name is "disabled" when the
// flag is off or unknown.
type Variant struct {
	Name           string   `json:"name"`
	Payload        *Payload `json:"payload,omitempty"`
	Enabled        bool     `json:"enabled"`
	FeatureEnabled bool     `json:"feature_enabled"`
}

// Feature summarizes a flag definition.
type Feature struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Strategies  []string `json:"strategies"`
	Variants    []string `json:"variants,omitempty"`
}

// Status describes the generation the server is serving.
type Status struct {
	Ready      bool      `json:"ready"`
	Generation uint64    `json:"generation"`
	Source     string    `json:"source,omitempty"`
	ETag       string    `json:"etag,omitempty"`
	Toggles    int       `json:"toggles"`
	Segments   int       `json:"segments"`
	LoadedAt   time.Time `json:"loaded_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
}
