// Package grpc provides a gRPC client for the togglez edge server.
//
// The server's Evaluation service exchanges google.protobuf.Struct messages
// carrying the same JSON shapes as the HTTP API, so no generated stubs are
// needed.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	togglez "github.com/matt-riley/togglez/clients/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the Evaluation service.
const ServiceName = "togglez.v1.Evaluation"

const (
	methodEvaluate     = "/" + ServiceName + "/Evaluate"
	methodGetVariant   = "/" + ServiceName + "/GetVariant"
	methodListFeatures = "/" + ServiceName + "/ListFeatures"
	methodGetFeature   = "/" + ServiceName + "/GetFeature"
	methodWatch        = "/" + ServiceName + "/Watch"
)

var watchStreamDesc = &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the togglez gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements togglez.Evaluator, togglez.Inspector, and togglez.Watcher over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

// NewGRPCClient dials the togglez gRPC server and returns a new client.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("togglez: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.cfg.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

// -- wire helpers ------------------------------------------------------------

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("togglez: marshal request: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("togglez: encode request: %w", err)
	}
	return msg, nil
}

func fromStruct(msg *structpb.Struct, dst any) error {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("togglez: decode response: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("togglez: decode response: %w", err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(c.authCtx(ctx), method, in, resp); err != nil {
		return fmt.Errorf("togglez: %s: %w", method, err)
	}
	return fromStruct(resp, out)
}

// -- Evaluator ---------------------------------------------------------------

type evaluateResponse struct {
	Results []togglez.EvaluateResult `json:"results"`
}

func (c *Client) Evaluate(ctx context.Context, key string, evalCtx togglez.Context, defaultValue bool) (bool, error) {
	req := map[string]any{"key": key, "context": evalCtx, "default_value": defaultValue}
	var out evaluateResponse
	if err := c.invoke(ctx, methodEvaluate, req, &out); err != nil {
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
	var out evaluateResponse
	if err := c.invoke(ctx, methodEvaluate, map[string]any{"requests": reqs}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) GetVariant(ctx context.Context, key string, evalCtx togglez.Context) (togglez.Variant, error) {
	var out togglez.Variant
	if err := c.invoke(ctx, methodGetVariant, map[string]any{"key": key, "context": evalCtx}, &out); err != nil {
		return togglez.Variant{Name: "disabled"}, err
	}
	return out, nil
}

// -- Inspector ---------------------------------------------------------------

func (c *Client) ListFeatures(ctx context.Context) ([]togglez.Feature, error) {
	var out struct {
		Features []togglez.Feature `json:"features"`
	}
	if err := c.invoke(ctx, methodListFeatures, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Features, nil
}

func (c *Client) GetFeature(ctx context.Context, name string) (togglez.Feature, error) {
	var out togglez.Feature
	if err := c.invoke(ctx, methodGetFeature, map[string]any{"name": name}, &out); err != nil {
		return togglez.Feature{}, err
	}
	return out, nil
}

// -- Watcher -----------------------------------------------------------------

// Watch opens the Watch stream and emits a Status for every generation the
// server publishes after lastGeneration.
// The channel is closed when ctx is cancelled or the stream ends.
func (c *Client) Watch(ctx context.Context, lastGeneration uint64) (<-chan togglez.Status, error) {
	req, err := toStruct(map[string]any{"last_generation": lastGeneration})
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(c.authCtx(ctx), watchStreamDesc, methodWatch)
	if err != nil {
		return nil, fmt.Errorf("togglez: Watch: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("togglez: Watch: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("togglez: Watch: %w", err)
	}

	ch := make(chan togglez.Status, 16)
	go func() {
		defer close(ch)
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			var status togglez.Status
			if err := fromStruct(msg, &status); err != nil {
				continue
			}
			select {
			case ch <- status:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
