package middleware

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// watchStream stands in for the server side of a WatchFeatures stream and
// records every message the handler pushes.
type watchStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent []any
}

// newWatchStream returns a stream whose incoming metadata carries apiKey as a
// bearer token. An empty apiKey sends no authorization header.
func newWatchStream(apiKey string) *watchStream {
	ctx := context.Background()
	if apiKey != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Bearer "+apiKey))
	}
	return &watchStream{ctx: ctx}
}

func (s *watchStream) Context() context.Context { return s.ctx }

func (s *watchStream) SendMsg(m any) error {
	s.sent = append(s.sent, m)
	return nil
}
