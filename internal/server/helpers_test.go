package server

import (
	"context"
	"io"
	"sync"

	"github.com/matt-riley/togglez/internal/core"
	"github.com/matt-riley/togglez/internal/service"
	"google.golang.org/grpc/metadata"
)

type fakeService struct {
	mu sync.Mutex

	getVariantFunc   func(name string, ctx core.Context) core.VariantResult
	resolveBatchFunc func(requests []service.ResolveRequest) []service.ResolveResult
	features         []service.FeatureSummary
	status           service.Status
	statusFunc       func() service.Status
}

func (f *fakeService) GetVariant(name string, ctx core.Context) core.VariantResult {
	if f.getVariantFunc != nil {
		return f.getVariantFunc(name, ctx)
	}
	return core.DisabledVariant()
}

func (f *fakeService) ResolveBatch(requests []service.ResolveRequest) []service.ResolveResult {
	if f.resolveBatchFunc != nil {
		return f.resolveBatchFunc(requests)
	}
	results := make([]service.ResolveResult, 0, len(requests))
	for _, r := range requests {
		results = append(results, service.ResolveResult{Key: r.Key, Value: r.DefaultValue})
	}
	return results
}

func (f *fakeService) ListFeatures() []service.FeatureSummary {
	return f.features
}

func (f *fakeService) GetFeature(name string) (service.FeatureSummary, error) {
	for _, feature := range f.features {
		if feature.Name == name {
			return feature, nil
		}
	}
	return service.FeatureSummary{}, service.ErrFlagNotFound
}

func (f *fakeService) Ready() bool {
	return f.Status().Ready
}

func (f *fakeService) Status() service.Status {
	if f.statusFunc != nil {
		return f.statusFunc()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeService) setStatus(status service.Status) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

type staticValidator map[string]string

func (v staticValidator) ValidateToken(_ context.Context, token string) (string, error) {
	keyID, ok := v[token]
	if !ok {
		return "", io.ErrUnexpectedEOF
	}
	return keyID, nil
}

type fakeWatchServer struct {
	ctx    context.Context
	cancel context.CancelFunc
	sent   []any
}

func (f *fakeWatchServer) SetHeader(metadata.MD) error  { return nil }
func (f *fakeWatchServer) SendHeader(metadata.MD) error { return nil }
func (f *fakeWatchServer) SetTrailer(metadata.MD)       {}
func (f *fakeWatchServer) Context() context.Context     { return f.ctx }
func (f *fakeWatchServer) RecvMsg(any) error            { return io.EOF }

func (f *fakeWatchServer) SendMsg(msg any) error {
	f.sent = append(f.sent, msg)
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	return nil
}
