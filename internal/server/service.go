package server

import (
	"github.com/matt-riley/togglez/internal/core"
	"github.com/matt-riley/togglez/internal/service"
)

// Service is the evaluation surface the transports expose.
type Service interface {
	GetVariant(name string, ctx core.Context) core.VariantResult
	ResolveBatch(requests []service.ResolveRequest) []service.ResolveResult
	ListFeatures() []service.FeatureSummary
	GetFeature(name string) (service.FeatureSummary, error)
	Ready() bool
	Status() service.Status
}

// EvaluationRecorder counts evaluations served over the wire.
type EvaluationRecorder interface {
	RecordEvaluation(kind string, result bool)
}

const (
	evaluationKindIsEnabled = "is_enabled"
	evaluationKindVariant   = "variant"
)

var _ Service = (*service.Service)(nil)

type nopRecorder struct{}

func (nopRecorder) RecordEvaluation(string, bool) {}
