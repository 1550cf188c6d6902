// Package service keeps the flag registry current and exposes evaluation to
// the transports. It polls upstream for definitions, falls back to the last
// saved backup when upstream is unreachable, and periodically reports usage
// counters back upstream.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/togglez/internal/core"
	"github.com/matt-riley/togglez/internal/repository"
	"github.com/matt-riley/togglez/internal/tracing"
	"github.com/matt-riley/togglez/internal/upstream"
)

var tracer = tracing.Tracer("service")

const (
	SourceUpstream = "upstream"
	SourceBackup   = "backup"

	FetchOK          = "ok"
	FetchNotModified = "not_modified"
	FetchError       = "error"

	defaultRefreshInterval = 15 * time.Second
	defaultMetricsInterval = time.Minute
	bestEffortTimeout      = 5 * time.Second
)

var (
	ErrFlagNotFound = errors.New("flag not found")
	ErrNotReady     = errors.New("no flag definitions loaded")
)

// Fetcher downloads flag definitions.
type Fetcher interface {
	FetchFeatures(ctx context.Context, etag string) (upstream.FetchResult, error)
}

// Registrar announces this instance upstream. Optional on the fetcher.
type Registrar interface {
	Register(ctx context.Context, registration upstream.Registration) error
}

// MetricsSender submits usage buckets upstream. Optional on the fetcher.
type MetricsSender interface {
	SendMetrics(ctx context.Context, bucket upstream.Bucket) error
}

// BackupStore persists the last good definitions payload.
type BackupStore interface {
	SaveBackup(ctx context.Context, backup repository.Backup) error
	LoadBackup(ctx context.Context, appName, environment string) (repository.Backup, error)
}

type backupSubscriber interface {
	SubscribeBackupUpdates(ctx context.Context) (<-chan repository.BackupNotice, error)
}

// Observer receives operational events. metrics.Metrics implements it.
type Observer interface {
	ObserveFetch(result string, duration time.Duration)
	ObserveGeneration(source string, toggles, segments int)
	ObserveCompileWarnings(count int)
	ObserveMetricsFlush(err error)
	ObserveBackupSave(err error)
}

type nopObserver struct{}

func (nopObserver) ObserveFetch(string, time.Duration) {}
func (nopObserver) ObserveGeneration(string, int, int) {}
func (nopObserver) ObserveCompileWarnings(int)         {}
func (nopObserver) ObserveMetricsFlush(error)          {}
func (nopObserver) ObserveBackupSave(error)            {}

// ResolveRequest asks for the boolean value of one flag.
type ResolveRequest struct {
	Key          string
	Context      core.Context
	DefaultValue bool
}

// ResolveResult is the answer to a [ResolveRequest].
type ResolveResult struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// FeatureSummary describes a flag for introspection.
type FeatureSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Strategies  []string `json:"strategies"`
	Variants    []string `json:"variants,omitempty"`
}

// Status reports what the service is currently serving.
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

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBackup enables saving fetched definitions and bootstrapping from them.
func WithBackup(store BackupStore) Option {
	return func(s *Service) { s.backup = store }
}

// WithStrategies replaces the strategy implementations used to compile flags.
func WithStrategies(strategies core.StrategyRegistry) Option {
	return func(s *Service) {
		if strategies != nil {
			s.strategies = strategies
		}
	}
}

// WithRefreshInterval sets how often upstream is polled.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshInterval = d
		}
	}
}

// WithMetricsInterval sets how often usage buckets are sent upstream.
func WithMetricsInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.metricsInterval = d
		}
	}
}

// WithClock replaces the clock driving the poll and flush loops.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithStaticContext sets fields merged into every evaluation context. Its
// AppName and Environment also key the backup.
func WithStaticContext(static core.Context) Option {
	return func(s *Service) { s.static = static }
}

// WithObserver registers an observer for operational events.
func WithObserver(observer Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithMetricsDisabled turns off usage reporting. Counters are still drained
// so they do not grow without bound.
func WithMetricsDisabled(disabled bool) Option {
	return func(s *Service) { s.metricsDisabled = disabled }
}

// WithInstanceID sets the instance identifier sent on registration.
func WithInstanceID(id string) Option {
	return func(s *Service) { s.instanceID = id }
}

// Service evaluates flags against the current generation and keeps that
// generation fresh.
type Service struct {
	fetcher         Fetcher
	logger          *slog.Logger
	backup          BackupStore
	strategies      core.StrategyRegistry
	refreshInterval time.Duration
	metricsInterval time.Duration
	clock           clockwork.Clock
	static          core.Context
	observer        Observer
	metricsDisabled bool
	instanceID      string

	registry   *core.Registry
	ready      atomic.Bool
	generation atomic.Uint64
	lastErr    atomic.Pointer[string]

	// refreshMu serialises generation swaps and guards etag.
	refreshMu sync.Mutex
	etag      string

	pendingMu sync.Mutex
	pending   upstream.Bucket

	wg sync.WaitGroup
}

// New creates a service. Nothing is fetched until [Service.Start] or
// [Service.Refresh] is called.
func New(fetcher Fetcher, opts ...Option) (*Service, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is nil")
	}

	s := &Service{
		fetcher:         fetcher,
		logger:          slog.Default(),
		refreshInterval: defaultRefreshInterval,
		metricsInterval: defaultMetricsInterval,
		clock:           clockwork.NewRealClock(),
		observer:        nopObserver{},
		registry:        core.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.strategies == nil {
		s.strategies = core.DefaultStrategies()
	}
	if s.static.AppName == "" {
		s.static.AppName = "togglez"
	}
	if s.static.Environment == "" {
		s.static.Environment = "default"
	}
	s.pending = upstream.Bucket{Start: s.clock.Now(), Toggles: map[string]core.Counts{}}

	return s, nil
}

// Start registers with upstream, loads the first generation (falling back to
// the backup) and launches the poll and metrics loops. The loops stop when
// ctx is done; [Service.Wait] blocks until they have, including the final
// metrics flush.
func (s *Service) Start(ctx context.Context) error {
	s.register(ctx)

	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial fetch failed", "error", err)
		if s.backup != nil {
			if err := s.loadBackup(ctx); err != nil {
				s.logger.Warn("backup bootstrap failed", "error", err)
			}
		}
	}

	if subscriber, ok := s.backup.(backupSubscriber); ok {
		notices, err := subscriber.SubscribeBackupUpdates(ctx)
		if err != nil {
			return fmt.Errorf("subscribe backup updates: %w", err)
		}
		s.wg.Add(1)
		go s.backupLoop(ctx, notices)
	}

	s.wg.Add(2)
	go s.refreshLoop(ctx)
	go s.metricsLoop(ctx)

	return nil
}

// Wait blocks until the background loops have stopped.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Refresh fetches definitions and publishes a new generation unless upstream
// reports them unchanged.
func (s *Service) Refresh(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "service.Refresh")
	defer func() { tracing.EndSpan(span, err) }()

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	started := s.clock.Now()
	result, err := s.fetcher.FetchFeatures(ctx, s.etag)
	elapsed := s.clock.Since(started)
	if err != nil {
		s.observer.ObserveFetch(FetchError, elapsed)
		s.setLastError(err)
		return fmt.Errorf("fetch features: %w", err)
	}
	s.setLastError(nil)

	if result.NotModified {
		span.SetAttributes(attribute.Bool("togglez.not_modified", true))
		s.observer.ObserveFetch(FetchNotModified, elapsed)
		return nil
	}
	s.observer.ObserveFetch(FetchOK, elapsed)

	s.publishLocked(result.Features, result.ETag, SourceUpstream)
	span.SetAttributes(attribute.Int("togglez.toggles", len(result.Features.Features)))
	s.saveBackup(ctx, result)
	return nil
}

// IsEnabled evaluates a flag. Unknown flags defer to fallback.
func (s *Service) IsEnabled(name string, ctx core.Context, fallback core.FallbackFunc) bool {
	return s.registry.IsEnabled(name, ctx.Merge(s.static), fallback)
}

// GetVariant evaluates a flag and selects a variant.
func (s *Service) GetVariant(name string, ctx core.Context) core.VariantResult {
	return s.registry.GetVariant(name, ctx.Merge(s.static))
}

// ResolveBatch evaluates several flags against one generation.
func (s *Service) ResolveBatch(requests []ResolveRequest) []ResolveResult {
	snapshot := s.registry.Snapshot()
	results := make([]ResolveResult, 0, len(requests))
	for _, request := range requests {
		value := request.DefaultValue
		if toggle, ok := snapshot.Toggle(request.Key); ok {
			value = toggle.IsEnabled(request.Context.Merge(s.static))
		}
		results = append(results, ResolveResult{Key: request.Key, Value: value})
	}
	return results
}

// ListFeatures describes every flag in the current generation, sorted by
// name.
func (s *Service) ListFeatures() []FeatureSummary {
	toggles := s.registry.Snapshot().Toggles()
	features := make([]FeatureSummary, 0, len(toggles))
	for _, toggle := range toggles {
		features = append(features, summarize(toggle))
	}
	return features
}

// GetFeature describes one flag.
func (s *Service) GetFeature(name string) (FeatureSummary, error) {
	toggle, ok := s.registry.Snapshot().Toggle(name)
	if !ok {
		return FeatureSummary{}, ErrFlagNotFound
	}
	return summarize(toggle), nil
}

// Ready reports whether a generation has been published.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Status reports the current generation and the last refresh error.
func (s *Service) Status() Status {
	snapshot := s.registry.Snapshot()
	status := Status{
		Ready:      s.Ready(),
		Generation: s.generation.Load(),
		Toggles:    snapshot.Len(),
		Segments:   snapshot.SegmentCount(),
	}
	if status.Ready {
		status.Source = snapshot.Source()
		status.ETag = snapshot.ETag()
		status.LoadedAt = snapshot.CreatedAt()
	}
	if msg := s.lastErr.Load(); msg != nil {
		status.LastError = *msg
	}
	return status
}

// FlushMetrics drains the counters and sends them upstream as one bucket. On
// failure the bucket is kept and merged into the next one.
func (s *Service) FlushMetrics(ctx context.Context) error {
	s.addPending(s.registry.Snapshot().DrainCounts())

	now := s.clock.Now()
	s.pendingMu.Lock()
	bucket := s.pending
	bucket.Stop = now
	s.pending = upstream.Bucket{Start: now, Toggles: map[string]core.Counts{}}
	s.pendingMu.Unlock()

	sender, ok := s.fetcher.(MetricsSender)
	if s.metricsDisabled || !ok || len(bucket.Toggles) == 0 {
		return nil
	}

	err := sender.SendMetrics(ctx, bucket)
	s.observer.ObserveMetricsFlush(err)
	if err != nil {
		s.restorePending(bucket)
		return fmt.Errorf("send metrics: %w", err)
	}
	return nil
}

func (s *Service) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("refresh failed", "error", err)
			}
		}
	}
}

func (s *Service) metricsLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
			if err := s.FlushMetrics(flushCtx); err != nil {
				s.logger.Warn("final metrics flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.Chan():
			if err := s.FlushMetrics(ctx); err != nil {
				s.logger.Warn("metrics flush failed", "error", err)
			}
		}
	}
}

func (s *Service) backupLoop(ctx context.Context, notices <-chan repository.BackupNotice) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-notices:
			if !ok {
				return
			}
			s.applyPeerBackup(ctx, notice)
		}
	}
}

// applyPeerBackup loads a backup saved by another replica when it differs
// from what this instance serves.
func (s *Service) applyPeerBackup(ctx context.Context, notice repository.BackupNotice) {
	if notice.AppName != s.static.AppName || notice.Environment != s.static.Environment {
		return
	}
	s.refreshMu.Lock()
	current := s.etag
	s.refreshMu.Unlock()
	if notice.ETag != "" && notice.ETag == current {
		return
	}

	if err := s.loadBackup(ctx); err != nil {
		s.logger.Warn("load peer backup failed", "error", err)
		return
	}
	s.logger.Info("applied peer backup", "etag", notice.ETag)
}

func (s *Service) loadBackup(ctx context.Context) error {
	backup, err := s.backup.LoadBackup(ctx, s.static.AppName, s.static.Environment)
	if err != nil {
		return fmt.Errorf("load backup: %w", err)
	}
	features, err := core.ParseFeatures(backup.Payload)
	if err != nil {
		return fmt.Errorf("parse backup: %w", err)
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.publishLocked(features, backup.ETag, SourceBackup)
	return nil
}

// publishLocked compiles and swaps in a new generation. The previous
// generation's counters are carried into the pending bucket.
func (s *Service) publishLocked(features core.Features, etag, source string) {
	snapshot, warnings := core.Compile(features,
		core.WithStrategies(s.strategies),
		core.WithLogger(s.logger),
		core.WithETag(etag),
		core.WithSource(source),
	)
	if warnings != nil {
		count := 1
		var merr *multierror.Error
		if errors.As(warnings, &merr) {
			count = len(merr.Errors)
		}
		s.observer.ObserveCompileWarnings(count)
		s.logger.Warn("flag definitions compiled with warnings", "count", count, "warnings", warnings.Error())
	}

	previous := s.registry.Replace(snapshot)
	s.addPending(previous.DrainCounts())
	s.etag = etag
	s.generation.Add(1)
	s.ready.Store(true)

	s.observer.ObserveGeneration(source, snapshot.Len(), snapshot.SegmentCount())
	s.logger.Info("flag generation published",
		"source", source,
		"toggles", snapshot.Len(),
		"segments", snapshot.SegmentCount(),
		"etag", etag,
	)
}

func (s *Service) saveBackup(ctx context.Context, result upstream.FetchResult) {
	if s.backup == nil || len(result.Payload) == 0 {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	err := s.backup.SaveBackup(saveCtx, repository.Backup{
		AppName:     s.static.AppName,
		Environment: s.static.Environment,
		ETag:        result.ETag,
		Payload:     result.Payload,
		UpdatedAt:   s.clock.Now().UTC(),
	})
	s.observer.ObserveBackupSave(err)
	if err != nil {
		s.logger.Warn("save backup failed", "error", err)
	}
}

func (s *Service) register(ctx context.Context) {
	registrar, ok := s.fetcher.(Registrar)
	if !ok {
		return
	}

	names := s.strategies.Names()
	sort.Strings(names)

	registerCtx, cancel := context.WithTimeout(ctx, bestEffortTimeout)
	defer cancel()
	err := registrar.Register(registerCtx, upstream.Registration{
		AppName:     s.static.AppName,
		InstanceID:  s.instanceID,
		Environment: s.static.Environment,
		Strategies:  names,
		Started:     s.clock.Now().UTC(),
		Interval:    s.metricsInterval.Milliseconds(),
	})
	if err != nil {
		s.logger.Warn("client registration failed", "error", err)
	}
}

func (s *Service) addPending(counts map[string]core.Counts) {
	if len(counts) == 0 {
		return
	}
	s.pendingMu.Lock()
	for name, c := range counts {
		s.pending.Toggles[name] = s.pending.Toggles[name].Add(c)
	}
	s.pendingMu.Unlock()
}

func (s *Service) restorePending(bucket upstream.Bucket) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if bucket.Start.Before(s.pending.Start) {
		s.pending.Start = bucket.Start
	}
	for name, c := range bucket.Toggles {
		s.pending.Toggles[name] = s.pending.Toggles[name].Add(c)
	}
}

func (s *Service) setLastError(err error) {
	if err == nil {
		s.lastErr.Store(nil)
		return
	}
	msg := err.Error()
	s.lastErr.Store(&msg)
}

func summarize(toggle *core.Toggle) FeatureSummary {
	return FeatureSummary{
		Name:        toggle.Name(),
		Description: toggle.Description(),
		Enabled:     toggle.Enabled(),
		Strategies:  toggle.StrategyNames(),
		Variants:    toggle.VariantNames(),
	}
}
