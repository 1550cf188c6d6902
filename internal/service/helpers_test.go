package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/togglez/internal/core"
	"github.com/matt-riley/togglez/internal/repository"
	"github.com/matt-riley/togglez/internal/upstream"
)

const testPayload = `{
  "version": 2,
  "features": [
    {"name": "beta", "enabled": true, "strategies": [{"name": "default"}]},
    {"name": "off", "enabled": false, "strategies": [{"name": "default"}]},
    {"name": "by-user", "description": "allow list", "enabled": true,
     "strategies": [{"name": "userWithId", "parameters": {"userIds": "u1, u2"}}]},
    {"name": "prod-only", "enabled": true,
     "strategies": [{"name": "default", "constraints": [
       {"contextName": "environment", "operator": "IN", "values": ["prod"]}]}]},
    {"name": "colors", "enabled": true, "strategies": [{"name": "default"}],
     "variants": [{"name": "blue", "weight": 1000, "stickiness": "default",
                   "payload": {"type": "string", "value": "#00f"}}]}
  ]
}`

func mustFeatures(t testing.TB, payload string) core.Features {
	t.Helper()
	features, err := core.ParseFeatures([]byte(payload))
	if err != nil {
		t.Fatalf("ParseFeatures() error = %v", err)
	}
	return features
}

func okResult(t testing.TB, payload, etag string) upstream.FetchResult {
	t.Helper()
	return upstream.FetchResult{
		ETag:     etag,
		Payload:  []byte(payload),
		Features: mustFeatures(t, payload),
	}
}

type fetchResponse struct {
	result upstream.FetchResult
	err    error
}

// fakeUpstream replays queued responses, repeating the last one.
type fakeUpstream struct {
	mu            sync.Mutex
	responses     []fetchResponse
	etags         []string
	registrations []upstream.Registration
	buckets       []upstream.Bucket
	sendErrs      []error
}

func (f *fakeUpstream) queue(result upstream.FetchResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fetchResponse{result: result, err: err})
}

func (f *fakeUpstream) FetchFeatures(_ context.Context, etag string) (upstream.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etags = append(f.etags, etag)
	if len(f.responses) == 0 {
		return upstream.FetchResult{}, errors.New("no response queued")
	}
	next := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return next.result, next.err
}

func (f *fakeUpstream) Register(_ context.Context, registration upstream.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations = append(f.registrations, registration)
	return nil
}

func (f *fakeUpstream) SendMetrics(_ context.Context, bucket upstream.Bucket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.buckets = append(f.buckets, bucket)
	return nil
}

func (f *fakeUpstream) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.etags)
}

func (f *fakeUpstream) sentBuckets() []upstream.Bucket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.Bucket(nil), f.buckets...)
}

// fetchOnly hides the optional registrar and sender interfaces.
type fetchOnly struct {
	up *fakeUpstream
}

func (f fetchOnly) FetchFeatures(ctx context.Context, etag string) (upstream.FetchResult, error) {
	return f.up.FetchFeatures(ctx, etag)
}

type fakeBackupStore struct {
	mu      sync.Mutex
	backups map[string]repository.Backup
	saves   int
	loads   int
	saveErr error
}

func newFakeBackupStore() *fakeBackupStore {
	return &fakeBackupStore{backups: map[string]repository.Backup{}}
}

func (s *fakeBackupStore) SaveBackup(_ context.Context, backup repository.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.backups[backup.AppName+"/"+backup.Environment] = backup
	return nil
}

func (s *fakeBackupStore) LoadBackup(_ context.Context, appName, environment string) (repository.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	backup, ok := s.backups[appName+"/"+environment]
	if !ok {
		return repository.Backup{}, repository.ErrBackupNotFound
	}
	return backup, nil
}

func (s *fakeBackupStore) put(backup repository.Backup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[backup.AppName+"/"+backup.Environment] = backup
}

func (s *fakeBackupStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

type notifyingBackupStore struct {
	*fakeBackupStore
	notices chan repository.BackupNotice
}

func (s *notifyingBackupStore) SubscribeBackupUpdates(context.Context) (<-chan repository.BackupNotice, error) {
	return s.notices, nil
}

type recordingObserver struct {
	mu          sync.Mutex
	fetches     []string
	generations []string
	warnings    int
	flushes     int
	flushErrors int
	backupSaves int
}

func (o *recordingObserver) ObserveFetch(result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetches = append(o.fetches, result)
}

func (o *recordingObserver) ObserveGeneration(source string, _, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.generations = append(o.generations, source)
}

func (o *recordingObserver) ObserveCompileWarnings(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.warnings += count
}

func (o *recordingObserver) ObserveMetricsFlush(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
	if err != nil {
		o.flushErrors++
	}
}

func (o *recordingObserver) ObserveBackupSave(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backupSaves++
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func upstreamNotModified(etag string) upstream.FetchResult {
	return upstream.FetchResult{NotModified: true, ETag: etag}
}
