package service

import (
	"context"
	"testing"

	"github.com/matt-riley/togglez/internal/core"
	"github.com/matt-riley/togglez/internal/repository"
)

// FuzzBackupBootstrap feeds arbitrary backup payloads through the fallback
// path. Malformed payloads must leave the service not ready.
func FuzzBackupBootstrap(f *testing.F) {
	f.Add([]byte(testPayload))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"features":null}`))
	f.Add([]byte(`{"features":[{"name":"x","enabled":true,"strategies":[{"name":"gradualRolloutRandom"}]}]}`))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, payload []byte) {
		store := newFakeBackupStore()
		store.put(repository.Backup{AppName: "togglez", Environment: "default", Payload: payload})
		svc, err := New(&fakeUpstream{}, WithBackup(store))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		err = svc.loadBackup(context.Background())
		_, parseErr := core.ParseFeatures(payload)
		if (err == nil) != (parseErr == nil) {
			t.Fatalf("loadBackup() error = %v, ParseFeatures() error = %v", err, parseErr)
		}
		if svc.Ready() != (err == nil) {
			t.Fatalf("Ready() = %t after loadBackup error %v", svc.Ready(), err)
		}

		for _, feature := range svc.ListFeatures() {
			_ = svc.IsEnabled(feature.Name, core.Context{UserID: "u"}, nil)
			_ = svc.GetVariant(feature.Name, core.Context{})
		}
	})
}
