package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBackupStoreCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	stats := BackupStoreStats{Acquired: 2, Idle: 1, Total: 3, Max: 8, Acquires: 40, EmptyAcquires: 5, AcquireWait: 1.5}
	registerBackupStoreCollector(reg, func() BackupStoreStats { return stats })

	expected := `
# HELP togglez_backup_store_conns_acquired Backup store connections currently checked out.
# TYPE togglez_backup_store_conns_acquired gauge
togglez_backup_store_conns_acquired{store="postgres"} 2
# HELP togglez_backup_store_conns_max Configured ceiling on backup store connections.
# TYPE togglez_backup_store_conns_max gauge
togglez_backup_store_conns_max{store="postgres"} 8
# HELP togglez_backup_store_empty_acquires_total Acquires that had to wait for a connection.
# TYPE togglez_backup_store_empty_acquires_total counter
togglez_backup_store_empty_acquires_total{store="postgres"} 5
# HELP togglez_backup_store_acquire_wait_seconds_total Time spent waiting to acquire backup store connections.
# TYPE togglez_backup_store_acquire_wait_seconds_total counter
togglez_backup_store_acquire_wait_seconds_total{store="postgres"} 1.5
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"togglez_backup_store_conns_acquired",
		"togglez_backup_store_conns_max",
		"togglez_backup_store_empty_acquires_total",
		"togglez_backup_store_acquire_wait_seconds_total",
	); err != nil {
		t.Fatalf("GatherAndCompare() error = %v", err)
	}

	// Values are read on every scrape, not at registration.
	stats.Acquired = 0
	released := `
# HELP togglez_backup_store_conns_acquired Backup store connections currently checked out.
# TYPE togglez_backup_store_conns_acquired gauge
togglez_backup_store_conns_acquired{store="postgres"} 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(released), "togglez_backup_store_conns_acquired"); err != nil {
		t.Fatalf("GatherAndCompare() after release error = %v", err)
	}
}

func TestRegisterBackupStoreMetrics(t *testing.T) {
	// The pool connects lazily, so an unreachable DSN still yields stats.
	pool, err := pgxpool.New(context.Background(), "postgres://togglez@127.0.0.1:1/togglez")
	if err != nil {
		t.Skipf("pgxpool.New() error = %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewPedanticRegistry()
	RegisterBackupStoreMetrics(reg, pool)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(mfs) != 7 {
		t.Fatalf("Gather() returned %d families, want 7", len(mfs))
	}
	for _, mf := range mfs {
		if !strings.HasPrefix(mf.GetName(), "togglez_backup_store_") {
			t.Errorf("unexpected family %q", mf.GetName())
		}
	}
}
