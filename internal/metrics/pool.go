package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// BackupStoreStats is a point-in-time view of the Postgres pool behind the
// backup and API key store.
type BackupStoreStats struct {
	Acquired      int32
	Idle          int32
	Total         int32
	Max           int32
	Acquires      int64
	EmptyAcquires int64
	AcquireWait   float64
}

type backupStoreCollector struct {
	stats func() BackupStoreStats

	acquired      *prometheus.Desc
	idle          *prometheus.Desc
	total         *prometheus.Desc
	max           *prometheus.Desc
	acquires      *prometheus.Desc
	emptyAcquires *prometheus.Desc
	acquireWait   *prometheus.Desc
}

// RegisterBackupStoreMetrics reports the pool statistics of the Postgres
// backup store on every scrape.
func RegisterBackupStoreMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	registerBackupStoreCollector(reg, func() BackupStoreStats {
		stat := pool.Stat()
		return BackupStoreStats{
			Acquired:      stat.AcquiredConns(),
			Idle:          stat.IdleConns(),
			Total:         stat.TotalConns(),
			Max:           stat.MaxConns(),
			Acquires:      stat.AcquireCount(),
			EmptyAcquires: stat.EmptyAcquireCount(),
			AcquireWait:   stat.AcquireDuration().Seconds(),
		}
	})
}

func registerBackupStoreCollector(reg prometheus.Registerer, stats func() BackupStoreStats) {
	labels := prometheus.Labels{"store": "postgres"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("togglez_backup_store_"+name, help, nil, labels)
	}
	reg.MustRegister(&backupStoreCollector{
		stats:         stats,
		acquired:      desc("conns_acquired", "Backup store connections currently checked out."),
		idle:          desc("conns_idle", "Idle backup store connections."),
		total:         desc("conns_total", "Open backup store connections."),
		max:           desc("conns_max", "Configured ceiling on backup store connections."),
		acquires:      desc("acquires_total", "Connections acquired from the backup store pool."),
		emptyAcquires: desc("empty_acquires_total", "Acquires that had to wait for a connection."),
		acquireWait:   desc("acquire_wait_seconds_total", "Time spent waiting to acquire backup store connections."),
	})
}

func (c *backupStoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.acquireWait
}

func (c *backupStoreCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.Acquires))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireWait)
}
