// Package telemetry exposes Prometheus metrics for the job engine.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ImportJobs      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_import_jobs_total", Help: "Import jobs by final status"}, []string{"module", "status"})
	ImportRows      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_import_rows_total", Help: "Import rows by outcome"}, []string{"module", "outcome"})
	ExportJobs      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_export_jobs_total", Help: "Export jobs by final status"}, []string{"module", "status"})
	ExportRows      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_export_rows_total", Help: "Rows written to export artifacts"}, []string{"module"})
	RollbackEntries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_rollback_entries_total", Help: "Audit entries processed by rollback"}, []string{"result"})
	ScheduledRuns   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_scheduled_runs_total", Help: "Scheduled export runs by status"}, []string{"status"})
	Deliveries      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_deliveries_total", Help: "Scheduled export deliveries by result"}, []string{"result"})
	SkippedTicks    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_scheduled_overlap_skips_total", Help: "Due schedules skipped because a run was still in flight"})
	RunningJobs     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "bulk_running_jobs", Help: "Jobs currently executing"}, []string{"kind"})
	RateLimitHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ImportJobs,
			ImportRows,
			ExportJobs,
			ExportRows,
			RollbackEntries,
			ScheduledRuns,
			Deliveries,
			SkippedTicks,
			RunningJobs,
			RateLimitHits,
		)
	})
	return promhttp.Handler()
}
