package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesEngineMetrics(t *testing.T) {
	ImportJobs.WithLabelValues("assets", "COMPLETED").Inc()
	ScheduledRuns.WithLabelValues("SUCCESS").Inc()

	// Handler must be safe to call more than once.
	Handler()
	h := Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`bulk_import_jobs_total{module="assets",status="COMPLETED"} 1`,
		`bulk_scheduled_runs_total{status="SUCCESS"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
