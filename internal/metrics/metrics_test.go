package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ProviderCall("creators", "ok", time.Second)
	m.Delivery("delivered")
	m.JobRun("check", nil, time.Second)
	m.Bonus("issued")
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.Delivery("delivered")
	m.Delivery("failed_permanent")
	m.JobRun("check", errors.New("boom"), 2*time.Second)
	m.Decision("notify", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`repackit_dispatch_deliveries_total{outcome="delivered"} 1`,
		`repackit_scheduler_job_runs_total{job="check",result="error"} 1`,
		`repackit_decision_evaluations_total{reason="notify"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
