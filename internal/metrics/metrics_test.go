package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDeliveriesIncrement(t *testing.T) {
	before := testutil.ToFloat64(Deliveries.WithLabelValues("test", OutcomeSuccess))
	Deliveries.WithLabelValues("test", OutcomeSuccess).Inc()
	if v := testutil.ToFloat64(Deliveries.WithLabelValues("test", OutcomeSuccess)); v != before+1 {
		t.Fatalf("expected %v, got %v", before+1, v)
	}
}

func TestJobRunningGauge(t *testing.T) {
	JobRunning.Set(1)
	if v := testutil.ToFloat64(JobRunning); v != 1 {
		t.Fatalf("expected 1, got %v", v)
	}
	JobRunning.Set(0)
}

func TestHandlerExposesCollectors(t *testing.T) {
	Jobs.WithLabelValues("completed").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"massmail_jobs_total", "massmail_job_running"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output is missing %s", name)
		}
	}
}
