package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.ObserveAuth("OK", time.Millisecond)
	m.ObserveAuth("OK", time.Millisecond)
	m.ObserveAuth("INVALID_API_KEY", time.Millisecond)
	m.RateLimitNotEnforced()
	m.KeyIssued("live", "issue")
	m.KeyRevoked()
	m.SweepRun(SweepRotations, 3, nil)
	m.SweepRun(SweepMonthlyReset, 0, errors.New("db down"))

	if got := testutil.ToFloat64(m.authDecisions.WithLabelValues("OK")); got != 2 {
		t.Errorf("OK decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rateLimitOpen); got != 1 {
		t.Errorf("not enforced = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sweepAffected.WithLabelValues(SweepRotations)); got != 3 {
		t.Errorf("rotations affected = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.sweepRuns.WithLabelValues(SweepMonthlyReset, ResultError)); got != 1 {
		t.Errorf("failed reset runs = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAuth("OK", time.Second)
	m.RateLimitNotEnforced()
	m.KeyIssued("test", "rotate")
	m.KeyRevoked()
	m.SweepRun(SweepRotations, 1, nil)
	m.UsageWriteFailed()
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.KeyIssued("live", "issue")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `keygate_keys_issued_total{environment="live",via="issue"} 1`) {
		t.Errorf("issued counter missing from exposition:\n%s", body)
	}
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	// Would panic on duplicate registration with a shared registry.
	New()
	New()
}
