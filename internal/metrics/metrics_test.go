package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEndpoint(t *testing.T) {
	TelemetryIngest.WithLabelValues("accepted").Inc()
	CommandsExpired.Inc()

	handler := promhttp.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `lapso_telemetry_ingest_total{result="accepted"}`) {
		t.Error("expected lapso_telemetry_ingest_total in metrics")
	}
	if !strings.Contains(body, "lapso_commands_expired_total") {
		t.Error("expected lapso_commands_expired_total in metrics")
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(SecurityEvents.WithLabelValues("ownership_mismatch"))
	SecurityEvents.WithLabelValues("ownership_mismatch").Inc()
	after := testutil.ToFloat64(SecurityEvents.WithLabelValues("ownership_mismatch"))
	if after-before != 1 {
		t.Errorf("delta: got %v, want 1", after-before)
	}
}
