package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// value reads the current value of a counter or gauge. The collectors are
// process-wide, so tests compare before and after.
func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("read metric: %v", err)
	}
	if c := pb.GetCounter(); c != nil {
		return c.GetValue()
	}
	return pb.GetGauge().GetValue()
}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := httpRequestsTotal.WithLabelValues("GET", "/items/{id}", "418")
	before := value(t, counter)
	for _, id := range []string{"1", "2", "3"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", "/items/"+id, nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("status = %d", rec.Code)
		}
	}

	if got := value(t, counter) - before; got != 3 {
		t.Errorf("requests counted = %v, want 3", got)
	}
	if strings.Contains(scrape(t), `route="/items/1"`) {
		t.Error("raw path used as label")
	}
}

func TestRecorders(t *testing.T) {
	bytes := transferBytes.WithLabelValues("UPLOAD")
	connects := sftpConnectsTotal.WithLabelValues("success")
	bytesBefore := value(t, bytes)
	connectsBefore := value(t, connects)

	RecordTransferBytes("UPLOAD", 100)
	RecordTransferBytes("UPLOAD", 0)
	SetTerminalSessionsActive(4)
	RecordSFTPConnect(true)

	if got := value(t, bytes) - bytesBefore; got != 100 {
		t.Errorf("transfer bytes delta = %v, want 100", got)
	}
	if got := value(t, connects) - connectsBefore; got != 1 {
		t.Errorf("sftp connects delta = %v, want 1", got)
	}
	if got := value(t, terminalSessionsActive); got != 4 {
		t.Errorf("terminal sessions = %v, want 4", got)
	}
	if !strings.Contains(scrape(t), `shellport_transfer_bytes_total{operation="UPLOAD"}`) {
		t.Error("transfer bytes missing from metrics output")
	}
}
