package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// counterValue extracts the current value of a labelled counter via the
// default gatherer, the same way a scrape would see it.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchesLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchesLabels(m *dto.Metric, labels map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMiddleware_RecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/v1/trades/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	labels := map[string]string{"method": "GET", "path": "/v1/trades/:id", "status": "2xx"}
	before := counterValue(t, "peervault_http_requests_total", labels)

	req := httptest.NewRequest(http.MethodGet, "/v1/trades/trd_123", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	after := counterValue(t, "peervault_http_requests_total", labels)
	if after != before+1 {
		t.Errorf("expected counter to increment by 1, got %v -> %v", before, after)
	}
}

func TestEscrowTransitionCounter(t *testing.T) {
	labels := map[string]string{"to": "funded"}
	before := counterValue(t, "peervault_escrow_transitions_total", labels)

	EscrowTransitionsTotal.WithLabelValues("funded").Inc()

	after := counterValue(t, "peervault_escrow_transitions_total", labels)
	if after != before+1 {
		t.Errorf("expected transition counter to increment, got %v -> %v", before, after)
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		102: "1xx",
		200: "2xx",
		201: "2xx",
		304: "3xx",
		404: "4xx",
		409: "4xx",
		500: "5xx",
		503: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", code, got, want)
		}
	}
}
