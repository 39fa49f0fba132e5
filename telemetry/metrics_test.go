package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentRecordsRequests(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("test-op", "2xx"))

	handler := Instrument("test-op", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("test-op", "2xx"))
	if after-before != 1 {
		t.Errorf("Expected 1 recorded request, got %v", after-before)
	}
}

func TestDeliveryCollectorsRegistered(t *testing.T) {
	expected := map[string]bool{
		"relay_messages_published_total": false,
		"relay_messages_delivered_total": false,
		"relay_messages_dropped_total":   false,
		"relay_encode_duration_seconds":  false,
	}

	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	for _, f := range families {
		if _, ok := expected[f.GetName()]; ok {
			expected[f.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("Expected metric %s to be registered", name)
		}
	}
}
