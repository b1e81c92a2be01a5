package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew_RegistersCollectors(t *testing.T) {
	m := New()
	if m.VectorsInserted == nil || m.RMSE == nil || m.PhaseDuration == nil {
		t.Fatal("collectors not initialised")
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	m := New()
	m.RecordIteration(1000, 3, 1.25, 64, 2*time.Second)
	m.ObservePhase("bootstrap", 500*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"emtree_vectors_inserted_total 1000",
		"emtree_iterations_total 1",
		"emtree_clusters_pruned_total 3",
		"emtree_rmse 1.25",
		"emtree_leaf_clusters 64",
		"emtree_phase_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRecordIteration_Accumulates(t *testing.T) {
	m := New()
	m.RecordIteration(100, 1, 2.0, 8, time.Second)
	m.RecordIteration(100, 2, 1.5, 8, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "emtree_vectors_inserted_total 200") {
		t.Error("vector counter should accumulate across iterations")
	}
	if !strings.Contains(body, "emtree_iterations_total 2") {
		t.Error("iteration counter should accumulate")
	}
	// The gauge reflects only the latest value.
	if !strings.Contains(body, "emtree_rmse 1.5") {
		t.Error("RMSE gauge should hold the latest value")
	}
}
