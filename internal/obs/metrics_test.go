package obs

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveFetch("image", "network", 15*time.Millisecond)
	m.RecordCacheWrite("moles-world-images-v1", nil)
	m.RecordCacheWrite("moles-world-images-v1", errors.New("disk full"))
	m.RecordJob("sync-mole-data", false)
	m.SetLifecycleState("activated")

	out := scrape(t, m)
	for _, want := range []string{
		`shellcache_fetch_total{source="network",strategy="image"} 1`,
		`shellcache_cache_writes_total{cache="moles-world-images-v1",result="failure"} 1`,
		`shellcache_job_runs_total{result="failure",tag="sync-mole-data"} 1`,
		`shellcache_lifecycle_state{state="activated"} 1`,
		`shellcache_lifecycle_state{state="installed"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, out)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveFetch("generic", "", time.Second)
	m.RecordJob("x", true)
	m.SetLifecycleState("activated")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics, got %d", rec.Code)
	}
}
