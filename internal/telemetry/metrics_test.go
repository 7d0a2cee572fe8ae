package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/benidevo/vega-companion/internal/errclass"
)

func TestMetricsAppearOnScrape(t *testing.T) {
	m := New(func() int { return 3 })

	m.ObserveFailure(errclass.Details{Category: errclass.CategoryNetwork})
	m.LoginAttempt(true)
	m.LoginAttempt(false)
	m.JobSave(true)
	m.DedupHit()
	m.Broadcast()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`vega_companion_active_connections 3`,
		`vega_companion_failures_total{category="network"} 1`,
		`vega_companion_logins_total{outcome="ok"} 1`,
		`vega_companion_logins_total{outcome="fail"} 1`,
		`vega_companion_job_saves_total{outcome="ok"} 1`,
		`vega_companion_dedup_hits_total 1`,
		`vega_companion_broadcasts_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape output missing %q\n%s", want, body)
		}
	}
}
