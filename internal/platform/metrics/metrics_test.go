package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAdd(t *testing.T) {
	c := NewCounter(Opts{Name: "test_total"})
	c.Inc()
	c.Add(2)
	c.Add(-5) // counters never go down
	if got := c.Value(); got != 3 {
		t.Fatalf("expected 3, got %v", got)
	}
}

func TestRegistryRendersPrometheusText(t *testing.T) {
	reg := NewRegistry()
	c := NewCounter(Opts{Name: "requests_total", Help: "Requests handled."})
	g := NewGauge(Opts{Name: "queue_depth"})
	reg.MustRegister(c, g)
	c.Inc()
	g.Set(7)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"# HELP requests_total Requests handled.",
		"# TYPE requests_total counter",
		"requests_total 1",
		"# TYPE queue_depth gauge",
		"queue_depth 7",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in output:\n%s", want, body)
		}
	}
}

func TestMustRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(NewCounter(Opts{Name: "dup_total"}))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	reg.MustRegister(NewCounter(Opts{Name: "dup_total"}))
}
