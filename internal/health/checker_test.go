package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type flakyProbe struct {
	failures atomic.Int32
}

func (f *flakyProbe) check(context.Context) error {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("connection refused")
	}
	return nil
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestHTTPProbe_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := HTTPProbe(srv.Client(), srv.URL)(context.Background()); err != nil {
		t.Errorf("expected a 4xx answer to count as reachable, got %v", err)
	}
}

func TestHTTPProbe_headNotAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := HTTPProbe(srv.Client(), srv.URL)(context.Background()); err != nil {
		t.Errorf("expected GET fallback to succeed, got %v", err)
	}
}

func TestHTTPProbe_failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := HTTPProbe(srv.Client(), srv.URL)(context.Background()); err == nil {
		t.Error("expected probe to fail")
	}
}

func TestReport_unknownBeforeFirstCheck(t *testing.T) {
	checker := New([]Probe{{Name: "store", Check: func(context.Context) error { return nil }}}, Config{}, zap.NewNop())
	r := checker.Report()
	if !r.Ready || r.Dependencies["store"].Status != StatusUnknown {
		t.Errorf("unexpected initial report %+v", r)
	}
}

func TestCheckAll_degradesAfterThreshold(t *testing.T) {
	flaky := &flakyProbe{}
	flaky.failures.Store(10)
	checker := New([]Probe{
		{Name: "redis", Check: flaky.check},
		{Name: "store", Check: func(context.Context) error { return nil }},
	}, Config{FailThreshold: 3, ProbeTimeout: time.Second}, zap.NewNop())

	var recorded []bool
	checker.SetMetricsRecord(func(name string, healthy bool) {
		if name == "redis" {
			recorded = append(recorded, healthy)
		}
	})

	for i := 0; i < 2; i++ {
		checker.CheckAll(context.Background())
	}
	if r := checker.Report(); !r.Ready || r.Dependencies["redis"].Status != StatusHealthy {
		t.Fatalf("expected still healthy below threshold, got %+v", r)
	}

	checker.CheckAll(context.Background())
	r := checker.Report()
	if r.Ready || r.Dependencies["redis"].Status != StatusDegraded {
		t.Fatalf("expected degraded at threshold, got %+v", r)
	}
	if r.Dependencies["redis"].LastError != "connection refused" || r.Dependencies["redis"].FailCount != 3 {
		t.Errorf("unexpected redis status %+v", r.Dependencies["redis"])
	}
	if r.Dependencies["store"].Status != StatusHealthy {
		t.Errorf("store should be healthy, got %+v", r.Dependencies["store"])
	}
	if len(recorded) != 3 || recorded[0] {
		t.Errorf("unexpected metric calls %v", recorded)
	}
}

func TestCheckAll_recoversOnSuccess(t *testing.T) {
	flaky := &flakyProbe{}
	flaky.failures.Store(3)
	checker := New([]Probe{{Name: "notary", Check: flaky.check}}, Config{FailThreshold: 3}, zap.NewNop())

	for i := 0; i < 4; i++ {
		checker.CheckAll(context.Background())
	}
	r := checker.Report()
	if !r.Ready || r.Dependencies["notary"].Status != StatusHealthy || r.Dependencies["notary"].FailCount != 0 {
		t.Errorf("expected healthy after recovery, got %+v", r)
	}
}

func TestCheckAll_probeTimeout(t *testing.T) {
	slow := Probe{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	checker := New([]Probe{slow}, Config{FailThreshold: 1, ProbeTimeout: 5 * time.Millisecond}, zap.NewNop())
	checker.CheckAll(context.Background())
	if checker.Report().Ready {
		t.Error("expected timed-out probe to degrade readiness")
	}
}

func TestNames(t *testing.T) {
	ok := func(context.Context) error { return nil }
	checker := New([]Probe{{"store", ok}, {"anchor_sink", ok}}, Config{}, zap.NewNop())
	names := checker.Names()
	if len(names) != 2 || names[0] != "anchor_sink" || names[1] != "store" {
		t.Errorf("unexpected names %v", names)
	}
}
