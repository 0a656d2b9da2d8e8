package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// freshRegistry resets the registration gate so each test registers into its own registry.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if c := out.GetCounter(); c != nil {
		return c.GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncHelperStart()
	IncHelperStop()
	SetSessionState("running", true)
	ObserveSubmit(ResultOK, 0.25)
	IncScanCycle()
	SetFilesEligible(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"medio_helper_starts_total":            false,
		"medio_helper_stops_total":             false,
		"medio_helper_session_state":           false,
		"medio_helper_submits_total":           false,
		"medio_helper_submit_duration_seconds": false,
		"medio_scan_cycles_total":              false,
		"medio_scan_files_eligible":            false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestObserveSubmitCountsByResult(t *testing.T) {
	freshRegistry(t)
	before := value(t, submits.WithLabelValues(ResultReportedError))
	ObserveSubmit(ResultReportedError, 0.1)
	ObserveSubmit(ResultReportedError, 0.1)
	if got := value(t, submits.WithLabelValues(ResultReportedError)) - before; got != 2 {
		t.Fatalf("reported_error delta = %v, want 2", got)
	}
}

func TestSessionStateGauge(t *testing.T) {
	freshRegistry(t)
	SetSessionState("running", true)
	SetSessionState("failed", false)
	if v := value(t, sessionState.WithLabelValues("running")); v != 1 {
		t.Fatalf("running = %v", v)
	}
	if v := value(t, sessionState.WithLabelValues("failed")); v != 0 {
		t.Fatalf("failed = %v", v)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncHelperStart()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "medio_helper_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncHelperStart()
			ObserveSubmit(ResultOK, 0.01)
			IncScanCycle()
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops, must not panic
	IncHelperStart()
	IncHelperStop()
	SetSessionState("running", true)
	ObserveSubmit(ResultFailed, 0)
	IncScanCycle()
	SetFilesEligible(1)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
