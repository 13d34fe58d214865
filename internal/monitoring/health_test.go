package monitoring

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-proxcox/internal/cox"
	"github.com/23skdu/longbow-proxcox/internal/device"
)

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthyByDefault(t *testing.T) {
	fm := NewFitMonitor()
	rec := get(t, fm.Handler(), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestObserveUpdatesStatus(t *testing.T) {
	fm := NewFitMonitor()
	fm.Observe("s1", cox.Iteration{Iter: 1, Objective: 2.5, Step: 1, MaxDiff: 0.3, Criterion: cox.CriterionValue})
	fm.Observe("s1", cox.Iteration{Iter: 2, Objective: 2.1, Step: 0.5, MaxDiff: 0.1, Retries: 2, Criterion: cox.CriterionGradient})

	rec := get(t, fm.Handler(), http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var st HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	f := st.Fit
	if f.Session != "s1" || f.Iteration != 2 || f.Objective != 2.1 || f.Step != 0.5 || f.MaxDiff != 0.1 {
		t.Errorf("fit info %+v", f)
	}
	if f.Criterion != "gradient" || !f.Running {
		t.Errorf("criterion %q running %v", f.Criterion, f.Running)
	}
	if st.Performance.AvgRetries != 1 {
		t.Errorf("avg retries = %v, want 1", st.Performance.AvgRetries)
	}
}

func TestFailedRaisesAlerts(t *testing.T) {
	tests := []struct {
		err       error
		level     string
		component string
		health    int
	}{
		{fmt.Errorf("%w: iteration 3", cox.ErrLineSearch), "error", "linesearch", http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", cox.ErrNonFinite), "critical", "objective", http.StatusServiceUnavailable},
		{device.ErrOutOfMemory, "error", "device", http.StatusServiceUnavailable},
		{errors.New("boom"), "error", "fit", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			fm := NewFitMonitor()
			fm.Failed("s9", tt.err)

			alerts := fm.Alerts()
			if len(alerts) != 1 {
				t.Fatalf("alerts = %d, want 1", len(alerts))
			}
			a := alerts[0]
			if a.Level != tt.level || a.Component != tt.component || a.Session != "s9" {
				t.Errorf("alert %+v", a)
			}
			if rec := get(t, fm.Handler(), http.MethodGet, "/health"); rec.Code != tt.health {
				t.Errorf("health code %d, want %d", rec.Code, tt.health)
			}
			st := fm.Status()
			if st.Fit.Running || st.Fit.LastError == "" {
				t.Errorf("fit info after failure %+v", st.Fit)
			}
		})
	}
}

func TestCriticalOutranksError(t *testing.T) {
	fm := NewFitMonitor()
	fm.AddAlert("error", "linesearch", "", "a")
	if s := fm.Status().Status; s != "degraded" {
		t.Errorf("status = %q, want degraded", s)
	}
	fm.AddAlert("critical", "objective", "", "b")
	if s := fm.Status().Status; s != "critical" {
		t.Errorf("status = %q, want critical", s)
	}
	fm.ResolveAlert(1)
	if s := fm.Status().Status; s != "degraded" {
		t.Errorf("status after resolve = %q, want degraded", s)
	}
	fm.ResolveAlert(0)
	if s := fm.Status().Status; s != "healthy" {
		t.Errorf("status after resolving all = %q, want healthy", s)
	}
}

func TestRetryWarning(t *testing.T) {
	fm := NewFitMonitor()
	fm.RetryWarning = 3
	fm.Observe("s", cox.Iteration{Iter: 1, Retries: 3})
	if n := len(fm.Alerts()); n != 0 {
		t.Fatalf("alerts = %d at the threshold", n)
	}
	fm.Observe("s", cox.Iteration{Iter: 2, Retries: 4})
	alerts := fm.Alerts()
	if len(alerts) != 1 || alerts[0].Level != "warning" {
		t.Errorf("alerts %+v", alerts)
	}
	if fm.Status().Status != "healthy" {
		t.Error("warnings should not degrade health")
	}
}

func TestDeviceMemoryWarning(t *testing.T) {
	fm := NewFitMonitor()
	fm.RecordDeviceMemory(1 << 40)
	if len(fm.Alerts()) != 0 {
		t.Error("alert with warning disabled")
	}
	fm.DeviceMemoryWarning = 1 << 20
	fm.RecordDeviceMemory(1 << 19)
	fm.RecordDeviceMemory(3 << 20)
	alerts := fm.Alerts()
	if len(alerts) != 1 || !strings.Contains(alerts[0].Message, "3 MB") {
		t.Errorf("alerts %+v", alerts)
	}
}

func TestAlertHistoryIsBounded(t *testing.T) {
	fm := NewFitMonitor()
	for i := 0; i < maxAlerts+10; i++ {
		fm.AddAlert("info", "fit", "", fmt.Sprint(i))
	}
	alerts := fm.Alerts()
	if len(alerts) != maxAlerts {
		t.Fatalf("alerts = %d, want %d", len(alerts), maxAlerts)
	}
	if alerts[0].Message != "10" {
		t.Errorf("oldest alert %q, want 10", alerts[0].Message)
	}
}

func TestClearAlerts(t *testing.T) {
	fm := NewFitMonitor()
	fm.AddAlert("error", "fit", "", "x")
	h := fm.Handler()

	if rec := get(t, h, http.MethodGet, "/admin/clear-alerts"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear-alerts code %d", rec.Code)
	}
	rec := get(t, h, http.MethodGet, "/admin/alerts")
	var alerts []Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil || len(alerts) != 1 {
		t.Fatalf("alerts %v, %v", alerts, err)
	}
	if rec := get(t, h, http.MethodPost, "/admin/clear-alerts"); rec.Code != http.StatusOK {
		t.Errorf("POST clear-alerts code %d", rec.Code)
	}
	if len(fm.Alerts()) != 0 {
		t.Error("alerts not cleared")
	}
}

func TestFinished(t *testing.T) {
	fm := NewFitMonitor()
	fm.Observe("s", cox.Iteration{Iter: 4})
	fm.Finished(&cox.Result{SessionID: "s", Iterations: 5, Objective: 1.25, Converged: true})
	st := fm.Status()
	if st.Fit.Running || st.Fit.Iteration != 5 || st.Fit.Objective != 1.25 {
		t.Errorf("fit info %+v", st.Fit)
	}
}

func TestMetricsRoute(t *testing.T) {
	fm := NewFitMonitor()
	rec := get(t, fm.Handler(), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics code %d", rec.Code)
	}
}
