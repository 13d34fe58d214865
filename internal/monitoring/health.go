package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-proxcox/internal/cox"
	"github.com/23skdu/longbow-proxcox/internal/device"
	"github.com/23skdu/longbow-proxcox/internal/logger"
)

// Version is reported by /status.
var Version = "dev"

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Fit         FitInfo         `json:"fit"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
	DeviceMemoryMB float64 `json:"device_memory_mb"`
}

// FitInfo describes the most recently observed fit.
type FitInfo struct {
	Session   string  `json:"session"`
	Running   bool    `json:"running"`
	Iteration int     `json:"iteration"`
	Objective float64 `json:"objective"`
	Step      float64 `json:"step"`
	MaxDiff   float64 `json:"max_diff"`
	Retries   int     `json:"line_search_retries"`
	Criterion string  `json:"criterion"`
	LastError string  `json:"last_error,omitempty"`
}

// PerformanceInfo summarizes recent iteration throughput.
type PerformanceInfo struct {
	IterationsPerSecond float64   `json:"iterations_per_second"`
	AvgRetries          float64   `json:"avg_line_search_retries"`
	LastIteration       time.Time `json:"last_iteration"`
}

// Alert represents a fit or system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // linesearch, objective, device
	Message    string     `json:"message"`
	Session    string     `json:"session,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type point struct {
	at      time.Time
	retries int
}

const (
	maxHistory = 1000
	maxAlerts  = 100
)

// FitMonitor serves health and fit progress over HTTP and raises alerts
// from what the solver reports. It implements cox.Observer.
type FitMonitor struct {
	startTime time.Time
	server    *http.Server
	mu        sync.RWMutex
	alerts    []Alert
	fit       FitInfo
	history   []point

	// RetryWarning raises a warning when one iteration needs more
	// backtracking steps than this; 0 disables it.
	RetryWarning int
	// DeviceMemoryWarning raises a warning above this many bytes; 0
	// disables it.
	DeviceMemoryWarning int64
}

var _ cox.Observer = (*FitMonitor)(nil)

func NewFitMonitor() *FitMonitor {
	return &FitMonitor{
		startTime:    time.Now(),
		alerts:       make([]Alert, 0),
		history:      make([]point, 0),
		RetryWarning: 20,
	}
}

// Handler returns the monitor's routes.
func (fm *FitMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", fm.handleHealth)
	mux.HandleFunc("/healthz", fm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", fm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", fm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", fm.handleClearAlerts)
	return mux
}

// Start serves the monitor on addr until Stop.
func (fm *FitMonitor) Start(addr string) error {
	fm.server = &http.Server{
		Addr:         addr,
		Handler:      fm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("monitor starting", "addr", addr)
	if err := fm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (fm *FitMonitor) Stop(ctx context.Context) error {
	if fm.server != nil {
		return fm.server.Shutdown(ctx)
	}
	return nil
}

// Observe records an accepted iteration.
func (fm *FitMonitor) Observe(sessionID string, it cox.Iteration) {
	fm.mu.Lock()
	now := time.Now()
	if fm.fit.Session != sessionID {
		fm.history = fm.history[:0]
	}
	fm.fit = FitInfo{
		Session:   sessionID,
		Running:   true,
		Iteration: it.Iter,
		Objective: it.Objective,
		Step:      it.Step,
		MaxDiff:   it.MaxDiff,
		Retries:   it.Retries,
		Criterion: it.Criterion.String(),
	}
	fm.history = append(fm.history, point{at: now, retries: it.Retries})
	if len(fm.history) > maxHistory {
		fm.history = fm.history[1:]
	}
	fm.mu.Unlock()

	if fm.RetryWarning > 0 && it.Retries > fm.RetryWarning {
		fm.AddAlert("warning", "linesearch", sessionID,
			fmt.Sprintf("iteration %d needed %d backtracking steps", it.Iter, it.Retries))
	}
}

// Failed records a fit that stopped with an error.
func (fm *FitMonitor) Failed(sessionID string, err error) {
	fm.mu.Lock()
	fm.fit.Session = sessionID
	fm.fit.Running = false
	fm.fit.LastError = err.Error()
	fm.mu.Unlock()

	switch {
	case errors.Is(err, cox.ErrNonFinite):
		fm.AddAlert("critical", "objective", sessionID, err.Error())
	case errors.Is(err, cox.ErrLineSearch):
		fm.AddAlert("error", "linesearch", sessionID, err.Error())
	case errors.Is(err, device.ErrOutOfMemory):
		fm.AddAlert("error", "device", sessionID, err.Error())
	default:
		fm.AddAlert("error", "fit", sessionID, err.Error())
	}
}

// Finished marks the current fit as done.
func (fm *FitMonitor) Finished(res *cox.Result) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.fit.Session = res.SessionID
	fm.fit.Running = false
	fm.fit.Iteration = res.Iterations
	fm.fit.Objective = res.Objective
	fm.fit.MaxDiff = res.MaxDiff
	fm.fit.Step = res.StepSize
}

// RecordDeviceMemory checks device memory against DeviceMemoryWarning.
func (fm *FitMonitor) RecordDeviceMemory(bytes int64) {
	if fm.DeviceMemoryWarning > 0 && bytes > fm.DeviceMemoryWarning {
		fm.AddAlert("warning", "device", "",
			fmt.Sprintf("high device memory usage: %d MB", bytes/(1024*1024)))
	}
}

func (fm *FitMonitor) AddAlert(level, component, session, message string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.alerts = append(fm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Session:   session,
		Timestamp: time.Now(),
	})
	if len(fm.alerts) > maxAlerts {
		fm.alerts = fm.alerts[1:]
	}

	logger.Log.Warn("alert", "level", level, "component", component, "session", session, "message", message)
}

func (fm *FitMonitor) ResolveAlert(index int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if index >= 0 && index < len(fm.alerts) {
		now := time.Now()
		fm.alerts[index].Resolved = true
		fm.alerts[index].ResolvedAt = &now
	}
}

// Alerts returns a copy of the current alerts.
func (fm *FitMonitor) Alerts() []Alert {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	out := make([]Alert, len(fm.alerts))
	copy(out, fm.alerts)
	return out
}

// HTTP Handlers

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("encode response", "error", err)
	}
}

func (fm *FitMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := fm.Status()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (fm *FitMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fm.Status())
}

func (fm *FitMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fm.Alerts())
}

func (fm *FitMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fm.mu.Lock()
	fm.alerts = fm.alerts[:0]
	fm.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health status.
func (fm *FitMonitor) Status() HealthStatus {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	status := "healthy"
	for _, alert := range fm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(fm.alerts))
	copy(alerts, fm.alerts)
	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(fm.startTime),
		System:      systemInfo(),
		Fit:         fm.fit,
		Performance: fm.performanceInfo(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryMB:       int(m.Sys / 1024 / 1024),
		MemoryUsedMB:   int(m.Alloc / 1024 / 1024),
		MemoryUsagePct: float64(m.Alloc) / float64(m.Sys) * 100,
		DeviceMemoryMB: float64(device.AllocatedBytes()) / (1024 * 1024),
	}
}

// performanceInfo must be called with mu held.
func (fm *FitMonitor) performanceInfo() PerformanceInfo {
	n := len(fm.history)
	if n == 0 {
		return PerformanceInfo{}
	}
	info := PerformanceInfo{LastIteration: fm.history[n-1].at}
	var retries int
	for _, p := range fm.history {
		retries += p.retries
	}
	info.AvgRetries = float64(retries) / float64(n)
	if n > 1 {
		if span := fm.history[n-1].at.Sub(fm.history[0].at).Seconds(); span > 0 {
			info.IterationsPerSecond = float64(n-1) / span
		}
	}
	return info
}
