package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// HealthStatus is the full picture served on /status
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Decode      DecodeInfo      `json:"decode"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// DecodeInfo summarizes the engine's lifetime decode activity
type DecodeInfo struct {
	ExecutorBound  bool   `json:"executor_bound"`
	ExecutorKind   string `json:"executor_kind"`
	RunsCompleted  int64  `json:"runs_completed"`
	RunsFailed     int64  `json:"runs_failed"`
	TokensLifetime int64  `json:"tokens_lifetime"`
}

// PerformanceInfo contains derived throughput and latency figures
type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgRunMs        float64   `json:"avg_run_ms"`
	P95RunMs        float64   `json:"p95_run_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastRun         time.Time `json:"last_run"`
}

// Alert is one raised condition. Level is info, warning, error or critical.
type Alert struct {
	Level      string     `json:"level"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type runPoint struct {
	at       time.Time
	tokens   int
	duration time.Duration
	failed   bool
}

// HealthMonitor serves liveness, Prometheus metrics and a detailed status
// document over HTTP, and keeps a short run history for alerting.
type HealthMonitor struct {
	startTime    time.Time
	executorKind string
	server       *http.Server
	log          *logger.Logger

	mu         sync.RWMutex
	alerts     []Alert
	history    []runPoint
	lastRun    time.Time
	runsOK     int64
	runsFailed int64
}

func NewHealthMonitor(executorKind string) *HealthMonitor {
	return &HealthMonitor{
		startTime:    time.Now(),
		executorKind: executorKind,
		log:          logger.Log.With("monitoring"),
	}
}

// Start serves the monitoring endpoints until Stop. Blocks.
func (hm *HealthMonitor) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)

	hm.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	hm.log.Info("health monitor listening", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordRun feeds one finished decode run into the history
func (hm *HealthMonitor) RecordRun(tokens int, duration time.Duration, failed bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastRun = now
	if failed {
		hm.runsFailed++
	} else {
		hm.runsOK++
	}

	hm.history = append(hm.history, runPoint{at: now, tokens: tokens, duration: duration, failed: failed})
	if len(hm.history) > 1000 {
		hm.history = hm.history[1:]
	}

	hm.checkRunAlerts(tokens, duration, failed)
}

// AddAlert raises an alert; the oldest is dropped past 100
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert marks alert index as resolved
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status assembles the current health document
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
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

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Decode: DecodeInfo{
			ExecutorBound:  hm.executorKind != "",
			ExecutorKind:   hm.executorKind,
			RunsCompleted:  hm.runsOK,
			RunsFailed:     hm.runsFailed,
			TokensLifetime: metrics.TokensGenerated(),
		},
		Performance: hm.performanceLocked(),
		Alerts:      hm.alerts,
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
	}
}

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	if len(hm.history) == 0 {
		return PerformanceInfo{LastRun: hm.lastRun}
	}

	var totalTokens int
	var totalDuration time.Duration
	failed := 0
	latencies := make([]float64, 0, len(hm.history))
	for _, p := range hm.history {
		totalTokens += p.tokens
		totalDuration += p.duration
		latencies = append(latencies, float64(p.duration.Nanoseconds())/1e6)
		if p.failed {
			failed++
		}
	}
	sort.Float64s(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	tps := 0.0
	if totalDuration > 0 {
		tps = float64(totalTokens) / totalDuration.Seconds()
	}
	return PerformanceInfo{
		TokensPerSecond: tps,
		AvgRunMs:        float64(totalDuration.Nanoseconds()) / float64(len(hm.history)) / 1e6,
		P95RunMs:        latencies[p95],
		ErrorRate:       float64(failed) / float64(len(hm.history)),
		LastRun:         hm.lastRun,
	}
}

func (hm *HealthMonitor) checkRunAlerts(tokens int, duration time.Duration, failed bool) {
	if failed {
		hm.addAlertLocked("error", "decode", "decode run failed")
		return
	}
	if duration <= 0 {
		return
	}

	tps := float64(tokens) / duration.Seconds()
	if tps < 1.0 {
		hm.addAlertLocked("warning", "performance",
			fmt.Sprintf("Low throughput: %.2f tokens/sec", tps))
	}
	if ms := float64(duration.Nanoseconds()) / 1e6; ms > 30000 {
		hm.addAlertLocked("error", "performance",
			fmt.Sprintf("Slow run: %.2f ms", ms))
	}
}
