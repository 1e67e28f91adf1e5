package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"
)

type BackendStatus struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

type Status struct {
	OK        bool           `json:"ok"`
	Status    string         `json:"status"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Backend   *BackendStatus `json:"backend,omitempty"`
}

// Checker probes the internal backend's health endpoint.
type Checker struct {
	Service    string
	Version    string
	BackendURL string // full URL probed with GET, empty skips the probe
	Timeout    time.Duration
	Client     *http.Client
}

func (c *Checker) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// Probe performs one bounded GET against the backend.
func (c *Checker) Probe(ctx context.Context) BackendStatus {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BackendURL, nil)
	if err != nil {
		return BackendStatus{Error: err.Error()}
	}
	resp, err := c.client().Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return BackendStatus{LatencyMS: latency, Error: err.Error()}
	}
	defer resp.Body.Close()

	st := BackendStatus{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		LatencyMS:  latency,
	}
	if !st.OK {
		st.Error = fmt.Sprintf("backend returned %d", resp.StatusCode)
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the relay's health and that of its backend
func HTTPHandler(c *Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{
			OK:        true,
			Status:    "healthy",
			Service:   c.Service,
			Version:   c.Version,
			Timestamp: time.Now().UTC(),
		}

		code := http.StatusOK
		if c.BackendURL != "" {
			b := c.Probe(r.Context())
			st.Backend = &b
			if !b.OK {
				st.OK = false
				st.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}

type Memory struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	HeapInuse  uint64 `json:"heap_inuse"`
	NumGC      uint32 `json:"num_gc"`
}

type ProcessStatus struct {
	Service       string  `json:"service"`
	Version       string  `json:"version"`
	PID           int     `json:"pid"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	GoVersion     string  `json:"go_version"`
	Memory        Memory  `json:"memory"`
}

// StatusHandler reports process metrics measured from started.
func StatusHandler(service, version string, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		st := ProcessStatus{
			Service:       service,
			Version:       version,
			PID:           os.Getpid(),
			UptimeSeconds: time.Since(started).Seconds(),
			Goroutines:    runtime.NumGoroutine(),
			GoVersion:     runtime.Version(),
			Memory: Memory{
				Alloc:      ms.Alloc,
				TotalAlloc: ms.TotalAlloc,
				Sys:        ms.Sys,
				HeapInuse:  ms.HeapInuse,
				NumGC:      ms.NumGC,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
