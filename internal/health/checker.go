// Package health tracks the reachability of the ledger's backing services.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status values reported per dependency.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency. Check returns nil when it is reachable.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// DependencyStatus is the last known state of one dependency.
type DependencyStatus struct {
	Status    string    `json:"status"`
	FailCount int       `json:"fail_count,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Report summarises every dependency. Ready is false while any is degraded.
type Report struct {
	Ready        bool                        `json:"ready"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(dependency string, healthy bool)

// Checker runs periodic dependency probes.
type Checker struct {
	probes    []Probe
	mu        sync.Mutex
	status    map[string]DependencyStatus
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Checker. Every dependency starts as unknown.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	status := make(map[string]DependencyStatus, len(probes))
	for _, p := range probes {
		status[p.Name] = DependencyStatus{Status: StatusUnknown}
	}
	return &Checker{
		probes: probes,
		status: status,
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and records the results.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(probeCtx)
			cancel()

			if h.onMetrics != nil {
				h.onMetrics(p.Name, err == nil)
			}
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	h.mu.Lock()
	prev := h.status[name]
	next := DependencyStatus{CheckedAt: time.Now().UTC()}
	if err == nil {
		next.Status = StatusHealthy
	} else {
		next.FailCount = prev.FailCount + 1
		next.LastError = err.Error()
		next.Status = prev.Status
		if next.Status == StatusUnknown {
			next.Status = StatusHealthy
		}
		if next.FailCount >= h.cfg.FailThreshold {
			next.Status = StatusDegraded
		}
	}
	h.status[name] = next
	h.mu.Unlock()

	switch {
	case err == nil && prev.Status == StatusDegraded:
		h.logger.Info("health: recovered", zap.String("dependency", name))
	case err != nil && next.FailCount == h.cfg.FailThreshold:
		h.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", next.FailCount),
			zap.Error(err),
		)
	case err != nil:
		h.logger.Debug("health: probe failed", zap.String("dependency", name), zap.Error(err))
	}
}

// Report returns a snapshot of every dependency.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := Report{Ready: true, Dependencies: make(map[string]DependencyStatus, len(h.status))}
	for name, s := range h.status {
		r.Dependencies[name] = s
		if s.Status == StatusDegraded {
			r.Ready = false
		}
	}
	return r
}

// Names lists the probed dependencies in order.
func (h *Checker) Names() []string {
	names := make([]string, 0, len(h.probes))
	for _, p := range h.probes {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// HTTPProbe checks that endpoint answers HEAD or GET with a status below 500.
func HTTPProbe(client *http.Client, endpoint string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		status, err := probeEndpoint(ctx, client, http.MethodHead, endpoint)
		if err == nil && status < 500 && status != http.StatusMethodNotAllowed {
			return nil
		}
		status, err = probeEndpoint(ctx, client, http.MethodGet, endpoint)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("%s answered HTTP %d", endpoint, status)
		}
		return nil
	}
}

func probeEndpoint(ctx context.Context, client *http.Client, method, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
