package observability

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is a component's health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) worse(than Status) bool { return severity[s] > severity[than] }

var severity = map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

// HealthCheck reports one component. The monitor fills in the name and timing.
type HealthCheck func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Details   map[string]any `json:"details,omitempty"`
}

// SystemHealth is the worst component status plus every component report.
type SystemHealth struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	Uptime     string            `json:"uptime"`
}

// Alert is raised when a component changes status.
type Alert struct {
	Level     string    `json:"level"` // info, warn or critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// HealthMonitor runs the trader's component checks on an interval.
type HealthMonitor struct {
	interval time.Duration
	started  time.Time
	alerts   chan Alert

	mu     sync.Mutex
	names  []string
	checks map[string]HealthCheck
	last   map[string]ComponentHealth
}

func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		interval: interval,
		started:  time.Now(),
		alerts:   make(chan Alert, 64),
		checks:   make(map[string]HealthCheck),
		last:     make(map[string]ComponentHealth),
	}
}

// Register adds or replaces a named check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checks[name]; !ok {
		m.names = append(m.names, name)
		sort.Strings(m.names)
	}
	m.checks[name] = check
}

// Start checks once, then every interval until ctx is done.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Alerts delivers status changes. Alerts are dropped while the channel is full.
func (m *HealthMonitor) Alerts() <-chan Alert { return m.alerts }

// Check runs every check now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := SystemHealth{
		Status:     StatusHealthy,
		Components: make([]ComponentHealth, 0, len(m.names)),
		Uptime:     time.Since(m.started).Truncate(time.Second).String(),
	}
	for _, name := range m.names {
		h := m.checks[name](ctx)
		h.Name, h.CheckedAt = name, time.Now()

		prev, seen := m.last[name]
		switch {
		case seen && prev.Status != h.Status:
			m.alert(h)
		case !seen && h.Status != StatusHealthy:
			m.alert(h)
		}
		m.last[name] = h

		out.Components = append(out.Components, h)
		if h.Status.worse(out.Status) {
			out.Status = h.Status
		}
	}
	return out
}

func (m *HealthMonitor) alert(h ComponentHealth) {
	a := Alert{Level: "info", Component: h.Name, Message: h.Message, Timestamp: h.CheckedAt}
	switch h.Status {
	case StatusUnhealthy:
		a.Level = "critical"
	case StatusDegraded:
		a.Level = "warn"
	}
	if a.Message == "" {
		a.Message = "now " + string(h.Status)
	}
	select {
	case m.alerts <- a:
	default:
	}
}

// StalenessCheck reports a component degraded once last() is older than
// degradedAfter and unhealthy after unhealthyAfter. A zero time means the
// component has not reported yet and counts as degraded.
func StalenessCheck(last func() time.Time, degradedAfter, unhealthyAfter time.Duration) HealthCheck {
	return func(_ context.Context) ComponentHealth {
		t := last()
		if t.IsZero() {
			return ComponentHealth{Status: StatusDegraded, Message: "no activity yet"}
		}
		age := time.Since(t)
		h := ComponentHealth{
			Status:  StatusHealthy,
			Details: map[string]any{"age_ms": age.Milliseconds()},
		}
		switch {
		case unhealthyAfter > 0 && age > unhealthyAfter:
			h.Status, h.Message = StatusUnhealthy, "stale for "+age.Truncate(time.Second).String()
		case degradedAfter > 0 && age > degradedAfter:
			h.Status, h.Message = StatusDegraded, "lagging by "+age.Truncate(time.Second).String()
		}
		return h
	}
}

// FlagCheck reports unhealthy while bad() is true, with the given message.
func FlagCheck(bad func() bool, message string) HealthCheck {
	return func(_ context.Context) ComponentHealth {
		if bad() {
			return ComponentHealth{Status: StatusUnhealthy, Message: message}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}
