package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAlert(t *testing.T, ch <-chan Alert) Alert {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert")
		return Alert{}
	}
}

func noAlert(t *testing.T, ch <-chan Alert) {
	t.Helper()
	select {
	case a := <-ch:
		t.Fatalf("unexpected alert %+v", a)
	default:
	}
}

func TestHealthMonitor_Aggregate(t *testing.T) {
	tests := []struct {
		name     string
		loop     time.Duration
		killed   bool
		expected Status
	}{
		{name: "ticking", loop: time.Second, expected: StatusHealthy},
		{name: "lagging loop", loop: 2 * time.Minute, expected: StatusDegraded},
		{name: "stalled loop", loop: time.Hour, expected: StatusUnhealthy},
		{name: "kill switch", loop: time.Second, killed: true, expected: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := time.Now().Add(-tt.loop)
			m := NewHealthMonitor(time.Minute)
			m.Register("loop", StalenessCheck(func() time.Time { return last }, time.Minute, 10*time.Minute))
			m.Register("control", FlagCheck(func() bool { return tt.killed }, "kill switch engaged"))

			h := m.Check(context.Background())
			assert.Equal(t, tt.expected, h.Status)
			require.Len(t, h.Components, 2)
			assert.Equal(t, "control", h.Components[0].Name, "components are sorted by name")
			assert.Equal(t, "loop", h.Components[1].Name)
			assert.False(t, h.Components[1].CheckedAt.IsZero())
		})
	}
}

func TestHealthMonitor_AlertsOnTransitions(t *testing.T) {
	killed := false
	m := NewHealthMonitor(time.Minute)
	m.Register("control", FlagCheck(func() bool { return killed }, "kill switch engaged"))

	m.Check(context.Background())
	noAlert(t, m.Alerts())

	killed = true
	m.Check(context.Background())
	a := drainAlert(t, m.Alerts())
	assert.Equal(t, "critical", a.Level)
	assert.Equal(t, "control", a.Component)
	assert.Equal(t, "kill switch engaged", a.Message)

	m.Check(context.Background())
	noAlert(t, m.Alerts())

	killed = false
	m.Check(context.Background())
	a = drainAlert(t, m.Alerts())
	assert.Equal(t, "info", a.Level)
	assert.Equal(t, "now healthy", a.Message)
}

func TestHealthMonitor_FirstCheckAlertsWhenNotHealthy(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	m.Register("feed", StalenessCheck(func() time.Time { return time.Time{} }, time.Minute, time.Hour))

	m.Check(context.Background())
	a := drainAlert(t, m.Alerts())
	assert.Equal(t, "warn", a.Level)
	assert.Equal(t, "feed", a.Component)
	assert.Equal(t, "no activity yet", a.Message)
}

func TestHealthMonitor_StartRunsUntilCancelled(t *testing.T) {
	m := NewHealthMonitor(10 * time.Millisecond)
	m.Register("control", FlagCheck(func() bool { return true }, "kill switch engaged"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	a := drainAlert(t, m.Alerts())
	assert.Equal(t, "critical", a.Level)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStalenessCheck(t *testing.T) {
	var last time.Time
	check := StalenessCheck(func() time.Time { return last }, time.Minute, 5*time.Minute)
	ctx := context.Background()

	assert.Equal(t, StatusDegraded, check(ctx).Status, "never reported")

	last = time.Now()
	assert.Equal(t, StatusHealthy, check(ctx).Status)

	last = time.Now().Add(-2 * time.Minute)
	assert.Equal(t, StatusDegraded, check(ctx).Status)

	last = time.Now().Add(-10 * time.Minute)
	h := check(ctx)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Contains(t, h.Message, "stale")
}

func TestFlagCheck(t *testing.T) {
	open := false
	check := FlagCheck(func() bool { return open }, "circuit open")
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)
	open = true
	h := check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "circuit open", h.Message)
}
