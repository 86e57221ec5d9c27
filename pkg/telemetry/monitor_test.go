package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/logging"
)

func newFakeClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return clk
}

type fakeMemory struct {
	mb float64
}

func (f *fakeMemory) MemoryMB() (float64, error) {
	return f.mb, nil
}

type recordingHandler struct {
	mu     sync.Mutex
	alerts []Alert
}

func (h *recordingHandler) HandleAlert(ctx context.Context, alert Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
	return nil
}

func (h *recordingHandler) Name() string { return "recording" }

func newTestMonitor(cfg config.TelemetryConfig, clk *clock.Mock, mem *fakeMemory) *Monitor {
	return NewMonitor(cfg,
		WithClock(clk),
		WithMemorySampler(mem),
		WithLogger(logging.NewNopLogger()),
	)
}

func TestMonitor_RecordFrameComputesFPS(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{}, newFakeClock(), &fakeMemory{mb: 100})

	s := m.RecordFrame(20 * time.Millisecond)

	assert.Equal(t, uint64(1), s.Frame)
	assert.InDelta(t, 50.0, s.FPS, 1e-9)
	assert.Equal(t, 100.0, s.MemoryMB)
	assert.Empty(t, m.Alerts())
}

func TestMonitor_SamplesAreBoundedAndOrdered(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{SampleCapacity: 5}, newFakeClock(), &fakeMemory{mb: 10})

	for i := 0; i < 12; i++ {
		m.RecordFrame(10 * time.Millisecond)
	}

	samples := m.Samples()
	require.Len(t, samples, 5)
	for i, s := range samples {
		assert.Equal(t, uint64(8+i), s.Frame)
	}
}

func TestMonitor_LowFPSCountsConsecutiveFrames(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{MinFPS: 30, HighLoadMinFPS: 20}, newFakeClock(), &fakeMemory{mb: 10})

	m.RecordFrame(50 * time.Millisecond) // 20 fps
	m.RecordFrame(50 * time.Millisecond)
	m.RecordFrame(50 * time.Millisecond)

	low := m.AlertsOfType(AlertLowFPS)
	require.Len(t, low, 3)
	assert.Equal(t, 3, low[2].Payload["consecutive"])

	m.RecordFrame(10 * time.Millisecond)
	assert.Equal(t, 0, m.GetReport().ConsecutiveLowFPS)
}

func TestMonitor_HighLoadLowersFloor(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{MinFPS: 30, HighLoadMinFPS: 20}, newFakeClock(), &fakeMemory{mb: 10})
	m.SetHighLoad(true)

	m.RecordFrame(40 * time.Millisecond) // 25 fps, above the high-load floor
	assert.Empty(t, m.AlertsOfType(AlertLowFPS))

	m.RecordFrame(100 * time.Millisecond) // 10 fps
	low := m.AlertsOfType(AlertLowFPS)
	require.Len(t, low, 1)
	assert.Equal(t, 20.0, low[0].Payload["floor"])
}

func TestMonitor_HighMemory(t *testing.T) {
	mem := &fakeMemory{mb: 600}
	m := newTestMonitor(config.TelemetryConfig{MemoryWarningMB: 512}, newFakeClock(), mem)

	m.RecordFrame(10 * time.Millisecond)

	high := m.AlertsOfType(AlertHighMemory)
	require.Len(t, high, 1)
	assert.Equal(t, SeverityWarning, high[0].Severity)
}

func TestMonitor_MemoryLeakRaisedOncePerCheckCycle(t *testing.T) {
	clk := newFakeClock()
	mem := &fakeMemory{mb: 100}
	m := newTestMonitor(config.TelemetryConfig{MemoryLeakRateMBPerMin: 10}, clk, mem)

	// 11 samples spread over one simulated minute, growing 5MB per sample
	for i := 0; i < 11; i++ {
		m.RecordFrame(10 * time.Millisecond)
		clk.Add(6 * time.Second)
		mem.mb += 5
	}

	leaks := m.AlertsOfType(AlertMemoryLeak)
	require.Len(t, leaks, 1)
	assert.Greater(t, leaks[0].Payload["growth_mb_per_min"], 10.0)
	assert.Equal(t, uint64(10), leaks[0].Frame)
}

func TestMonitor_StableMemoryRaisesNoLeak(t *testing.T) {
	clk := newFakeClock()
	m := newTestMonitor(config.TelemetryConfig{}, clk, &fakeMemory{mb: 100})

	for i := 0; i < 30; i++ {
		m.RecordFrame(10 * time.Millisecond)
		clk.Add(time.Second)
	}
	assert.Empty(t, m.AlertsOfType(AlertMemoryLeak))
}

func TestMonitor_CacheAlerts(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{CacheHitRateFloor: 0.7, MaxCacheResponseMs: 50}, newFakeClock(), &fakeMemory{mb: 10})

	for i := 0; i < 10; i++ {
		m.RecordCacheAccess("blendshapes", i%2 == 0, 80)
	}
	s := m.RecordFrame(10 * time.Millisecond)

	assert.InDelta(t, 0.5, s.CacheHitRate, 1e-9)
	assert.InDelta(t, 80.0, s.CacheResponseMs, 1e-9)
	assert.Len(t, m.AlertsOfType(AlertLowCacheHitRate), 1)
	assert.Len(t, m.AlertsOfType(AlertSlowCacheResponse), 1)

	report := m.GetReport()
	require.Contains(t, report.Caches, "blendshapes")
	assert.Equal(t, uint64(10), report.Caches["blendshapes"].Accesses)
	assert.Equal(t, uint64(5), report.Caches["blendshapes"].Hits)
}

func TestMonitor_FewCacheAccessesDoNotAlert(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{}, newFakeClock(), &fakeMemory{mb: 10})
	m.RecordCacheAccess("phonemes", false, 500)
	m.RecordFrame(10 * time.Millisecond)

	assert.Empty(t, m.AlertsOfType(AlertLowCacheHitRate))
	assert.Empty(t, m.AlertsOfType(AlertSlowCacheResponse))
}

func TestMonitor_RecordBottleneck(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{}, newFakeClock(), &fakeMemory{mb: 10})
	handler := &recordingHandler{}
	m.AddAlertHandler(handler)

	assert.False(t, m.RecordBottleneck("coarticulation", 10, 16))
	assert.True(t, m.RecordBottleneck("coarticulation", 20, 16))
	assert.Empty(t, m.AlertsOfType(AlertCriticalBottleneck))

	assert.True(t, m.RecordBottleneck("coarticulation", 40, 16))
	critical := m.AlertsOfType(AlertCriticalBottleneck)
	require.Len(t, critical, 1)
	assert.Equal(t, SeverityCritical, critical[0].Severity)
	assert.Len(t, handler.alerts, 1)

	report := m.GetReport()
	assert.Len(t, report.Bottlenecks["coarticulation"], 2)
}

func TestMonitor_BottleneckDefaultThreshold(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{PerformanceThreshold: 16 * time.Millisecond}, newFakeClock(), &fakeMemory{mb: 10})

	assert.False(t, m.RecordBottleneck("mesh_update", 15, 0))
	assert.True(t, m.RecordBottleneck("mesh_update", 17, 0))
}

func TestMonitor_AlertDispatchIsRateLimited(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{MinFPS: 30, AlertsPerSecond: 2}, newFakeClock(), &fakeMemory{mb: 10})
	handler := &recordingHandler{}
	m.AddAlertHandler(handler)

	for i := 0; i < 10; i++ {
		m.RecordFrame(100 * time.Millisecond)
	}

	assert.Len(t, m.AlertsOfType(AlertLowFPS), 10, "every alert is buffered")
	assert.Len(t, handler.alerts, 2, "handlers only see the burst allowance")
}

func TestMonitor_Experiments(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{}, newFakeClock(), &fakeMemory{mb: 10})
	m.RegisterExperiment("interpolation", "linear", "cubic")

	m.RecordMeasurement("interpolation", "linear", "frame_ms", 10)
	m.RecordMeasurement("interpolation", "linear", "frame_ms", 20)
	m.RecordMeasurement("interpolation", "cubic", "frame_ms", 12)

	results, ok := m.GetResults("interpolation")
	require.True(t, ok)
	assert.Equal(t, MetricStats{Avg: 15, Min: 10, Max: 20, Count: 2}, results["linear"]["frame_ms"])
	assert.Equal(t, 1, results["cubic"]["frame_ms"].Count)

	_, ok = m.GetResults("missing")
	assert.False(t, ok)
}

func TestMonitor_ReportAndReset(t *testing.T) {
	m := newTestMonitor(config.TelemetryConfig{}, newFakeClock(), &fakeMemory{mb: 64})
	m.RecordFrame(10 * time.Millisecond)
	m.RecordFrame(20 * time.Millisecond)

	report := m.GetReport()
	require.NotNil(t, report.Current)
	assert.Equal(t, uint64(2), report.FrameCount)
	assert.InDelta(t, 75.0, report.Averages.FPS, 1e-9)
	assert.InDelta(t, 75.0, m.AverageFPS(10), 1e-9)

	m.Reset()
	report = m.GetReport()
	assert.Nil(t, report.Current)
	assert.Zero(t, report.FrameCount)
}

func TestMonitor_NilLoggerUsesGlobal(t *testing.T) {
	m := NewMonitor(config.TelemetryConfig{},
		WithLogger(nil),
		WithClock(newFakeClock()),
		WithMemorySampler(&fakeMemory{mb: 10}),
	)
	assert.Same(t, logging.GetLogger(), m.logger)
	assert.NotPanics(t, func() {
		m.RecordFrame(16 * time.Millisecond)
		m.Reset()
	})
}

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, []int{4, 5}, r.LastN(2))
	last, ok := r.Last()
	assert.True(t, ok)
	assert.Equal(t, 5, last)

	r.Clear()
	assert.Zero(t, r.Len())
	_, ok = r.Last()
	assert.False(t, ok)
}
