package telemetry

import "time"

// Averages are means over the buffered samples
type Averages struct {
	Window          int     `json:"window"`
	FPS             float64 `json:"fps"`
	MemoryMB        float64 `json:"memory_mb"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
	CacheResponseMs float64 `json:"cache_response_ms"`
}

// CacheSummary describes one named cache
type CacheSummary struct {
	Accesses      uint64  `json:"accesses"`
	Hits          uint64  `json:"hits"`
	HitRate       float64 `json:"hit_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

// Report is the aggregate view handed to status pages and impact measurement
type Report struct {
	GeneratedAt          time.Time                    `json:"generated_at"`
	FrameCount           uint64                       `json:"frame_count"`
	Current              *Sample                      `json:"current,omitempty"`
	Averages             Averages                     `json:"averages"`
	MemoryGrowthMBPerMin float64                      `json:"memory_growth_mb_per_min"`
	ConsecutiveLowFPS    int                          `json:"consecutive_low_fps"`
	HighLoad             bool                         `json:"high_load"`
	Caches               map[string]CacheSummary      `json:"caches"`
	Bottlenecks          map[string][]BottleneckEvent `json:"bottlenecks"`
	RecentAlerts         []Alert                      `json:"recent_alerts"`
	Experiments          map[string]ExperimentResults `json:"experiments"`
}

// GetReport aggregates the monitor's current state
func (m *Monitor) GetReport() Report {
	m.mu.Lock()

	report := Report{
		GeneratedAt:          m.clock.Now(),
		FrameCount:           m.frame,
		MemoryGrowthMBPerMin: m.memoryGrowthRateLocked(),
		ConsecutiveLowFPS:    m.consecutiveLowFPS,
		HighLoad:             m.highLoad,
		Caches:               make(map[string]CacheSummary, len(m.caches)),
		Bottlenecks:          make(map[string][]BottleneckEvent, len(m.bottlenecks)),
		RecentAlerts:         m.alerts.LastN(recentAlerts),
	}

	if last, ok := m.samples.Last(); ok {
		report.Current = &last
	}

	samples := m.samples.Items()
	if n := len(samples); n > 0 {
		var avg Averages
		avg.Window = n
		for _, s := range samples {
			avg.FPS += s.FPS
			avg.MemoryMB += s.MemoryMB
			avg.CacheHitRate += s.CacheHitRate
			avg.CacheResponseMs += s.CacheResponseMs
		}
		avg.FPS /= float64(n)
		avg.MemoryMB /= float64(n)
		avg.CacheHitRate /= float64(n)
		avg.CacheResponseMs /= float64(n)
		report.Averages = avg
	}

	for name, c := range m.caches {
		rate, ms, _ := c.rolling()
		report.Caches[name] = CacheSummary{
			Accesses:      c.total,
			Hits:          c.hits,
			HitRate:       rate,
			AvgResponseMs: ms,
		}
	}
	for op, ring := range m.bottlenecks {
		report.Bottlenecks[op] = ring.Items()
	}
	m.mu.Unlock()

	report.Experiments = m.experiments.all()
	return report
}
