package telemetry

import (
	"math"
	"sync"
	"time"
)

// Measurement is one timestamped A/B value
type Measurement struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricStats aggregates measurements of one metric for one variant
type MetricStats struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// ExperimentResults maps variant -> metric -> stats
type ExperimentResults map[string]map[string]MetricStats

type experiment struct {
	variants map[string]map[string][]Measurement
}

// experiments holds A/B measurements. Results are read-only analysis and
// never feed back into runtime decisions.
type experiments struct {
	mu   sync.RWMutex
	byID map[string]*experiment
	now  func() time.Time
}

func newExperiments(now func() time.Time) *experiments {
	return &experiments{byID: make(map[string]*experiment), now: now}
}

func (e *experiments) register(name string, variants ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.byID[name]
	if !ok {
		exp = &experiment{variants: make(map[string]map[string][]Measurement)}
		e.byID[name] = exp
	}
	for _, v := range variants {
		if _, ok := exp.variants[v]; !ok {
			exp.variants[v] = make(map[string][]Measurement)
		}
	}
}

func (e *experiments) record(name, variant, metric string, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.byID[name]
	if !ok {
		exp = &experiment{variants: make(map[string]map[string][]Measurement)}
		e.byID[name] = exp
	}
	metrics, ok := exp.variants[variant]
	if !ok {
		metrics = make(map[string][]Measurement)
		exp.variants[variant] = metrics
	}
	metrics[metric] = append(metrics[metric], Measurement{Value: value, Timestamp: e.now()})
}

func (e *experiments) results(name string) (ExperimentResults, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exp, ok := e.byID[name]
	if !ok {
		return nil, false
	}

	out := make(ExperimentResults, len(exp.variants))
	for variant, metrics := range exp.variants {
		perMetric := make(map[string]MetricStats, len(metrics))
		for metric, values := range metrics {
			perMetric[metric] = aggregate(values)
		}
		out[variant] = perMetric
	}
	return out, true
}

func (e *experiments) all() map[string]ExperimentResults {
	e.mu.RLock()
	names := make([]string, 0, len(e.byID))
	for name := range e.byID {
		names = append(names, name)
	}
	e.mu.RUnlock()

	out := make(map[string]ExperimentResults, len(names))
	for _, name := range names {
		if res, ok := e.results(name); ok {
			out[name] = res
		}
	}
	return out
}

func (e *experiments) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID = make(map[string]*experiment)
}

func aggregate(values []Measurement) MetricStats {
	if len(values) == 0 {
		return MetricStats{}
	}
	stats := MetricStats{Min: math.Inf(1), Max: math.Inf(-1), Count: len(values)}
	var sum float64
	for _, m := range values {
		sum += m.Value
		stats.Min = math.Min(stats.Min, m.Value)
		stats.Max = math.Max(stats.Max, m.Value)
	}
	stats.Avg = sum / float64(len(values))
	return stats
}
