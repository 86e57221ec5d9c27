package controller

import (
	"strconv"
	"time"

	"github.com/NikhilSetiya/avatar-resilience/internal/components"
	"github.com/NikhilSetiya/avatar-resilience/pkg/config"
	"github.com/NikhilSetiya/avatar-resilience/pkg/fallback"
	"github.com/NikhilSetiya/avatar-resilience/pkg/resilience"
	"github.com/NikhilSetiya/avatar-resilience/pkg/telemetry"
	"github.com/NikhilSetiya/avatar-resilience/pkg/vecmath"
)

// ComponentStatus is the live state of the concrete components
type ComponentStatus struct {
	Accelerator      vecmath.Stats            `json:"accelerator"`
	MatrixSimplified bool                     `json:"matrix_simplified"`
	Cache            components.CacheStats    `json:"cache"`
	Transport        components.TransportMode `json:"transport"`
	PolledFrames     uint64                   `json:"polled_frames"`
	ResourceLimit    int64                    `json:"resource_limit"`
	ResourceMax      int64                    `json:"resource_max"`
}

// Status is the exported view of the whole control plane
type Status struct {
	Version          string                              `json:"version"`
	Timestamp        time.Time                           `json:"timestamp"`
	Healthy          bool                                `json:"healthy"`
	Level            fallback.DegradationLevel           `json:"level"`
	Engine           resilience.EngineStats              `json:"engine"`
	ActiveOperations []resilience.OperationContext       `json:"active_operations"`
	Breakers         map[string]resilience.BreakerStatus `json:"breakers"`
	Fallback         fallback.Status                     `json:"fallback"`
	Components       ComponentStatus                     `json:"components"`
	Telemetry        telemetry.Report                    `json:"telemetry"`
}

// DebugExport adds configuration and snapshot metadata to the status.
// Snapshot payloads are replaced with a placeholder.
type DebugExport struct {
	Status    Status                    `json:"status"`
	Config    *config.Config            `json:"config"`
	Snapshots []resilience.SnapshotInfo `json:"snapshots"`
}

// Status assembles the current status
func (c *Controller) Status() Status {
	fb := c.fallback.Status()
	return Status{
		Version:          Version,
		Timestamp:        time.Now(),
		Healthy:          fb.Healthy,
		Level:            fb.Level,
		Engine:           c.engine.Stats(),
		ActiveOperations: c.engine.ActiveOperations(),
		Breakers:         c.engine.CircuitBreakerStatus(),
		Fallback:         fb,
		Components: ComponentStatus{
			Accelerator:      c.accelerator.Stats(),
			MatrixSimplified: c.matrix.Simplified(),
			Cache:            c.cache.Stats(),
			Transport:        c.transport.Mode(),
			PolledFrames:     c.transport.Delivered(),
			ResourceLimit:    c.limiter.Limit(),
			ResourceMax:      c.limiter.Max(),
		},
		Telemetry: c.monitor.GetReport(),
	}
}

// DebugExport returns the status with redacted snapshots and a copy of the
// configuration. Secrets are excluded by the configuration's JSON tags.
func (c *Controller) DebugExport() (DebugExport, error) {
	cfg, err := c.cfg.Clone()
	if err != nil {
		return DebugExport{}, err
	}
	cfg.Redis.Password = ""

	return DebugExport{
		Status:    c.Status(),
		Config:    cfg,
		Snapshots: c.engine.Snapshots().Describe(),
	}, nil
}

func formatMB(mb float64) string {
	return strconv.FormatFloat(mb, 'f', 1, 64)
}
