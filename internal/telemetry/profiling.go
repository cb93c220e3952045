package telemetry

import (
	"github.com/grafana/pyroscope-go"
)

// ProfilingConfig mirrors pkg/config.Config's profiling fields.
type ProfilingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ServerAddress  string
}

var profiler *pyroscope.Profiler

// InitProfiling starts continuous profiling against a Pyroscope server,
// covering CPU and the allocation/contention profiles that matter most
// for a server holding many long-lived mutexes (pkg/devices, pkg/
// placement, pkg/nfs4state all guard per-entity state with one mutex
// each). Returns a shutdown func safe to call even when disabled.
func InitProfiling(cfg ProfilingConfig) (shutdown func() error, err error) {
	if !cfg.Enabled {
		return func() error { return nil }, nil
	}

	profiler, err = pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ServiceName,
		ServerAddress:   cfg.ServerAddress,
		Tags: map[string]string{
			"version": cfg.ServiceVersion,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
		},
	})
	if err != nil {
		return nil, err
	}

	return func() error {
		if profiler == nil {
			return nil
		}
		return profiler.Stop()
	}, nil
}
