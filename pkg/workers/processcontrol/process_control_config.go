package processcontrol

import (
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/monitoring"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/process"
)

// ManagedProcessControlConfig defines configuration for the managed worker
type ManagedProcessControlConfig struct {
	// Process execution
	Execution process.ExecutionConfig `yaml:"execution"`

	// Port the worker listens on, proxied by the gateway
	Port int `yaml:"port"`

	// Readiness probe
	HealthCheck monitoring.HealthCheckConfig `yaml:"health_check"`

	// Graceful shutdown
	GracefulTimeout time.Duration `yaml:"graceful_timeout,omitempty"` // Time to wait for graceful shutdown
	KillTimeout     time.Duration `yaml:"kill_timeout,omitempty"`     // Time to wait after SIGKILL

	// Poll period for a worker adopted at boot
	LivenessInterval time.Duration `yaml:"liveness_interval,omitempty"`
}
