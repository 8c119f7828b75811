package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

type HealthCheckType string

const (
	HealthCheckTypeHTTP HealthCheckType = "http"
	HealthCheckTypeTCP  HealthCheckType = "tcp"
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url"`
	PMethod string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type"`

	// HTTP health check
	HTTP HTTPHealthCheckConfig `yaml:"http,omitempty"`

	// TCP health check
	TCP TCPHealthCheckConfig `yaml:"tcp,omitempty"`

	// Run options
	RunOptions HealthCheckRunOptions `yaml:"run_options,omitempty"`
}

type HealthCheckRunOptions struct {
	// Interval between two probe attempts while waiting for readiness
	Interval time.Duration `yaml:"interval,omitempty"`
	// Timeout of a single attempt
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// InitialDelay before the first attempt
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	// StartTimeout bounds the whole readiness wait
	StartTimeout time.Duration `yaml:"start_timeout,omitempty"`
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

// HealthCheckState is the outcome of the last readiness wait
type HealthCheckState struct {
	Status    HealthCheckStatus
	LastCheck time.Time
	Message   string
	Attempts  int
}

// HealthProbe checks worker readiness
type HealthProbe interface {
	// Check performs one attempt
	Check(ctx context.Context) (bool, string)
	// WaitHealthy polls until an attempt passes, StartTimeout elapses or ctx is done
	WaitHealthy(ctx context.Context) (*HealthCheckState, error)
}

type healthProbe struct {
	config *HealthCheckConfig
	client *http.Client
	logger logging.Logger
	id     string
}

func NewHealthProbe(config *HealthCheckConfig, id string, logger logging.Logger) HealthProbe {
	return &healthProbe{
		config: config,
		client: &http.Client{
			Timeout: config.RunOptions.Timeout,
		},
		logger: logger,
		id:     id,
	}
}

func (h *healthProbe) Check(ctx context.Context) (bool, string) {
	switch h.config.Type {
	case HealthCheckTypeHTTP:
		return h.checkHTTP(ctx)
	case HealthCheckTypeTCP:
		return h.checkTCP(ctx)
	default:
		return false, fmt.Sprintf("Unsupported health check type: %s", h.config.Type)
	}
}

func (h *healthProbe) WaitHealthy(ctx context.Context) (*HealthCheckState, error) {
	options := h.config.RunOptions
	state := &HealthCheckState{Status: HealthCheckStatusUnknown}

	deadline := time.NewTimer(options.StartTimeout)
	defer deadline.Stop()

	next := time.NewTimer(options.InitialDelay)
	defer next.Stop()

	h.logger.Debugf("Waiting for worker to become healthy, id: %s, start timeout: %v", h.id, options.StartTimeout)

	for {
		select {
		case <-ctx.Done():
			state.Status = HealthCheckStatusUnhealthy
			return state, errors.NewCancelledError("health probe cancelled", ctx.Err()).WithContext("id", h.id)
		case <-deadline.C:
			state.Status = HealthCheckStatusUnhealthy
			h.logger.Warnf("Health probe timed out, id: %s, attempts: %d, last: %s", h.id, state.Attempts, state.Message)
			return state, errors.NewHealthProbeTimeoutError("worker did not become healthy in time", nil).
				WithContext("id", h.id).
				WithContext("timeout", options.StartTimeout.String()).
				WithContext("last_result", state.Message)
		case <-next.C:
		}

		attemptCtx, cancel := context.WithTimeout(ctx, options.Timeout)
		healthy, message := h.Check(attemptCtx)
		cancel()

		state.Attempts++
		state.LastCheck = time.Now()
		state.Message = message

		if healthy {
			state.Status = HealthCheckStatusHealthy
			h.logger.Infof("Worker is healthy, id: %s, attempts: %d", h.id, state.Attempts)
			return state, nil
		}

		h.logger.Debugf("Health probe attempt failed, id: %s, attempt: %d, result: %s", h.id, state.Attempts, message)
		next.Reset(options.Interval)
	}
}

func (h *healthProbe) checkHTTP(ctx context.Context) (bool, string) {
	method := h.config.HTTP.PMethod
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, h.config.HTTP.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("Failed to create HTTP request: %v", err)
	}

	for key, value := range h.config.HTTP.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	// Consider 2xx status codes as healthy
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("HTTP health check passed: %s", resp.Status)
	}

	return false, fmt.Sprintf("HTTP health check failed: %s", resp.Status)
}

func (h *healthProbe) checkTCP(ctx context.Context) (bool, string) {
	address := net.JoinHostPort(h.config.TCP.Address, fmt.Sprintf("%d", h.config.TCP.Port))

	dialer := net.Dialer{Timeout: h.config.RunOptions.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	defer conn.Close()

	return true, fmt.Sprintf("TCP connection successful to %s", address)
}
