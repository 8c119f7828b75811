package monitoring

import (
	"testing"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func validRunOptions() HealthCheckRunOptions {
	return HealthCheckRunOptions{
		Interval:     100 * time.Millisecond,
		Timeout:      time.Second,
		StartTimeout: 10 * time.Second,
	}
}

func TestValidateHealthCheckConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    HealthCheckConfig
		shouldErr bool
	}{
		{
			name: "valid_http",
			config: HealthCheckConfig{
				Type:       HealthCheckTypeHTTP,
				HTTP:       HTTPHealthCheckConfig{URL: "http://127.0.0.1:9000/health"},
				RunOptions: validRunOptions(),
			},
		},
		{
			name: "valid_tcp",
			config: HealthCheckConfig{
				Type:       HealthCheckTypeTCP,
				TCP:        TCPHealthCheckConfig{Address: "127.0.0.1", Port: 9000},
				RunOptions: validRunOptions(),
			},
		},
		{
			name: "http_without_url",
			config: HealthCheckConfig{
				Type:       HealthCheckTypeHTTP,
				RunOptions: validRunOptions(),
			},
			shouldErr: true,
		},
		{
			name: "tcp_bad_port",
			config: HealthCheckConfig{
				Type:       HealthCheckTypeTCP,
				TCP:        TCPHealthCheckConfig{Address: "127.0.0.1", Port: 70000},
				RunOptions: validRunOptions(),
			},
			shouldErr: true,
		},
		{
			name: "unknown_type",
			config: HealthCheckConfig{
				Type:       HealthCheckType("grpc"),
				RunOptions: validRunOptions(),
			},
			shouldErr: true,
		},
		{
			name: "missing_run_options",
			config: HealthCheckConfig{
				Type: HealthCheckTypeHTTP,
				HTTP: HTTPHealthCheckConfig{URL: "http://127.0.0.1:9000/health"},
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHealthCheckConfig(tt.config)

			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHealthCheckRunOptions(t *testing.T) {
	options := validRunOptions()
	assert.NoError(t, ValidateHealthCheckRunOptions(options))

	options.Timeout = 20 * time.Second
	assert.Error(t, ValidateHealthCheckRunOptions(options))

	options = validRunOptions()
	options.InitialDelay = -time.Second
	assert.Error(t, ValidateHealthCheckRunOptions(options))

	options = validRunOptions()
	options.StartTimeout = 0
	assert.Error(t, ValidateHealthCheckRunOptions(options))
}
