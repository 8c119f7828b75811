package supervisor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		shouldErr bool
	}{
		{"valid_simple", "worker-1", false},
		{"valid_with_underscore", "worker_1", false},
		{"valid_alphanumeric", "worker123", false},
		{"empty", "", true},
		{"too_long", strings.Repeat("a", 65), true},
		{"invalid_chars", "worker@1", true},
		{"path_separator", "../worker", true},
		{"invalid_space", "worker 1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.value)
			if tt.shouldErr {
				var domainErr *errors.DomainError
				assert.ErrorAs(t, err, &domainErr)
				assert.Equal(t, errors.ErrorTypeValidation, domainErr.Type)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNetworkAddress(t *testing.T) {
	tests := []struct {
		name      string
		address   string
		shouldErr bool
	}{
		{"loopback", "127.0.0.1:8700", false},
		{"all_interfaces", ":8700", false},
		{"ipv6", "[::1]:8700", false},
		{"empty", "", true},
		{"no_port", "127.0.0.1", true},
		{"port_zero", "127.0.0.1:0", true},
		{"port_name", "localhost:http", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNetworkAddress(tt.address)
			if tt.shouldErr {
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTimeout(t *testing.T) {
	assert.NoError(t, ValidateTimeout(time.Second, "graceful"))
	assert.ErrorContains(t, ValidateTimeout(0, "graceful"), "graceful timeout cannot be zero")
	assert.ErrorContains(t, ValidateTimeout(-time.Second, "kill"), "kill timeout cannot be negative")
}
