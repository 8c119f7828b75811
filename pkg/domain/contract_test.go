package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

type flakyContract struct {
	failures int
	err      error
	calls    int
}

func (c *flakyContract) Start(ctx context.Context) (WorkerStatus, error) {
	return WorkerStatus{}, nil
}

func (c *flakyContract) Stop(ctx context.Context, gracefulTimeout time.Duration) (WorkerStatus, error) {
	return WorkerStatus{}, nil
}

func (c *flakyContract) Status(ctx context.Context) (WorkerStatus, error) {
	c.calls++
	if c.calls <= c.failures {
		return WorkerStatus{}, c.err
	}
	return WorkerStatus{State: "running", PID: 9}, nil
}

func TestRetryStatus_RetriesUntilAnswer(t *testing.T) {
	contract := &flakyContract{failures: 2, err: errors.NewNetworkError("connection refused", nil)}

	status, err := RetryStatus(context.Background(), contract,
		RetryStatusOptions{RetryAttempts: 5, RetryInterval: time.Millisecond}, logging.NewNullLogger())
	require.NoError(t, err)
	assert.Equal(t, 9, status.PID)
	assert.Equal(t, 3, contract.calls)
}

func TestRetryStatus_GivesUp(t *testing.T) {
	contract := &flakyContract{failures: 10, err: errors.NewNetworkError("connection refused", nil)}

	_, err := RetryStatus(context.Background(), contract,
		RetryStatusOptions{RetryAttempts: 3, RetryInterval: time.Millisecond}, logging.NewNullLogger())
	assert.True(t, errors.IsNetworkError(err))
	assert.Equal(t, 3, contract.calls)
}

func TestRetryStatus_DoesNotRetryCredentialErrors(t *testing.T) {
	contract := &flakyContract{failures: 10, err: errors.NewUnauthorizedError("invalid gateway key", nil)}

	_, err := RetryStatus(context.Background(), contract,
		RetryStatusOptions{RetryAttempts: 3, RetryInterval: time.Millisecond}, logging.NewNullLogger())
	assert.True(t, errors.IsUnauthorizedError(err))
	assert.Equal(t, 1, contract.calls)
}

func TestRetryStatus_StopsOnCancel(t *testing.T) {
	contract := &flakyContract{failures: 10, err: errors.NewNetworkError("connection refused", nil)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryStatus(ctx, contract,
		RetryStatusOptions{RetryAttempts: 3, RetryInterval: time.Hour}, logging.NewNullLogger())
	assert.True(t, errors.IsCancelledError(err))
}
