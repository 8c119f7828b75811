//go:build !windows

package processstate

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

func TestIsProcessRunning(t *testing.T) {
	running, err := IsProcessRunning(os.Getpid())
	require.NoError(t, err)
	assert.True(t, running)

	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	running, err = IsProcessRunning(cmd.Process.Pid)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestIsProcessRunning_InvalidPID(t *testing.T) {
	for _, pid := range []int{0, -1} {
		_, err := IsProcessRunning(pid)
		assert.True(t, errors.IsValidationError(err), "pid %d", pid)
	}
}

func TestIsProcessRunningContext_ParentProcess(t *testing.T) {
	// The test binary's parent is alive for as long as the test runs
	running, err := IsProcessRunningContext(context.Background(), os.Getppid())
	require.NoError(t, err)
	assert.True(t, running)
}
