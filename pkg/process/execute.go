package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	Environment      []string `yaml:"environment,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
}

// Execution is a started worker process with its output streams.
// Stdout and Stderr reach EOF once the process group closes them.
type Execution struct {
	Process *os.Process
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
}

// Close releases both output pipes
func (e *Execution) Close() {
	if e.Stdout != nil {
		e.Stdout.Close()
	}
	if e.Stderr != nil {
		e.Stderr.Close()
	}
}

type StdExecuteCmd func(ctx context.Context) (*Execution, error)

// NewStdExecuteCmd returns a command that starts the worker in its own
// process group. The process outlives ctx; the caller owns its termination.
func NewStdExecuteCmd(execution ExecutionConfig, id string, logger logging.Logger) StdExecuteCmd {
	return func(ctx context.Context) (*Execution, error) {
		// Validate context
		if ctx == nil {
			logger.Errorf("Context cannot be nil, id: %s", id)
			return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}

		// Validate execution configuration
		if err := ValidateExecutionConfig(execution); err != nil {
			logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
			return nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
		}

		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelledError("execution cancelled", err).WithContext("id", id)
		}

		executablePath, err := resolveExecutable(execution.ExecutablePath)
		if err != nil {
			return nil, errors.NewValidationError("executable not found", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}

		// Check if the process is executable, and make it executable if it's not
		if err := ensureExecutable(executablePath); err != nil {
			return nil, errors.NewPermissionError("failed to ensure process is executable", err).WithContext("id", id).WithContext("executable_path", executablePath)
		}

		workDir := execution.WorkingDirectory
		if workDir == "" {
			workDir, err = os.Getwd()
			if err != nil {
				return nil, errors.NewIOError("failed to get working directory", err).WithContext("id", id)
			}
		}

		logger.Debugf("Executing process: id: %s, executable path: '%s', args: %v, working directory: '%s'",
			id, executablePath, execution.Args, workDir)

		env := append(os.Environ(), execution.Environment...)

		cmd := exec.Command(executablePath, execution.Args...)
		cmd.Dir = workDir
		cmd.Env = env

		// Platform-specific setup is handled in execute_unix.go or execute_windows.go
		setupProcessAttributes(cmd)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, errors.NewProcessError("failed to create stdout pipe", err).WithContext("id", id).WithContext("executable_path", executablePath)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			stdout.Close()
			return nil, errors.NewProcessError("failed to create stderr pipe", err).WithContext("id", id).WithContext("executable_path", executablePath)
		}

		err = cmd.Start()
		if err != nil {
			return nil, errors.NewProcessError("failed to start the process", err).WithContext("id", id).WithContext("executable_path", executablePath)
		}

		logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

		return &Execution{Process: cmd.Process, Stdout: stdout, Stderr: stderr}, nil
	}
}

// resolveExecutable looks bare command names up in PATH
func resolveExecutable(path string) (string, error) {
	if filepath.Base(path) == path {
		return exec.LookPath(path)
	}
	return path, nil
}

// ensureExecutable checks if a file is executable and makes it executable if it's not
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}

	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
	}

	return nil
}
