package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
)

// RunOptions are the command line inputs of the supervisor daemon
type RunOptions struct {
	ConfigFile string
	EnvFile    string
	// RunDuration stops the supervisor after the given time, zero runs until a signal
	RunDuration time.Duration
	// LogLevel overrides supervisor.log.level when set
	LogLevel string
}

// Run loads the configuration and runs the supervisor until SIGINT,
// SIGTERM or the run duration
func Run(options RunOptions) error {
	if err := LoadEnvironment(options.EnvFile); err != nil {
		return err
	}

	config, err := LoadConfigFromFile(options.ConfigFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", options.ConfigFile)
	}
	if options.LogLevel != "" {
		config.Supervisor.Log.Level = options.LogLevel
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", options.ConfigFile)
	}

	structured, err := NewStructuredLogger(config.Supervisor.Log)
	if err != nil {
		return err
	}
	defer func() {
		structured.Sync()
		structured.Close()
	}()

	logger := componentLogger(structured, "runner")
	logger.Infof("Using configuration file: %s", options.ConfigFile)

	supervisor, err := New(config, structured, Options{})
	if err != nil {
		logger.Errorf("Failed to create supervisor, error: %v", err)
		return err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	if options.RunDuration > 0 {
		logger.Infof("Using run duration of %v", options.RunDuration)
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, options.RunDuration,
			fmt.Errorf("run duration of %v elapsed", options.RunDuration))
		defer cancelTimeout()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case received := <-sig:
			logger.Infof("Received signal: %v", received)
			cancel(fmt.Errorf("received signal %v", received))
		case <-ctx.Done():
		}
	}()

	return supervisor.Run(ctx)
}
