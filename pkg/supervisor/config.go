package supervisor

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/gateway"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/monitoring"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/process"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/processfile"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/reaper"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/watchdog"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/workers/processcontrol"
)

const (
	defaultSupervisorName   = "supervisor"
	defaultWorkerName       = "worker"
	defaultShutdownTimeout  = 30 * time.Second
	defaultGracefulTimeout  = 10 * time.Second
	defaultKillTimeout      = 5 * time.Second
	defaultLivenessInterval = 2 * time.Second
	defaultHealthPath       = "/health"
)

// Config represents the top-level configuration file structure
type Config struct {
	Supervisor SupervisorOptions `yaml:"supervisor"`
	Worker     WorkerConfig      `yaml:"worker"`
	Watchdog   watchdog.Policy   `yaml:"watchdog"`
	Reaper     reaper.Config     `yaml:"reaper"`
	Logs       LogsConfig        `yaml:"logs"`
	Gateway    gateway.Config    `yaml:"gateway"`
}

// SupervisorOptions represents supervisor-level configuration
type SupervisorOptions struct {
	Name string `yaml:"name"`

	// StateDirectory holds the state record. Empty selects an OS default
	// for ServiceContext.
	StateDirectory string                     `yaml:"state_directory,omitempty"`
	ServiceContext processfile.ServiceContext `yaml:"service_context,omitempty"`

	Log logcollection.ZapConfig `yaml:"log"`

	// ShutdownTimeout bounds stopping the worker when the supervisor exits
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// WorkerConfig represents the managed worker
type WorkerConfig struct {
	Name string `yaml:"name"`

	processcontrol.ManagedProcessControlConfig `yaml:",inline"`

	// Autostart starts the worker at boot when it is not already running
	Autostart bool `yaml:"autostart"`

	// StopOnExit decides whether the worker is stopped when the supervisor
	// exits. Unset stops a worker we started and leaves an adopted one running.
	StopOnExit *bool `yaml:"stop_worker_on_exit,omitempty"`
}

// LogsConfig configures the durable log channels and their live fan-out
type LogsConfig struct {
	// Directory holds one file per channel. Empty uses <state directory>/logs.
	Directory string `yaml:"directory,omitempty"`

	Rotation logstore.RotationPolicy            `yaml:"rotation"`
	Channels map[string]logstore.RotationPolicy `yaml:"channels,omitempty"`

	HistoryLines    int `yaml:"history_lines,omitempty"`
	SubscriberQueue int `yaml:"subscriber_queue,omitempty"`

	// DefaultChannel receives worker lines that do not name a channel
	DefaultChannel string `yaml:"default_channel,omitempty"`
}

// EnvOverrides are read from the environment after the file. Secrets
// usually come this way so they stay out of the YAML file.
type EnvOverrides struct {
	GatewayKey     string `env:"SUPERVISOR_GATEWAY_KEY"`
	JWTSecret      string `env:"SUPERVISOR_JWT_SECRET"`
	Listen         string `env:"SUPERVISOR_LISTEN"`
	StateDirectory string `env:"SUPERVISOR_STATE_DIR"`
	LogDirectory   string `env:"SUPERVISOR_LOG_DIR"`
	LogLevel       string `env:"SUPERVISOR_LOG_LEVEL"`
	WorkerPath     string `env:"SUPERVISOR_WORKER_PATH"`
	WorkerPort     int    `env:"SUPERVISOR_WORKER_PORT"`
}

// LoadConfigFromFile loads the configuration from a YAML file, applies
// environment overrides and then defaults. It does not validate.
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, perr := parseConfig(data)
	if perr != nil {
		return nil, perr.WithContext("filename", filename)
	}
	return config, nil
}

// ParseConfig is LoadConfigFromFile without the file
func ParseConfig(data []byte) (*Config, error) {
	config, err := parseConfig(data)
	if err != nil {
		return nil, err
	}
	return config, nil
}

func parseConfig(data []byte) (*Config, *errors.DomainError) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, errors.NewValidationError("failed to read environment overrides", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// LoadEnvironment loads a dotenv file into the process environment.
// Variables already set win. An empty filename tries ./.env and ignores
// its absence.
func LoadEnvironment(filename string) error {
	if filename == "" {
		if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return errors.NewIOError("failed to load .env file", err)
		}
		return nil
	}
	if err := godotenv.Load(filename); err != nil {
		return errors.NewIOError("failed to load environment file", err).WithContext("filename", filename)
	}
	return nil
}

func applyEnvOverrides(config *Config) error {
	var env EnvOverrides
	if err := envdecode.Decode(&env); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return err
	}

	if env.GatewayKey != "" {
		config.Gateway.SharedKey = env.GatewayKey
	}
	if env.JWTSecret != "" {
		config.Gateway.JWTSecret = env.JWTSecret
	}
	if env.Listen != "" {
		config.Gateway.Listen = env.Listen
	}
	if env.StateDirectory != "" {
		config.Supervisor.StateDirectory = env.StateDirectory
	}
	if env.LogDirectory != "" {
		config.Logs.Directory = env.LogDirectory
	}
	if env.LogLevel != "" {
		config.Supervisor.Log.Level = env.LogLevel
	}
	if env.WorkerPath != "" {
		config.Worker.Execution.ExecutablePath = env.WorkerPath
	}
	if env.WorkerPort != 0 {
		config.Worker.Port = env.WorkerPort
	}
	return nil
}

func setConfigDefaults(config *Config) {
	if config.Supervisor.Name == "" {
		config.Supervisor.Name = defaultSupervisorName
	}
	if config.Supervisor.ServiceContext == "" {
		config.Supervisor.ServiceContext = processfile.UserService
	}
	if config.Supervisor.ShutdownTimeout == 0 {
		config.Supervisor.ShutdownTimeout = defaultShutdownTimeout
	}
	if config.Supervisor.Log.Level == "" {
		config.Supervisor.Log.Level = "info"
	}
	if config.Supervisor.Log.Format == "" {
		config.Supervisor.Log.Format = "json"
	}
	if config.Supervisor.Log.Output == "" {
		config.Supervisor.Log.Output = "stderr"
	}

	setWorkerDefaults(&config.Worker)

	config.Watchdog = config.Watchdog.WithDefaults()

	config.Reaper = config.Reaper.WithDefaults()
	// Without a derivable signature an unset reaper stays off, and an
	// explicit enabled: true fails validation
	if config.Reaper.Signature.IsEmpty() {
		execution := config.Worker.Execution
		if sig, ok := reaper.DefaultSignature(execution.ExecutablePath, execution.Args); ok {
			config.Reaper.Signature = sig
		}
	}

	if config.Logs.Rotation == (logstore.RotationPolicy{}) {
		config.Logs.Rotation = logstore.DefaultRotationPolicy()
	}
	if config.Logs.DefaultChannel == "" {
		config.Logs.DefaultChannel = logcollection.DefaultChannel
	}

	if config.Gateway.UpstreamPort == 0 {
		config.Gateway.UpstreamPort = config.Worker.Port
	}
	config.Gateway = config.Gateway.WithDefaults()
}

func setWorkerDefaults(worker *WorkerConfig) {
	if worker.Name == "" {
		worker.Name = defaultWorkerName
	}
	if worker.GracefulTimeout == 0 {
		worker.GracefulTimeout = defaultGracefulTimeout
	}
	if worker.KillTimeout == 0 {
		worker.KillTimeout = defaultKillTimeout
	}
	if worker.LivenessInterval == 0 {
		worker.LivenessInterval = defaultLivenessInterval
	}

	check := &worker.HealthCheck
	if check.Type == "" && worker.Port > 0 {
		check.Type = monitoring.HealthCheckTypeHTTP
	}
	switch check.Type {
	case monitoring.HealthCheckTypeHTTP:
		if check.HTTP.URL == "" && worker.Port > 0 {
			check.HTTP.URL = fmt.Sprintf("http://127.0.0.1:%d%s", worker.Port, defaultHealthPath)
		}
	case monitoring.HealthCheckTypeTCP:
		if check.TCP.Address == "" {
			check.TCP.Address = "127.0.0.1"
		}
		if check.TCP.Port == 0 {
			check.TCP.Port = worker.Port
		}
	}

	options := &check.RunOptions
	if options.Interval == 0 {
		options.Interval = 500 * time.Millisecond
	}
	if options.Timeout == 0 {
		options.Timeout = 2 * time.Second
	}
	if options.StartTimeout == 0 {
		options.StartTimeout = 30 * time.Second
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateSupervisorOptions(&config.Supervisor); err != nil {
		return errors.NewValidationError("invalid supervisor configuration", err)
	}
	if err := validateWorkerConfig(&config.Worker); err != nil {
		return errors.NewValidationError("invalid worker configuration", err)
	}
	if err := config.Watchdog.Validate(); err != nil {
		return errors.NewValidationError("invalid watchdog configuration", err)
	}
	if err := config.Reaper.Validate(); err != nil {
		return errors.NewValidationError("invalid reaper configuration", err)
	}
	if err := validateLogsConfig(&config.Logs); err != nil {
		return errors.NewValidationError("invalid logs configuration", err)
	}
	if err := config.Gateway.Validate(); err != nil {
		return errors.NewValidationError("invalid gateway configuration", err)
	}
	if err := ValidateNetworkAddress(config.Gateway.Listen); err != nil {
		return errors.NewValidationError("invalid gateway configuration", err)
	}
	return nil
}

// ValidateConfigFile validates a configuration file without running it
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return nil
}

// StopWorkerOnExit resolves the stop_worker_on_exit setting for a worker
// that was or was not adopted at boot
func (w WorkerConfig) StopWorkerOnExit(adopted bool) bool {
	if w.StopOnExit != nil {
		return *w.StopOnExit
	}
	return !adopted
}

func validateSupervisorOptions(options *SupervisorOptions) error {
	if err := ValidateName(options.Name); err != nil {
		return err
	}
	switch options.ServiceContext {
	case processfile.SystemService, processfile.UserService, processfile.SessionService:
	default:
		return errors.NewValidationError("unknown service context: "+string(options.ServiceContext), nil)
	}
	return ValidateTimeout(options.ShutdownTimeout, "shutdown")
}

func validateWorkerConfig(worker *WorkerConfig) error {
	if err := ValidateName(worker.Name); err != nil {
		return err
	}
	if err := process.ValidateExecutionConfig(worker.Execution); err != nil {
		return err
	}
	if worker.Port != 0 {
		if err := ValidatePort(worker.Port); err != nil {
			return err
		}
	}
	if worker.HealthCheck.Type != "" {
		if err := monitoring.ValidateHealthCheckConfig(worker.HealthCheck); err != nil {
			return err
		}
	}
	if err := ValidateTimeout(worker.GracefulTimeout, "graceful"); err != nil {
		return err
	}
	if err := ValidateTimeout(worker.KillTimeout, "kill"); err != nil {
		return err
	}
	return ValidateTimeout(worker.LivenessInterval, "liveness")
}

func validateLogsConfig(logs *LogsConfig) error {
	if logs.HistoryLines < 0 {
		return errors.NewValidationError("history lines cannot be negative", nil)
	}
	if logs.SubscriberQueue < 0 {
		return errors.NewValidationError("subscriber queue cannot be negative", nil)
	}
	if err := logstore.ValidateChannel(logs.DefaultChannel); err != nil {
		return err
	}
	if err := logs.Rotation.Validate(); err != nil {
		return err
	}
	for channel, policy := range logs.Channels {
		if err := logstore.ValidateChannel(channel); err != nil {
			return err
		}
		if err := policy.Validate(); err != nil {
			return errors.NewValidationError("invalid rotation for channel "+channel, err)
		}
	}
	return nil
}
