package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/atomicfile"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
)

// Default application name for the supervisor
const DefaultAppName = "supervisor"

// ProcessFileConfig holds configuration for process file generation (state records, PID files, logs)
type ProcessFileConfig struct {
	// Base directory for process files. If empty, uses OS-appropriate default
	BaseDirectory string

	// Service context - affects directory selection
	ServiceContext ServiceContext

	// Application name for subdirectory creation
	AppName string

	// Create subdirectory for the app (recommended for system services)
	UseSubdirectory bool
}

// ServiceContext defines the context in which the service runs
type ServiceContext string

const (
	// SystemService runs as a system service (daemon)
	SystemService ServiceContext = "system"

	// UserService runs as a user service
	UserService ServiceContext = "user"

	// SessionService runs as a session service (cleaned up on logout)
	SessionService ServiceContext = "session"
)

// StateRecord is the durable view of the managed worker. It is rewritten
// atomically on every state transition.
type StateRecord struct {
	Name               string    `json:"name"`
	PID                int       `json:"pid"`
	State              string    `json:"state"`
	Desired            string    `json:"desired"`
	StartedAt          time.Time `json:"started_at,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
	ConsecutiveCrashes int       `json:"consecutive_crashes"`
	LastExitReason     string    `json:"last_exit_reason,omitempty"`
}

// ProcessFileManager provides process file path generation and management
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

// NewProcessFileManager creates a new process file manager with the given configuration
func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	// Set defaults
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}

	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}

	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// BaseDirectory returns the directory holding process files
func (m *ProcessFileManager) BaseDirectory() string {
	baseDir := m.getBaseDirectory()

	// Create app subdirectory if requested
	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}
	return baseDir
}

// GeneratePIDFilePath generates an appropriate PID file path for the given worker ID
func (m *ProcessFileManager) GeneratePIDFilePath(workerID string) string {
	return filepath.Join(m.BaseDirectory(), workerID+".pid")
}

// GenerateStateFilePath generates the state record path for the given worker ID
func (m *ProcessFileManager) GenerateStateFilePath(workerID string) string {
	return filepath.Join(m.BaseDirectory(), workerID+".state.json")
}

// WritePIDFile writes the process PID to the appropriate file for the given worker ID
func (m *ProcessFileManager) WritePIDFile(workerID string, pid int) error {
	pidFilePath := m.GeneratePIDFilePath(workerID)
	m.logger.Debugf("Writing PID file, worker: %s, pid: %d, path: %s", workerID, pid, pidFilePath)

	// Validate directory exists and is writable
	if err := ValidatePIDFileDirectory(pidFilePath); err != nil {
		m.logger.Errorf("PID file directory validation failed, worker: %s, path: %s, error: %v", workerID, pidFilePath, err)
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", pidFilePath)
	}

	pidContent := fmt.Sprintf("%d\n", pid)
	if err := atomicfile.WriteFile(pidFilePath, []byte(pidContent), 0644); err != nil {
		m.logger.Errorf("Failed to write PID file, worker: %s, pid: %d, path: %s, error: %v", workerID, pid, pidFilePath, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", pidFilePath).WithContext("pid", pid)
	}

	m.logger.Debugf("PID file written successfully, worker: %s, pid: %d, path: %s", workerID, pid, pidFilePath)
	return nil
}

// ReadPIDFile reads the PID recorded for the given worker ID
func (m *ProcessFileManager) ReadPIDFile(workerID string) (int, error) {
	pidFilePath := m.GeneratePIDFilePath(workerID)

	content, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", pidFilePath)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", pidFilePath)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", pidFilePath).WithContext("content", pidStr)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file. A missing file is not an error.
func (m *ProcessFileManager) RemovePIDFile(workerID string) error {
	pidFilePath := m.GeneratePIDFilePath(workerID)
	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", pidFilePath)
	}
	return nil
}

// WriteStateRecord atomically replaces the state record of the worker
func (m *ProcessFileManager) WriteStateRecord(record StateRecord) error {
	statePath := m.GenerateStateFilePath(record.Name)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode state record", err).WithContext("worker", record.Name)
	}
	data = append(data, '\n')

	if err := atomicfile.WriteFile(statePath, data, 0644); err != nil {
		m.logger.Errorf("Failed to write state record, worker: %s, path: %s, error: %v", record.Name, statePath, err)
		return errors.NewIOError("failed to write state record", err).WithContext("state_file", statePath)
	}
	return nil
}

// ReadStateRecord loads the state record of the worker. It returns a
// NotFound error when no record was written yet.
func (m *ProcessFileManager) ReadStateRecord(workerID string) (StateRecord, error) {
	statePath := m.GenerateStateFilePath(workerID)

	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return StateRecord{}, errors.NewNotFoundError("state record not found", err).WithContext("state_file", statePath)
		}
		return StateRecord{}, errors.NewIOError("failed to read state record", err).WithContext("state_file", statePath)
	}

	var record StateRecord
	if err := json.Unmarshal(data, &record); err != nil {
		m.logger.Warnf("Corrupt state record ignored, worker: %s, path: %s, error: %v", workerID, statePath, err)
		return StateRecord{}, errors.NewValidationError("corrupt state record", err).WithContext("state_file", statePath)
	}
	if record.Name == "" {
		record.Name = workerID
	}
	return record, nil
}

// ===== LOG DIRECTORY METHODS =====

// GenerateLogDirectoryPath generates the appropriate log directory path for the application
func (m *ProcessFileManager) GenerateLogDirectoryPath() string {
	baseDir := m.getLogBaseDirectory()

	if m.config.UseSubdirectory {
		return filepath.Join(baseDir, m.config.AppName, "logs")
	}

	return filepath.Join(baseDir, "logs")
}

// getBaseDirectory returns the appropriate base directory for process files
func (m *ProcessFileManager) getBaseDirectory() string {
	// Use explicit configuration if provided
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	// Use OS-appropriate defaults based on service context
	switch m.config.ServiceContext {
	case SystemService:
		return m.getSystemServiceDirectory()
	case SessionService:
		return m.getSessionServiceDirectory()
	default:
		return m.getUserServiceDirectory()
	}
}

// getSystemServiceDirectory returns the directory for system services
func (m *ProcessFileManager) getSystemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return programData

	case "darwin":
		return "/var/run"

	default:
		// Modern standard is /run, with fallback to /var/run
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

// getUserServiceDirectory returns the directory for user services
func (m *ProcessFileManager) getUserServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "/tmp"
		}
		return filepath.Join(homeDir, "Library", "Application Support")

	default:
		// Use XDG_STATE_HOME or XDG_RUNTIME_DIR if available, otherwise /tmp
		if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
			return stateHome
		}
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return "/tmp"
	}
}

// getSessionServiceDirectory returns the directory for session services
func (m *ProcessFileManager) getSessionServiceDirectory() string {
	if runtime.GOOS == "linux" {
		sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
		if _, err := os.Stat(sessionDir); err == nil {
			return sessionDir
		}
	}
	return os.TempDir()
}

// getLogBaseDirectory returns the appropriate base directory for log files
func (m *ProcessFileManager) getLogBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		if runtime.GOOS == "windows" {
			return m.getSystemServiceDirectory()
		}
		return "/var/log"
	case SessionService:
		return m.getSessionServiceDirectory()
	default:
		if runtime.GOOS == "linux" {
			if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
				return dataHome
			}
			if homeDir, err := os.UserHomeDir(); err == nil {
				return filepath.Join(homeDir, ".local", "share")
			}
		}
		return m.getUserServiceDirectory()
	}
}

// ValidatePIDFileDirectory validates that the PID file directory exists and is writable
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	// Check if directory exists
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Try to create the directory
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
			}
		} else {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}

	// Check if directory is writable
	testFile := filepath.Join(dir, ".write_test")
	if file, err := os.Create(testFile); err != nil {
		return errors.NewPermissionError("PID file directory is not writable", err).WithContext("directory", dir)
	} else {
		file.Close()
		os.Remove(testFile)
	}

	return nil
}

// GetRecommendedProcessFileConfig returns recommended process file configuration for different deployment scenarios
func GetRecommendedProcessFileConfig(scenario string, appName string) ProcessFileConfig {
	if appName == "" {
		appName = DefaultAppName
	}

	switch strings.ToLower(scenario) {
	case "system", "daemon", "service":
		return ProcessFileConfig{
			ServiceContext:  SystemService,
			AppName:         appName,
			UseSubdirectory: true,
		}

	case "session", "desktop":
		return ProcessFileConfig{
			ServiceContext:  SessionService,
			AppName:         appName,
			UseSubdirectory: false,
		}

	case "development", "dev", "test":
		return ProcessFileConfig{
			BaseDirectory:   filepath.Join(os.TempDir(), appName+"-dev"),
			ServiceContext:  UserService,
			AppName:         appName,
			UseSubdirectory: false,
		}

	default:
		return ProcessFileConfig{
			ServiceContext:  UserService,
			AppName:         appName,
			UseSubdirectory: true,
		}
	}
}
