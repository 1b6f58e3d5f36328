// Package processfile lays out the PID and log files of launched apps under a
// home directory, the way PM2 does under PM2_HOME.
package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"
)

const (
	// HomeEnvVar overrides the default home directory
	HomeEnvVar = "PDM_HOME"

	defaultHomeName = ".pdm"
	pidDirectory    = "pids"
	logDirectory    = "logs"
)

type StreamType string

const (
	StdoutStream StreamType = "out"
	StderrStream StreamType = "error"
)

type ProcessFileConfig struct {
	// HomeDirectory holds the pids/ and logs/ subdirectories. Empty selects
	// $PDM_HOME, then ~/.pdm.
	HomeDirectory string
}

type ProcessFileManager struct {
	home   string
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	home := config.HomeDirectory
	if home == "" {
		home = defaultHomeDirectory()
	}
	return &ProcessFileManager{
		home:   home,
		logger: logger,
	}
}

func defaultHomeDirectory() string {
	if home := os.Getenv(HomeEnvVar); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), defaultHomeName)
	}
	return filepath.Join(userHome, defaultHomeName)
}

func (m *ProcessFileManager) HomeDirectory() string {
	return m.home
}

// GeneratePIDFilePath returns <home>/pids/<app>.pid
func (m *ProcessFileManager) GeneratePIDFilePath(appName string) string {
	return filepath.Join(m.home, pidDirectory, appName+".pid")
}

// GenerateLogFilePath returns <home>/logs/<app>-out.log or <app>-error.log
func (m *ProcessFileManager) GenerateLogFilePath(appName string, stream StreamType) string {
	return filepath.Join(m.home, logDirectory, fmt.Sprintf("%s-%s.log", appName, stream))
}

// WritePIDFile writes pid to path, creating the directory if needed
func (m *ProcessFileManager) WritePIDFile(path string, pid int) error {
	m.logger.Debugf("Writing PID file, pid: %d, path: %s", pid, path)

	if err := ValidatePIDFileDirectory(path); err != nil {
		m.logger.Errorf("PID file directory validation failed, path: %s, error: %v", path, err)
		return err
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}

	m.logger.Infof("PID file written, pid: %d, path: %s", pid, path)
	return nil
}

func (m *ProcessFileManager) ReadPIDFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", path)
	}
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).
			WithContext("pid_file", path).
			WithContext("content", pidStr)
	}
	return pid, nil
}

// RemovePIDFile deletes the file; a missing file is not an error
func (m *ProcessFileManager) RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	m.logger.Debugf("PID file removed, path: %s", path)
	return nil
}

// ProcessStatus is what a PID file says about an app
type ProcessStatus struct {
	PIDFile string
	PID     int
	Running bool
}

// Status reads the PID file and checks whether that process is still alive.
// A stale file reports Running false.
func (m *ProcessFileManager) Status(path string) (ProcessStatus, error) {
	status := ProcessStatus{PIDFile: path}

	pid, err := m.ReadPIDFile(path)
	if err != nil {
		return status, err
	}
	status.PID = pid

	running, err := IsProcessRunning(pid)
	if err != nil {
		m.logger.Warnf("Could not determine process state, pid: %d, error: %v", pid, err)
	}
	status.Running = running
	return status, nil
}

// ValidatePIDFileDirectory creates the parent directory of path if needed
// and checks it is writable
func ValidatePIDFileDirectory(path string) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
		}
	case err != nil:
		return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
	case !info.IsDir():
		return errors.NewValidationError("path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewPermissionError("directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}
