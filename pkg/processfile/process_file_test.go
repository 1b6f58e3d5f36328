package processfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *ProcessFileManager {
	return NewProcessFileManager(ProcessFileConfig{HomeDirectory: t.TempDir()}, logging.NewNopLogger())
}

func TestNewProcessFileManager_HomeDirectory(t *testing.T) {
	m := NewProcessFileManager(ProcessFileConfig{HomeDirectory: "/srv/pdm"}, logging.NewNopLogger())
	assert.Equal(t, "/srv/pdm", m.HomeDirectory())

	t.Setenv(HomeEnvVar, "/opt/pdm-home")
	m = NewProcessFileManager(ProcessFileConfig{}, logging.NewNopLogger())
	assert.Equal(t, "/opt/pdm-home", m.HomeDirectory())

	t.Setenv(HomeEnvVar, "")
	m = NewProcessFileManager(ProcessFileConfig{}, logging.NewNopLogger())
	assert.Equal(t, defaultHomeName, filepath.Base(m.HomeDirectory()))
}

func TestGeneratePaths(t *testing.T) {
	m := NewProcessFileManager(ProcessFileConfig{HomeDirectory: "/srv/pdm"}, logging.NewNopLogger())

	assert.Equal(t, filepath.Join("/srv/pdm", "pids", "pdm-sync-server.pid"), m.GeneratePIDFilePath("pdm-sync-server"))
	assert.Equal(t, filepath.Join("/srv/pdm", "logs", "pdm-sync-server-out.log"), m.GenerateLogFilePath("pdm-sync-server", StdoutStream))
	assert.Equal(t, filepath.Join("/srv/pdm", "logs", "pdm-sync-server-error.log"), m.GenerateLogFilePath("pdm-sync-server", StderrStream))
}

func TestPIDFile_WriteReadRemove(t *testing.T) {
	m := newTestManager(t)
	path := m.GeneratePIDFilePath("pdm-sync-server")

	require.NoError(t, m.WritePIDFile(path, 4242))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(content))

	pid, err := m.ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, m.RemovePIDFile(path))
	require.NoError(t, m.RemovePIDFile(path))

	_, err = m.ReadPIDFile(path)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestReadPIDFile_InvalidContent(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "bad.pid")

	for _, content := range []string{"", "abc", "-5", "0"} {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := m.ReadPIDFile(path)
		assert.True(t, errors.IsValidationError(err), "content %q", content)
	}
}

func TestWritePIDFile_ParentIsFile(t *testing.T) {
	m := newTestManager(t)
	parent := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0o644))

	err := m.WritePIDFile(filepath.Join(parent, "app.pid"), 1)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestStatus(t *testing.T) {
	m := newTestManager(t)
	path := m.GeneratePIDFilePath("self")

	require.NoError(t, m.WritePIDFile(path, os.Getpid()))
	status, err := m.Status(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.True(t, status.Running)

	_, err = m.Status(m.GeneratePIDFilePath("missing"))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStatus_ExitedProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a unix shell")
	}
	cmd := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())

	m := newTestManager(t)
	path := m.GeneratePIDFilePath("exited")
	require.NoError(t, m.WritePIDFile(path, cmd.Process.Pid))

	status, err := m.Status(path)
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestIsProcessRunning_InvalidPID(t *testing.T) {
	_, err := IsProcessRunning(0)
	assert.True(t, errors.IsValidationError(err))
}
