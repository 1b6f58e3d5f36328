package descriptor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironment_Profiles(t *testing.T) {
	d := validDescriptor()
	d.Env["LOG_FORMAT"] = "console"
	d.Profiles["production"]["LOG_FORMAT"] = "json"
	d.Profiles["staging"] = EnvMap{"NODE_ENV": "staging"}

	tests := []struct {
		profile  string
		expected map[string]string
	}{
		{"", map[string]string{"NODE_ENV": "development", "LOG_FORMAT": "console"}},
		{DefaultProfile, map[string]string{"NODE_ENV": "development", "LOG_FORMAT": "console"}},
		{DevelopmentProfile, map[string]string{"NODE_ENV": "development", "LOG_FORMAT": "console"}},
		{"production", map[string]string{"NODE_ENV": "production", "LOG_FORMAT": "json"}},
		{"staging", map[string]string{"NODE_ENV": "staging", "LOG_FORMAT": "console"}},
	}

	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			env, err := d.Environment(tt.profile)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, env)
		})
	}
}

func TestEnvironment_DoesNotMutateDescriptor(t *testing.T) {
	d := validDescriptor()

	env, err := d.Environment("production")
	require.NoError(t, err)
	env["NODE_ENV"] = "changed"

	assert.Equal(t, "development", d.Env["NODE_ENV"])
	assert.Equal(t, "production", d.Profiles["production"]["NODE_ENV"])
}

func TestEnvironment_DevelopmentOverride(t *testing.T) {
	d := validDescriptor()
	d.Profiles[DevelopmentProfile] = EnvMap{"DEBUG": "1"}

	env, err := d.Environment(DevelopmentProfile)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"NODE_ENV": "development", "DEBUG": "1"}, env)
}

func TestEnvironment_UnknownProfile(t *testing.T) {
	d := validDescriptor()

	_, err := d.Environment("qa")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
	assert.Contains(t, err.Error(), "profile=qa")
}

func TestLaunchPlan(t *testing.T) {
	base := t.TempDir()
	d := validDescriptor()
	d.Args = []string{"--port", "8080"}
	d.MaxMemoryRestart = MemorySize{Bytes: GiB, Raw: "1G"}

	plan, err := d.LaunchPlan("production", base)
	require.NoError(t, err)

	absBase, err := filepath.Abs(base)
	require.NoError(t, err)

	assert.Equal(t, "pdm-sync-server", plan.Name)
	assert.Equal(t, "production", plan.Profile)
	assert.Equal(t, filepath.Join(absBase, "target", "pdm-sync-server"), plan.ExecutablePath)
	assert.Equal(t, absBase, plan.WorkingDirectory)
	assert.Equal(t, []string{"--port", "8080"}, plan.Args)
	assert.Equal(t, []string{"NODE_ENV=production"}, plan.Environment)
	assert.Equal(t, 3*time.Second, plan.GracePeriod)
	assert.Equal(t, RestartAlways, plan.RestartPolicy)
	assert.Equal(t, GiB, plan.MaxMemoryBytes)

	value, ok := plan.Lookup("NODE_ENV")
	assert.True(t, ok)
	assert.Equal(t, "production", value)
	_, ok = plan.Lookup("NODE")
	assert.False(t, ok)
}

func TestLaunchPlan_DefaultProfileAndCwd(t *testing.T) {
	base := t.TempDir()
	d := validDescriptor()
	d.Cwd = "srv"
	d.Env["B"] = "2"
	d.Env["A"] = "1"

	plan, err := d.LaunchPlan("", base)
	require.NoError(t, err)

	absBase, err := filepath.Abs(base)
	require.NoError(t, err)

	assert.Equal(t, DefaultProfile, plan.Profile)
	assert.Equal(t, filepath.Join(absBase, "srv"), plan.WorkingDirectory)
	assert.Equal(t, filepath.Join(absBase, "srv", "target", "pdm-sync-server"), plan.ExecutablePath)
	assert.Equal(t, []string{"A=1", "B=2", "NODE_ENV=development"}, plan.Environment)
}

func TestLaunchPlan_LogAndPIDFiles(t *testing.T) {
	base := t.TempDir()
	absBase, err := filepath.Abs(base)
	require.NoError(t, err)

	d := validDescriptor()
	plan, err := d.LaunchPlan("", base)
	require.NoError(t, err)
	assert.Empty(t, plan.OutFile)
	assert.Empty(t, plan.ErrorFile)
	assert.Empty(t, plan.PIDFile)

	d.OutFile = "logs/out.log"
	d.ErrorFile = filepath.Join(absBase, "err.log")
	d.PIDFile = "run/server.pid"
	d.LogDateFormat = "YYYY-MM-DD HH:mm:ss"

	plan, err = d.LaunchPlan("", base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(absBase, "logs", "out.log"), plan.OutFile)
	assert.Equal(t, filepath.Join(absBase, "err.log"), plan.ErrorFile)
	assert.Equal(t, filepath.Join(absBase, "run", "server.pid"), plan.PIDFile)
	assert.Equal(t, "YYYY-MM-DD HH:mm:ss", plan.LogDateFormat)
}

func TestLaunchPlan_AbsoluteScript(t *testing.T) {
	d := validDescriptor()
	d.Script = filepath.Join(t.TempDir(), "bin", "..", "server")

	plan, err := d.LaunchPlan("", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(d.Script), plan.ExecutablePath)
}

func TestLaunchPlan_Errors(t *testing.T) {
	d := validDescriptor()
	_, err := d.LaunchPlan("qa", t.TempDir())
	assert.True(t, errors.IsNotFoundError(err))

	d.Instances = intPtr(3)
	_, err = d.LaunchPlan("", t.TempDir())
	assert.True(t, errors.IsValidationError(err))
}
