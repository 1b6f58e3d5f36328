package descriptor

import (
	"testing"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"1G", GiB, false},
		{"1g", GiB, false},
		{"512M", 512 * MiB, false},
		{"300K", 300 * KiB, false},
		{"1048576", 1048576, false},
		{" 2G ", 2 * GiB, false},
		{"", 0, true},
		{"G", 0, true},
		{"1.5G", 0, true},
		{"0M", 0, true},
		{"-1G", 0, true},
		{"1T", 0, true},
		{"99999999999999999G", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			size, err := ParseMemorySize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size.Bytes)
			assert.True(t, size.IsSet())
		})
	}
}

func TestMemorySize_YAMLRoundTrip(t *testing.T) {
	type holder struct {
		Limit MemorySize `yaml:"limit,omitempty"`
	}

	var h holder
	require.NoError(t, yaml.Unmarshal([]byte("limit: 1G\n"), &h))
	assert.Equal(t, GiB, h.Limit.Bytes)

	out, err := yaml.Marshal(h)
	require.NoError(t, err)
	assert.Equal(t, "limit: 1G\n", string(out))

	out, err = yaml.Marshal(holder{})
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(out))
}

func TestMemorySize_RejectsNonScalar(t *testing.T) {
	var size MemorySize
	err := yaml.Unmarshal([]byte("[1, G]"), &size)
	assert.Error(t, err)
}
