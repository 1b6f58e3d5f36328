package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"

	"gopkg.in/yaml.v3"
)

const (
	KiB int64 = 1024
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
)

// MemorySize is a memory ceiling written the way PM2 accepts it: a plain
// byte count or a number suffixed with K, M or G (powers of 1024).
type MemorySize struct {
	Bytes int64
	Raw   string
}

// ParseMemorySize parses "1G", "512M", "300K" or "1048576"
func ParseMemorySize(s string) (MemorySize, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return MemorySize{}, errors.NewValidationError("memory size cannot be empty", nil)
	}

	number := raw
	multiplier := int64(1)
	switch suffix := strings.ToUpper(raw[len(raw)-1:]); suffix {
	case "K":
		multiplier = KiB
	case "M":
		multiplier = MiB
	case "G":
		multiplier = GiB
	}
	if multiplier != 1 {
		number = raw[:len(raw)-1]
	}

	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		return MemorySize{}, errors.NewValidationError("invalid memory size: "+raw, err).
			WithContext("accepted_suffixes", "K, M, G")
	}
	if value <= 0 {
		return MemorySize{}, errors.NewValidationError("memory size must be positive: "+raw, nil)
	}
	if value > (1<<63-1)/multiplier {
		return MemorySize{}, errors.NewValidationError("memory size overflows: "+raw, nil)
	}

	return MemorySize{Bytes: value * multiplier, Raw: raw}, nil
}

// IsSet reports whether a ceiling was declared
func (m MemorySize) IsSet() bool {
	return m.Bytes > 0
}

func (m MemorySize) String() string {
	if m.Raw != "" {
		return m.Raw
	}
	if m.Bytes == 0 {
		return ""
	}
	return strconv.FormatInt(m.Bytes, 10)
}

func (m *MemorySize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("max_memory_restart must be a scalar, line %d", node.Line)
	}
	parsed, err := ParseMemorySize(node.Value)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m MemorySize) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// IsZero lets omitempty drop an unset ceiling
func (m MemorySize) IsZero() bool {
	return m.Bytes == 0
}
