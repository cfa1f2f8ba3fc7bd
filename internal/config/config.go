// Package config provides configuration parsing and validation for the hub and agents.
//
// Both documents are YAML. Values may reference environment variables as
// ${VAR}, $VAR or ${VAR:-default}; references are expanded before parsing.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// ByteSize is a byte count written in human form ("32KiB", "1 MB", "65536").
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Int returns the size as an int.
func (b ByteSize) Int() int {
	return int(b)
}

// readFile reads a config file.
func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// decode expands environment references and unmarshals onto out, which
// already holds the defaults.
func decode(data []byte, out any) error {
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidPort(p int) bool {
	return p > 0 && p <= 65535
}

func isValidHostPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}
