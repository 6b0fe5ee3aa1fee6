// Package npuconfig loads the orchestrator's configuration file and
// implements the per-submodel option gate described in §6: a string option
// that is either empty/"NO" (disabled everywhere), "YES" (enabled
// everywhere), or a comma-separated list of submodel indices (enabled only
// for those).
package npuconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator configuration file
// (~/.config/npuw/config.yaml). Pointer fields distinguish "not set" from
// an explicit zero value, the same way the teacher's CLI config does.
type Config struct {
	FuncallAsync *bool `yaml:"funcall_async"`

	// Gate is the raw per-submodel option string, e.g. "YES", "NO", "",
	// or "0,2,5". IsSet evaluates it.
	Gate string `yaml:"funcall_async_submodels"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "npuw", "config.yaml")
}

// Load reads the config file. Returns a zero Config if the file doesn't
// exist or fails to parse.
func Load() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// FuncallAsyncEnabled reports whether funcall pipelining is enabled overall,
// defaulting to false when the config file did not set it.
func (c Config) FuncallAsyncEnabled() bool {
	return c.FuncallAsync != nil && *c.FuncallAsync
}

// IsSet implements the §6 per-submodel gate: "" and "NO" (case-insensitive)
// disable every submodel, "YES" enables every submodel, and anything else is
// parsed as a comma-separated list of submodel indices enabled by name.
// Malformed entries in the list are ignored.
func (c Config) IsSet(subIdx int) bool {
	return IsSet(c.Gate, subIdx)
}

// IsSet is the standalone form of Config.IsSet, usable directly against a
// raw gate string (e.g. a CLI flag override).
func IsSet(gate string, subIdx int) bool {
	switch strings.ToUpper(strings.TrimSpace(gate)) {
	case "", "NO":
		return false
	case "YES":
		return true
	}
	for _, field := range strings.Split(gate, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		idx, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if idx == subIdx {
			return true
		}
	}
	return false
}
