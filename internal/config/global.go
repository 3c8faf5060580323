package config

import (
	"os"
	"path/filepath"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/majorcontext/pipebench/internal/wrap"
)

// GlobalConfig holds host-wide settings from ~/.pipebench/config.yaml.
type GlobalConfig struct {
	Debug  DebugConfig        `yaml:"debug"`
	MTrace MTraceGlobalConfig `yaml:"mtrace"`
	BPF    BPFGlobalConfig    `yaml:"bpf"`
}

// DebugConfig controls the debug log directory.
type DebugConfig struct {
	// RetentionDays removes debug logs older than this. Zero keeps all.
	RetentionDays int `yaml:"retention_days"`
}

// MTraceGlobalConfig locates the allocation tracing library.
type MTraceGlobalConfig struct {
	Library string `yaml:"library"`
}

// BPFGlobalConfig configures how the probe helper is elevated.
type BPFGlobalConfig struct {
	Elevate   []string `yaml:"elevate"`
	ProbePath string   `yaml:"probe_path"`
}

// DefaultGlobalConfig returns the default global configuration.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Debug: DebugConfig{RetentionDays: 14},
		BPF: BPFGlobalConfig{
			Elevate: append([]string(nil), wrap.DefaultElevate...),
		},
	}
}

// LoadGlobal reads ~/.pipebench/config.yaml and applies environment overrides.
func LoadGlobal() (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	if data, err := os.ReadFile(filepath.Join(GlobalConfigDir(), "config.yaml")); err == nil {
		_ = yaml.Unmarshal(data, cfg) // Ignore unmarshal errors, use defaults
	}

	if lib := os.Getenv("PIPEBENCH_MTRACE_LIB"); lib != "" {
		cfg.MTrace.Library = lib
	}
	if elevate, ok := os.LookupEnv("PIPEBENCH_ELEVATE"); ok {
		if args, err := shlex.Split(elevate); err == nil {
			// An empty value runs the helper without elevation.
			cfg.BPF.Elevate = append([]string{}, args...)
		}
	}
	if path := os.Getenv(wrap.ProbePathEnv); path != "" {
		cfg.BPF.ProbePath = path
	}

	return cfg, nil
}

// GlobalConfigDir returns the path to ~/.pipebench.
func GlobalConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".pipebench")
	}
	return filepath.Join(homeDir, ".pipebench")
}

// DebugDir is where debug logs are written.
func DebugDir() string {
	return filepath.Join(GlobalConfigDir(), "debug")
}
