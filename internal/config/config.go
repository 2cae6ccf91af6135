// Package config handles configuration loading, validation, and management
// for observd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete observd configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Session configuration for the epoch loop.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// VDF configuration.
	VDF VDFConfig `toml:"vdf" json:"vdf" yaml:"vdf"`

	// Storage configuration for the document vault.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Signing configuration for the document keypair.
	Signing SigningConfig `toml:"signing" json:"signing" yaml:"signing"`

	// Analysis configuration for authorship scoring.
	Analysis AnalysisConfig `toml:"analysis" json:"analysis" yaml:"analysis"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// SessionConfig controls epoch timing.
type SessionConfig struct {
	// TargetSeconds is the desired wall-clock length of one epoch.
	TargetSeconds float64 `toml:"target_seconds" json:"target_seconds" yaml:"target_seconds"`

	// InitialIterations skips cold-start calibration when non-zero.
	InitialIterations uint64 `toml:"initial_iterations" json:"initial_iterations" yaml:"initial_iterations"`
}

// VDFConfig controls the VDF group and calibration.
type VDFConfig struct {
	// ModulusHex overrides the RSA-2048 default modulus. Leave empty for
	// the standard group.
	ModulusHex string `toml:"modulus_hex" json:"modulus_hex" yaml:"modulus_hex"`

	// BenchmarkMs is the duration of the throughput benchmark.
	BenchmarkMs int `toml:"benchmark_ms" json:"benchmark_ms" yaml:"benchmark_ms"`

	// MaxIterations is loaded and saved with the configuration; no command
	// reads it, so epoch iteration counts are not capped by it.
	MaxIterations uint64 `toml:"max_iterations" json:"max_iterations" yaml:"max_iterations"`
}

// StorageConfig holds vault persistence configuration.
type StorageConfig struct {
	// VaultPath is the SQLite database holding encrypted documents.
	VaultPath string `toml:"vault_path" json:"vault_path" yaml:"vault_path"`

	// BaseSecretPath is where the 32-byte vault base secret lives.
	BaseSecretPath string `toml:"base_secret_path" json:"base_secret_path" yaml:"base_secret_path"`
}

// SigningConfig holds key material locations.
type SigningConfig struct {
	// PrivateKeyPath is the PEM file with the ECDSA P-384 signing key.
	PrivateKeyPath string `toml:"private_key_path" json:"private_key_path" yaml:"private_key_path"`

	// AutoGenerate creates a keypair on first use when none exists.
	AutoGenerate bool `toml:"auto_generate" json:"auto_generate" yaml:"auto_generate"`
}

// AnalysisConfig tunes the authorship analyzer surface.
type AnalysisConfig struct {
	// Enabled is loaded and saved with the configuration; no command reads
	// it. Forensic analysis runs only when the verification level is forensic.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SuspicionThreshold is the score below which a document is flagged.
	SuspicionThreshold float64 `toml:"suspicion_threshold" json:"suspicion_threshold" yaml:"suspicion_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file location for file output.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: Version,
		Session: SessionConfig{
			TargetSeconds: 10,
		},
		VDF: VDFConfig{
			BenchmarkMs:   500,
			MaxIterations: 1_000_000_000,
		},
		Storage: StorageConfig{
			VaultPath:      filepath.Join(defaultDataDir(), "vault.db"),
			BaseSecretPath: filepath.Join(defaultDataDir(), "vault.secret"),
		},
		Signing: SigningConfig{
			PrivateKeyPath: filepath.Join(defaultDataDir(), "signing.pem"),
			AutoGenerate:   true,
		},
		Analysis: AnalysisConfig{
			Enabled:            true,
			SuspicionThreshold: 0.3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// defaultDataDir returns the platform-specific data directory.
func defaultDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "observd")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "observd")
	default:
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			homeDir, _ := os.UserHomeDir()
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataHome, "observd")
	}
}

// DefaultConfigPath returns the platform-specific config file location.
func DefaultConfigPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "observd", "config.toml")
	case "windows":
		appData := os.Getenv("APPDATA")
		return filepath.Join(appData, "observd", "config.toml")
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			homeDir, _ := os.UserHomeDir()
			configHome = filepath.Join(homeDir, ".config")
		}
		return filepath.Join(configHome, "observd", "config.toml")
	}
}

// Validation errors.
var (
	ErrInvalidTarget    = errors.New("config: session.target_seconds must be positive")
	ErrInvalidModulus   = errors.New("config: vdf.modulus_hex is not valid hex")
	ErrInvalidLevel     = errors.New("config: logging.level is unknown")
	ErrInvalidFormat    = errors.New("config: logging.format must be text or json")
	ErrInvalidThreshold = errors.New("config: analysis.suspicion_threshold must be in [0,1]")
)

// Validate checks the configuration for coherence.
func (c *Config) Validate() error {
	if c.Session.TargetSeconds <= 0 {
		return ErrInvalidTarget
	}

	if c.VDF.ModulusHex != "" {
		for _, r := range strings.ToLower(c.VDF.ModulusHex) {
			if !strings.ContainsRune("0123456789abcdef", r) {
				return ErrInvalidModulus
			}
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLevel, c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.Logging.Format)
	}

	if c.Analysis.SuspicionThreshold < 0 || c.Analysis.SuspicionThreshold > 1 {
		return ErrInvalidThreshold
	}

	return nil
}

// ApplyEnvOverrides applies OBSERVD_* environment variables on top of the
// loaded file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("OBSERVD_TARGET_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Session.TargetSeconds = f
		}
	}
	if v := os.Getenv("OBSERVD_INITIAL_ITERATIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Session.InitialIterations = n
		}
	}
	if v := os.Getenv("OBSERVD_VAULT_PATH"); v != "" {
		c.Storage.VaultPath = v
	}
	if v := os.Getenv("OBSERVD_PRIVATE_KEY_PATH"); v != "" {
		c.Signing.PrivateKeyPath = v
	}
	if v := os.Getenv("OBSERVD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OBSERVD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Migrate upgrades older schema versions in place.
func (c *Config) Migrate() {
	if c.Version < 2 {
		// v1 had no analysis section.
		if c.Analysis.SuspicionThreshold == 0 {
			c.Analysis = Default().Analysis
		}
	}
	c.Version = Version
}
