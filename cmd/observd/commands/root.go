package commands

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"observd/internal/config"
	"observd/internal/keystore"
	"observd/internal/logging"
	"observd/internal/store"
	"observd/internal/vdf"
)

// Version information (set at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var (
	configPath string
	cfg        *config.Config
	logger     *logging.Logger
)

// Execute runs the observd CLI.
func Execute() error {
	root := &cobra.Command{
		Use:           "observd",
		Short:         "Tamper-evident, time-anchored witnessing of document authoring",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}

			level, err := logging.ParseLevel(cfg.Logging.Level)
			if err != nil {
				return err
			}
			format := logging.FormatText
			if cfg.Logging.Format == "json" {
				format = logging.FormatJSON
			}
			logger, err = logging.New(&logging.Config{
				Level:     level,
				Format:    format,
				Output:    cfg.Logging.Output,
				FilePath:  cfg.Logging.FilePath,
				Component: "observd",
			})
			return err
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: platform config dir)")

	root.AddCommand(
		initCmd(),
		writeCmd(),
		listCmd(),
		exportCmd(),
		verifyCmd(),
		analyzeCmd(),
		benchmarkCmd(),
		versionCmd(),
	)
	return root.Execute()
}

// newComputer builds the VDF computer from configuration.
func newComputer() (*vdf.Computer, error) {
	if cfg.VDF.ModulusHex != "" {
		return vdf.NewWithModulus(cfg.VDF.ModulusHex)
	}
	return vdf.New(), nil
}

// loadSigningKey loads the signing key, generating one when configured to.
func loadSigningKey() (*ecdsa.PrivateKey, error) {
	path := cfg.Signing.PrivateKeyPath
	priv, err := keystore.LoadPrivateKey(path)
	if err == nil {
		return priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) || !cfg.Signing.AutoGenerate {
		return nil, err
	}

	priv, err = keystore.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := keystore.SavePrivateKey(path, priv); err != nil {
		return nil, err
	}
	logger.Info("generated signing keypair", "path", path)
	return priv, nil
}

// openVault derives the vault key and opens the document store, creating
// the base secret on first use.
func openVault() (*store.Vault, error) {
	secretPath := cfg.Storage.BaseSecretPath
	secret, err := os.ReadFile(secretPath)
	if os.IsNotExist(err) {
		secret, err = keystore.NewBaseSecret()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(secretPath), 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(secretPath, secret, 0600); err != nil {
			return nil, err
		}
		logger.Info("generated vault secret", "path", secretPath)
	} else if err != nil {
		return nil, fmt.Errorf("read vault secret: %w", err)
	}

	key, err := keystore.VaultKey(secret)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Storage.VaultPath, key)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("observd %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
