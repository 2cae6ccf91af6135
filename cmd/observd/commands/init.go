package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"observd/internal/config"
	"observd/internal/envelope"
	"observd/internal/keystore"
	"observd/internal/store"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the signing keypair, vault secret and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Signing keypair.
			keyPath := cfg.Signing.PrivateKeyPath
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				priv, err := keystore.GenerateKeyPair()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
					return err
				}
				if err := keystore.SavePrivateKey(keyPath, priv); err != nil {
					return err
				}
				if err := keystore.SavePublicKey(keyPath+".pub", &priv.PublicKey); err != nil {
					return err
				}
				fmt.Printf("Signing keypair created at %s\n", keyPath)
			} else {
				fmt.Printf("Signing keypair already present at %s\n", keyPath)
			}

			// Vault base secret.
			secretPath := cfg.Storage.BaseSecretPath
			if _, err := os.Stat(secretPath); os.IsNotExist(err) {
				secret, err := keystore.NewBaseSecret()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(secretPath), 0700); err != nil {
					return err
				}
				if err := os.WriteFile(secretPath, secret, 0600); err != nil {
					return err
				}
				fmt.Printf("Vault secret created at %s\n", secretPath)
			} else {
				fmt.Printf("Vault secret already present at %s\n", secretPath)
			}

			// Config file.
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := config.Save(configPath, cfg); err != nil {
					return err
				}
				fmt.Printf("Config written to %s\n", configPath)
			}
			return nil
		},
	}
}

// vaultKey derives the vault key from the stored base secret.
func vaultKey() ([]byte, error) {
	secret, err := os.ReadFile(cfg.Storage.BaseSecretPath)
	if err != nil {
		return nil, fmt.Errorf("read vault secret: %w", err)
	}
	return keystore.VaultKey(secret)
}

// writeEncrypted exports an envelope in the at-rest encrypted format.
func writeEncrypted(path string, env *envelope.Envelope, key []byte) error {
	if err := store.WriteFile(path, env, key); err != nil {
		return err
	}
	fmt.Printf("Encrypted export written to %s\n", path)
	return nil
}
