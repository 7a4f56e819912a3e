package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"buddy/internal/gateway"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long:  `Write a default configuration file with a freshly generated JWT secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = defaultConfigPath
		}

		if _, err := os.Stat(path); err == nil && !initForce {
			cmd.Printf("✓ Configuration file already exists: %s\n", path)
			cmd.Printf("Use --force to overwrite it\n")
			return nil
		}

		secret, err := generateSecret(32)
		if err != nil {
			return fmt.Errorf("failed to generate JWT secret: %w", err)
		}

		config := gateway.NewDefaultConfig()
		config.Security.JWT.SecretKey = secret

		if err := gateway.SaveConfig(config, path); err != nil {
			return err
		}

		cmd.Printf("✓ Configuration written: %s\n", path)
		cmd.Printf("✓ JWT secret generated\n")
		cmd.Printf("\nNext steps:\n")
		cmd.Printf("  Issue a development token:   buddy token <user-id> -c %s\n", path)
		cmd.Printf("  Enable background triggers:  buddy hash-key <key>, then set security.trigger_key_hash\n")
		cmd.Printf("  Start the broker:            buddy serve -c %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func generateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
