package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"buddy/internal/gateway"
)

var tokenExpiryHours int

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a connection token for a user",
	Long: `Issue a JWT signed with the configured secret. Clients pass it as
"Authorization: Bearer <token>" or ?token=<token> when opening /ws.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, _, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		expiry := config.Security.JWT.ExpiryHours
		if tokenExpiryHours > 0 {
			expiry = tokenExpiryHours
		}

		service := gateway.NewJWTService(config.Security.JWT.SecretKey, config.Security.JWT.Issuer, expiry)
		token, err := service.GenerateToken(args[0])
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}

		cmd.Println(token)
		return nil
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <key>",
	Short: "Hash a background trigger key",
	Long: `Print the Argon2id hash of a trigger key. Put the hash in security.trigger_key_hash;
backend workers then call POST /api/v1/users/{user_id}/events with "Authorization: Bearer <key>".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := gateway.NewKeyHasher().Hash(args[0])
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		cmd.Println(hash)
		return nil
	},
}

func init() {
	tokenCmd.Flags().IntVar(&tokenExpiryHours, "expiry-hours", 0, "token lifetime in hours (default from config)")
}
