package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/server"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

var (
	flagTokenSecret string
	flagTokenRole   string
	flagTokenLabel  string
	flagTokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <room-id>",
	Short: "Issue an access token for a room",
	Long: `Issue a signed join token for a server running with --access token.

The secret defaults to ACCESS_SECRET.

Examples:
  warpcall token math-101 --role host --label "Ms. Rivera"
  warpcall token math-101 --ttl 2h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := flagTokenSecret
		if secret == "" {
			secret = os.Getenv("ACCESS_SECRET")
		}
		if secret == "" {
			return errors.New("a secret is required: pass --secret or set ACCESS_SECRET")
		}

		role := signaling.Role(flagTokenRole)
		if !role.Valid() {
			return fmt.Errorf("invalid role %q: expected host or guest", flagTokenRole)
		}

		claims := server.TokenClaims{Room: args[0], Role: role, Label: flagTokenLabel}
		if flagTokenTTL > 0 {
			claims.Expires = time.Now().Add(flagTokenTTL).Unix()
		}
		token, err := server.IssueToken(secret, claims)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&flagTokenSecret, "secret", "", "Shared token secret")
	tokenCmd.Flags().StringVar(&flagTokenRole, "role", string(signaling.RoleGuest), "Role: host or guest")
	tokenCmd.Flags().StringVar(&flagTokenLabel, "label", "", "Display name shown to the other participant")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 4*time.Hour, "Token lifetime, 0 for no expiry")
}
