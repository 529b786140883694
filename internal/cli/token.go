package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agrimatch/backend/internal/security/auth"
)

// TokenCmd returns the token command for minting development tokens
func TokenCmd() *cobra.Command {
	var role string
	var user string
	var name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT for a user and role",
		Long: `Mint a signed development token matching the server's JWT_SECRET.

The server and this command must share the same JWT_SECRET environment
variable. Intended for local development; production tokens come from the
identity service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role are required")
			}

			tm := auth.NewTokenManager(os.Getenv("JWT_SECRET"), "agrimatch")
			token, err := tm.GenerateToken(user, role, name, ttl)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}

			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Role to act as (landowner, farmer, buyer)")
	cmd.Flags().StringVar(&user, "user", "", "User ID to embed in the token")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	return cmd
}
