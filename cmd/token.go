package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/grovetools/collab/cli"
	"github.com/grovetools/collab/internal/relay"
	"github.com/spf13/cobra"
)

// NewTokenCmd returns the token command.
func NewTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a join token for the relay",
		Long: `Mint an HS256 join token signed with relay.jwt_secret (or --secret, or
$COLLAB_JWT_SECRET).

Examples:
  collab token u-42 --first-name Ada --last-name Lovelace
  collab token u-42 --ttl 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = os.Getenv("COLLAB_JWT_SECRET")
			}
			if secret == "" {
				secret = cfg.Relay.JWTSecret
			}

			id := relay.Identity{UserID: args[0]}
			id.FirstName, _ = cmd.Flags().GetString("first-name")
			id.LastName, _ = cmd.Flags().GetString("last-name")
			id.Email, _ = cmd.Flags().GetString("email")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := relay.MintToken(secret, id, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().String("secret", "", "HMAC secret (default from relay.jwt_secret)")
	cmd.Flags().String("first-name", "", "First name claim")
	cmd.Flags().String("last-name", "", "Last name claim")
	cmd.Flags().String("email", "", "Email claim")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
