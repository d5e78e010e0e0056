package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/service"
)

func newTokenCmd() *cobra.Command {
	var (
		owner string
		email string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an owner JWT for local development",
		Long: `Mint an HS256 owner token signed with auth.jwt_secret. Production owner
tokens come from the identity provider; this is for scripts and local testing
of the key management API.`,
		Example: `  curl -H "Authorization: Bearer $(keygate token --owner acct_123)" localhost:8080/api/v1/keys`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if settings.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set")
			}
			if ttl <= 0 {
				ttl = settings.Auth.JWTExpiry
			}
			token, err := service.NewAuthService(settings.Auth.JWTSecret).
				IssueJWT(context.Background(), owner, email, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner account ID placed in the sub claim (required)")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.jwt_expiry)")
	cmd.MarkFlagRequired("owner")

	return cmd
}
