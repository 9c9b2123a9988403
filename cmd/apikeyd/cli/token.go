package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/apikeyd/apikeyd/internal/config"
	"github.com/apikeyd/apikeyd/internal/service"
)

func newTokenCmd() *cobra.Command {
	var (
		owner string
		admin bool
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the management API",
		Long: `Sign a JWT with auth.jwt_secret. Owner tokens manage their own keys; admin
tokens may act on any owner and reach the /admin routes.`,
		Example: `  apikeyd token --owner acme
  apikeyd token --owner ops --admin --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set; configure it or export " + config.EnvPrefix + "_AUTH_JWT_SECRET")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			tok, err := service.NewAuthService(cfg.Auth.JWTSecret).IssueJWT(cmd.Context(), owner, admin, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Subject owner ID (required)")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}
