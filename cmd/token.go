package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/citycab/dispatch/config"
	"github.com/citycab/dispatch/core/auth"
	"github.com/citycab/dispatch/core/model"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

// tokenCmd mints a signed token for local development and manual testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		role := model.Role(tokenRole)
		if !role.Valid() {
			return fmt.Errorf("invalid role %q, want driver or client", tokenRole)
		}
		if tokenSubject == "" {
			return fmt.Errorf("--sub is required")
		}
		verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
		token, err := verifier.Mint(tokenSubject, role, tokenTTL)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "token subject (driver or client id)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "driver", "token role: driver or client")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
