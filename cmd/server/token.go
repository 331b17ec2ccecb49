package main

import (
	"fmt"

	"github.com/KevinKickass/OpenKitchenCore/internal/auth"
	"github.com/KevinKickass/OpenKitchenCore/internal/config"
	"github.com/spf13/cobra"
)

func buildTokenCommand(configFile *string) *cobra.Command {
	var operator, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator access token",
		Long: `Signs an access token with the configured JWT secret. The secret is read
from the environment variable named by auth.jwt_secret_env.`,
		Example: "  openkitchen token --operator alice --role technician",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if !cfg.Auth.IsProductionReady() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: signing with the development secret")
			}

			handler := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			token, err := handler.GenerateAccessToken(operator, auth.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "operator name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "viewer, operator or technician")
	_ = cmd.MarkFlagRequired("operator")

	return cmd
}
