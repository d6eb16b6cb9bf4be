package main

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/journalsync/internal/auth"
	"github.com/hyperengineering/journalsync/internal/config"
	"github.com/spf13/cobra"
)

var (
	tokenUser   string
	tokenDevice string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for a user and device",
	Long:  "Signs a token with the configured JWT secret and token TTL. Intended for development and testing.",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id (sub claim)")
	tokenCmd.Flags().StringVar(&tokenDevice, "device", "", "Device id (did claim)")
	tokenCmd.MarkFlagRequired("user")
	tokenCmd.MarkFlagRequired("device")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	secret := cfg.SigningSecret()
	if secret == "" {
		return errors.New("no JWT secret configured")
	}

	token, err := auth.NewJWTAuth(secret).GenerateToken(tokenUser, tokenDevice, cfg.Auth.TokenTTL.Std())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
