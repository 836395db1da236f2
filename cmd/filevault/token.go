package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/config"
	"github.com/sagarc03/filevault/keybackend"
)

var tokenCmd = &cobra.Command{
	Use:   "token --owner <owner>",
	Short: "Issue a bearer token for an owner",
	Long: `Sign a bearer token for --owner with a configured key and print it.

Examples:
  # Token for alice valid for one day
  filevault token --owner alice --ttl 24h

  # Sign with a rotated key
  filevault token --owner alice --kid 2026-10`,
	RunE: runToken,
}

var (
	tokenOwner string
	tokenTTL   time.Duration
	tokenKeyID string
)

func init() {
	tokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "owner the token acts as")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenKeyID, "kid", filevault.DefaultKeyID, "signing key id")
	_ = tokenCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	store, err := keybackend.NewSecretStore(cfg.Auth.Keys)
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}

	token, err := filevault.IssueToken(store, tokenKeyID, tokenOwner, tokenTTL, cfg.Auth.Token)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
