package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskboard/api"
)

func newTokenCmd(load loader) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print an HS256 token for local use",
		Long:  "Signs a token with AUTH_JWT_SECRET that the server accepts in shared-secret mode.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if cfg.AuthJWTSecret == "" {
				return errors.New("AUTH_JWT_SECRET must be set")
			}
			token, err := api.SignDevToken([]byte(cfg.AuthJWTSecret), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
