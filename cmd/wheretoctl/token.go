package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	platformauth "github.com/whereto/project/internal/platform/auth"
	"github.com/whereto/project/internal/platform/env"
)

func newTokenCmd() *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Sign a bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens := platformauth.NewManager(env.String("JWT_SECRET", "dev-insecure-change-me"), ttl)
			tokens.Issuer = env.String("JWT_ISSUER", "")
			token, err := tokens.Sign(args[0], name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
