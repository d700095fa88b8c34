package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskboard/internal/auth"
	"taskboard/internal/config"
)

func tokenCmd(o *globalOptions) *cobra.Command {
	var (
		name, subject, role string
		ttl                 time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token for stream and ingest clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv(o.envPath)
			if err != nil {
				return err
			}
			cfg, err := o.loadConfig(env)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("no auth.jwt_secret (or JWT_KEY) configured")
			}
			tok, err := auth.New(auth.Config{Secret: []byte(cfg.Auth.JWTSecret)}).
				Issue(auth.Actor{ID: subject, Name: name, Role: role}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "identity written into activity records")
	cmd.Flags().StringVar(&subject, "sub", "", "subject (user id)")
	cmd.Flags().StringVar(&role, "role", "", "optional role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
