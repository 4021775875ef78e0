package cmds

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/parlor/pkg/auth"
)

func NewTokenCommand() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token for a configured user",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if len(settings.Auth.JWTSecret) == 0 {
				return errors.New("auth.jwt-secret is not set (set PARLOR_JWT_SECRET)")
			}
			known := len(settings.Users) == 0
			for _, u := range settings.Users {
				if u.ID == userID {
					known = true
					break
				}
			}
			if !known {
				return errors.Errorf("user %q is not in the configured users", userID)
			}

			issuer, err := auth.NewIssuer(auth.Options{
				Secret:    []byte(settings.Auth.JWTSecret),
				Algorithm: settings.Auth.Algorithm,
				Issuer:    settings.Auth.Issuer,
			})
			if err != nil {
				return err
			}
			tok, exp, err := issuer.Mint(userID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			if err == nil {
				_, err = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 2*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
