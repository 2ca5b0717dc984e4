package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/auth"
)

// newTokenCmd mints a JWT the relay accepts in AUTH_MODE=jwt. It is meant for
// development; production tokens come from the deployment's identity service.
func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		name    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signaling JWT signed with the relay's JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.IssueToken(secret, subject, name, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (the relay's JWT_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, used as the meeting host id")
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
