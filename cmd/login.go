package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Opens a browser to establish a tracker session",
		Long: `Launches a real browser at the tracker's login page and waits for
the operator to authenticate, SSO and MFA included. The harvested
cookies are persisted for later scan runs; the prior bundle is backed
up to the session history directory.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			session, err := a.Sessions().Refresh(cmd.Context())
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			a.Logger().Info("session established",
				zap.Int("cookies", len(session.Cookies)),
				zap.Time("expires_hint", session.ExpiresHint))
			return nil
		},
	}
	return cmd
}
