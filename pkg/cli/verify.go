package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func NewVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the configured mail transport accepts a connection and credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg, err := rt.LoadConfig()
			if err != nil {
				return err
			}
			zl, err := rt.Logger()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), verifyTimeout)
			defer cancel()

			sender, err := newSender(ctx, cfg.Mail, zl.Sugar())
			if err != nil {
				return err
			}
			if err := sender.Verify(ctx); err != nil {
				return fmt.Errorf("transport %s: %w", sender.Name(), err)
			}
			_, _ = fmt.Fprintf(rt.Writer(), "transport %s OK\n", sender.Name())
			return nil
		},
	}
}
