package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"wayfarer/internal/notifications"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification using the configured ntfy topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			if strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
				fmt.Fprintln(out, renderStatusLine("ntfy", statusWarn, "topic not configured", colorize))
				return nil
			}
			notifier := notifications.NewService(cfg)
			if err := notifier.Publish(cmd.Context(), notifications.EventTest, nil); err != nil {
				fmt.Fprintln(out, renderStatusLine("ntfy", statusError, "failed to send notification", colorize))
				return err
			}
			fmt.Fprintln(out, renderStatusLine("ntfy", statusOK, "test notification sent", colorize))
			return nil
		},
	}
}
