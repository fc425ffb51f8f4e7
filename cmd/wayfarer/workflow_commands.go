package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"wayfarer/internal/daemonctl"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var partial bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow's state and, once complete, its itinerary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				detail, err := client.Workflow(cmd.Context(), args[0], partial)
				if err != nil {
					return fmt.Errorf("workflow status: %w", err)
				}
				if jsonOut {
					return writeJSON(cmd, detail)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderWorkflow(detail.Workflow, shouldColorize(out)))
				if text := renderResult(detail.Result); text != "" {
					fmt.Fprint(out, text)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&partial, "partial", false, "Include the outputs gathered so far for unfinished workflows")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the workflow as JSON")
	return cmd
}

func newProgressCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "progress <workflow-id>",
		Short: "Show live progress for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				p, err := client.Progress(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("workflow progress: %w", err)
				}
				if jsonOut {
					return writeJSON(cmd, p)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderProgress(p))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print progress as JSON")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a pending or processing workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				wf, err := client.Cancel(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("cancel workflow: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is %s\n", wf.WorkflowID, wf.Status)
				return nil
			})
		},
	}
}

func newSessionCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "session <session-id>",
		Short: "Show the current workflow of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				wf, err := client.Session(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("session workflow: %w", err)
				}
				if jsonOut {
					return writeJSON(cmd, wf)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderWorkflow(wf, shouldColorize(out)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the workflow as JSON")
	return cmd
}
