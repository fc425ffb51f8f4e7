package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"wayfarer/internal/api"
	"wayfarer/internal/daemonctl"
	"wayfarer/internal/stage"
)

type planFlags struct {
	sessionID    string
	userID       string
	workflowID   string
	requestFile  string
	destination  string
	origin       string
	start        string
	end          string
	travelers    int
	travelersSet bool
	budget       string
	interests    []string
	notes        string
}

func newPlanCommand(ctx *commandContext) *cobra.Command {
	var flags planFlags
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Submit a trip request for planning",
		Example: `  wayfarer plan --destination Lisbon --start 2026-05-01 --end 2026-05-03 --travelers 2
  wayfarer plan --file trip.json --session sess-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.travelersSet = cmd.Flags().Changed("travelers")
			req, err := buildCreateRequest(flags)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *daemonctl.Client) error {
				wf, err := client.Plan(cmd.Context(), req)
				if err != nil {
					return fmt.Errorf("submit trip: %w", err)
				}
				if jsonOut {
					return writeJSON(cmd, wf)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Workflow %s accepted (session %s)\n", wf.WorkflowID, wf.SessionID)
				fmt.Fprintf(out, "Follow along with: wayfarer watch %s\n", wf.SessionID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flags.sessionID, "session", "", "Session id (generated when empty)")
	cmd.Flags().StringVar(&flags.userID, "user", "", "User id for user-targeted messages")
	cmd.Flags().StringVar(&flags.workflowID, "workflow", "", "Explicit workflow id")
	cmd.Flags().StringVarP(&flags.requestFile, "file", "f", "", "Read the trip request from a JSON file")
	cmd.Flags().StringVar(&flags.destination, "destination", "", "Trip destination")
	cmd.Flags().StringVar(&flags.origin, "origin", "", "Departure city")
	cmd.Flags().StringVar(&flags.start, "start", "", "First day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.end, "end", "", "Last day (YYYY-MM-DD)")
	cmd.Flags().IntVar(&flags.travelers, "travelers", 1, "Number of travelers")
	cmd.Flags().StringVar(&flags.budget, "budget", "", "Budget hint (e.g. moderate)")
	cmd.Flags().StringSliceVar(&flags.interests, "interest", nil, "Interests (repeatable or comma separated)")
	cmd.Flags().StringVar(&flags.notes, "notes", "", "Free-form notes for the planners")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the accepted workflow as JSON")
	return cmd
}

// buildCreateRequest merges a request file with explicit flags; flags win.
func buildCreateRequest(flags planFlags) (api.CreateWorkflowRequest, error) {
	var trip stage.TripRequest
	if path := strings.TrimSpace(flags.requestFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return api.CreateWorkflowRequest{}, fmt.Errorf("read trip request: %w", err)
		}
		if err := json.Unmarshal(data, &trip); err != nil {
			return api.CreateWorkflowRequest{}, fmt.Errorf("parse trip request %s: %w", path, err)
		}
	}
	if flags.destination != "" {
		trip.Destination = flags.destination
	}
	if flags.origin != "" {
		trip.Origin = flags.origin
	}
	if flags.start != "" {
		trip.StartDate = flags.start
	}
	if flags.end != "" {
		trip.EndDate = flags.end
	}
	if flags.travelersSet || trip.Travelers == 0 {
		trip.Travelers = flags.travelers
	}
	if flags.budget != "" {
		trip.Budget = flags.budget
	}
	if len(flags.interests) > 0 {
		trip.Interests = flags.interests
	}
	if flags.notes != "" {
		trip.Notes = flags.notes
	}
	if err := trip.Validate(); err != nil {
		return api.CreateWorkflowRequest{}, err
	}

	sessionID := strings.TrimSpace(flags.sessionID)
	if sessionID == "" {
		sessionID = "cli-" + uuid.NewString()
	}
	return api.CreateWorkflowRequest{
		SessionID:  sessionID,
		UserID:     strings.TrimSpace(flags.userID),
		WorkflowID: strings.TrimSpace(flags.workflowID),
		Trip:       trip,
	}, nil
}
