package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"wayfarer/internal/daemonctl"
	"wayfarer/internal/message"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var topics []string
	var heartbeat time.Duration
	var untilDone bool

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Stream live workflow messages for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			return watchSession(cmd.Context(), cmd.OutOrStdout(), client, args[0], userID, topics, heartbeat, untilDone)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id for user-targeted messages")
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "Topics to subscribe to (e.g. agents, agent:architect)")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 10*time.Second, "Heartbeat interval")
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "Exit once a workflow completes, fails, or is cancelled")
	return cmd
}

func watchSession(ctx context.Context, out io.Writer, client *daemonctl.Client, sessionID, userID string, topics []string, heartbeat time.Duration, untilDone bool) error {
	url := client.WebSocketURL(sessionID, userID, topics)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, client.AuthHeader())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to %s: %s", url, resp.Status)
		}
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Session "+sessionID, colorize) {
		fmt.Fprintln(out, line)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	if heartbeat > 0 {
		go sendHeartbeats(ctx, conn, sessionID, heartbeat)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read live message: %w", err)
		}
		env, err := message.Decode(data)
		if err != nil {
			fmt.Fprintf(out, "? %s\n", strings.TrimSpace(string(data)))
			continue
		}
		line, terminal := describeEnvelope(env)
		if line == "" {
			continue
		}
		fmt.Fprintln(out, colorizeValue(line, envelopeKind(env), colorize))
		if untilDone && terminal {
			return nil
		}
	}
}

// sendHeartbeats keeps the connection alive; write errors end the loop and
// surface through the reader.
func sendHeartbeats(ctx context.Context, conn *websocket.Conn, sessionID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := message.Encode(message.New(message.Heartbeat{}, message.Options{SessionID: sessionID, Source: "cli"}, time.Now(), 0))
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// describeEnvelope renders one live message; terminal reports whether the
// workflow reached a final status.
func describeEnvelope(env *message.Envelope) (string, bool) {
	stamp := env.Timestamp.Local().Format("15:04:05")
	switch p := env.Payload.(type) {
	case message.ProgressUpdate:
		if p.Threshold > 0 {
			return fmt.Sprintf("%s  %s reached %d%%", stamp, p.WorkflowID, p.Threshold), false
		}
		line := fmt.Sprintf("%s  progress %3d%%", stamp, p.Progress)
		if p.CurrentStep != "" {
			line += "  " + p.CurrentStep
		}
		if p.EstimatedTimeRemaining != nil {
			line += fmt.Sprintf("  eta %.0fs", *p.EstimatedTimeRemaining)
		}
		return line, false
	case message.AgentUpdate:
		line := fmt.Sprintf("%s  agent %s %s", stamp, p.Agent, p.Status)
		if p.Attempt > 0 {
			line += fmt.Sprintf(" (attempt %d)", p.Attempt)
		}
		if p.Message != "" {
			line += ": " + p.Message
		}
		return line, false
	case message.ErrorNotification:
		return fmt.Sprintf("%s  error in %s: %s", stamp, p.Step, p.Message), false
	case message.CompletionNotification:
		return fmt.Sprintf("%s  itinerary ready for %s (%.0fs)", stamp, p.WorkflowID, p.DurationSeconds), false
	case message.WorkflowStatus:
		line := fmt.Sprintf("%s  workflow %s %s", stamp, p.WorkflowID, p.Status)
		if p.Reason != "" {
			line += ": " + p.Reason
		}
		switch p.Status {
		case "completed", "failed", "cancelled":
			return line, true
		}
		return line, false
	case message.Subscribe:
		return fmt.Sprintf("%s  subscribed to %s", stamp, joinOrDash(p.Topics)), false
	}
	return "", false
}

func envelopeKind(env *message.Envelope) statusKind {
	switch p := env.Payload.(type) {
	case message.ErrorNotification:
		return statusError
	case message.CompletionNotification:
		return statusOK
	case message.WorkflowStatus:
		if p.Stale {
			return statusWarn
		}
		return workflowStatusKind(p.Status)
	}
	return statusInfo
}
