package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"wayfarer/internal/api"
	"wayfarer/internal/pipeline"
)

func renderWorkflow(wf api.Workflow, colorize bool) string {
	rows := [][]string{
		{"Workflow", wf.WorkflowID},
		{"Session", wf.SessionID},
		{"Status", colorizeValue(wf.Status, workflowStatusKind(wf.Status), colorize)},
		{"Progress", strconv.Itoa(wf.Progress) + "%"},
	}
	if wf.CurrentStep != "" {
		rows = append(rows, []string{"Current step", wf.CurrentStep})
	}
	rows = append(rows, []string{"Completed", joinOrDash(wf.CompletedSteps)})
	if len(wf.FailedSteps) > 0 {
		rows = append(rows, []string{"Failed", colorizeValue(strings.Join(wf.FailedSteps, ", "), statusError, colorize)})
	}
	if wf.StartedAt != "" {
		rows = append(rows, []string{"Started", wf.StartedAt})
	}
	if wf.UpdatedAt != "" {
		rows = append(rows, []string{"Updated", wf.UpdatedAt})
	}
	if wf.RequestID != "" {
		rows = append(rows, []string{"Request", wf.RequestID})
	}
	if n := len(wf.Errors); n > 0 {
		last := wf.Errors[n-1]
		detail := last.Message
		if last.Step != "" {
			detail = last.Step + ": " + detail
		}
		rows = append(rows, []string{"Errors", fmt.Sprintf("%d (last: %s)", n, detail)})
	}
	return renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
}

func renderProgress(p api.Progress) string {
	eta := "-"
	if p.EstimatedTimeRemaining != nil {
		eta = strconv.Itoa(int(*p.EstimatedTimeRemaining+0.5)) + "s"
	}
	step := p.CurrentStep
	if step == "" {
		step = "-"
	} else if p.CurrentStepProgress > 0 {
		step = fmt.Sprintf("%s (%d%%)", step, p.CurrentStepProgress)
	}
	rows := [][]string{
		{"Progress", strconv.Itoa(p.Progress) + "%"},
		{"Current step", step},
		{"ETA", eta},
		{"Steps done", joinOrDash(p.StepsCompleted)},
		{"Agents active", joinOrDash(p.AgentsActive)},
		{"Errors", strconv.Itoa(p.ErrorCount)},
		{"Finished", yesNo(p.Finished)},
	}
	if p.Outcome != "" {
		rows = append(rows, []string{"Outcome", p.Outcome})
	}
	return renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
}

func renderResult(res *pipeline.Result) string {
	if res == nil {
		return ""
	}
	if res.Itinerary == nil {
		stages := make([]string, 0, len(res.Outputs))
		for name := range res.Outputs {
			stages = append(stages, name)
		}
		sort.Strings(stages)
		return fmt.Sprintf("Partial result at %d%%: outputs from %s\n", res.Progress, joinOrDash(stages))
	}
	var rows [][]string
	for _, day := range res.Itinerary.Days {
		label := "Day " + strconv.Itoa(day.Day)
		if day.Date != "" {
			label += " (" + day.Date + ")"
		}
		for i, item := range day.Items {
			dayCell := ""
			if i == 0 {
				dayCell = label
			}
			title := item.Title
			if item.Location != "" {
				title += " @ " + item.Location
			}
			rows = append(rows, []string{dayCell, item.Time, title})
		}
	}
	var b strings.Builder
	b.WriteString(res.Itinerary.Title + "\n")
	if res.Itinerary.Summary != "" {
		b.WriteString(res.Itinerary.Summary + "\n")
	}
	b.WriteString(renderTable([]string{"Day", "Time", "Plan"}, rows, nil))
	b.WriteString("\n")
	return b.String()
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
