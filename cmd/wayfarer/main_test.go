package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wayfarer/internal/api"
	"wayfarer/internal/daemon"
	"wayfarer/internal/logging"
	"wayfarer/internal/stage"
	"wayfarer/internal/testsupport"
)

type cliTestEnv struct {
	daemon     *daemon.Daemon
	configPath string
	apiAddr    string
}

func cannedAgents() map[stage.Name]stage.Agent {
	return map[stage.Name]stage.Agent{
		stage.Architect: stage.AgentFunc(func(context.Context, stage.Input) (stage.Output, error) {
			return stage.ArchitectOutput{Summary: "one day", Days: []stage.DayPlan{{Day: 1, Theme: "riverside"}}}, nil
		}),
		stage.Gatherer: stage.AgentFunc(func(context.Context, stage.Input) (stage.Output, error) {
			return stage.GathererOutput{Findings: []stage.Finding{{Topic: "food", Detail: "francesinha"}}}, nil
		}),
		stage.Specialist: stage.AgentFunc(func(context.Context, stage.Input) (stage.Output, error) {
			return stage.SpecialistOutput{Recommendations: []stage.Recommendation{{Day: 1, Title: "Ribeira walk"}}}, nil
		}),
		stage.Putter: stage.AgentFunc(func(context.Context, stage.Input) (stage.Output, error) {
			return stage.PutterOutput{Itinerary: stage.Itinerary{
				Title: "Porto in a day",
				Days:  []stage.ItineraryDay{{Day: 1, Items: []stage.ItineraryItem{{Time: "10:00", Title: "Ribeira walk"}}}},
			}}, nil
		}),
	}
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithStoreBackend("memory"))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	d, err := daemon.New(cfg, daemon.Options{Logger: logging.NewNop(), Agents: cannedAgents()})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})

	base := testsupport.BaseDir(cfg)
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, base)
	return &cliTestEnv{daemon: d, configPath: configPath, apiAddr: d.Addr()}
}

func writeTestConfig(t *testing.T, path, base string) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q

[store]
backend = "memory"
`, filepath.Join(base, "cli-data"), filepath.Join(base, "cli-logs"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	full := []string{"--config", env.configPath}
	if env.apiAddr != "" {
		full = append(full, "--api", env.apiAddr)
	}
	cmd.SetArgs(append(full, args...))
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q\n---\n%s", needle, haystack)
	}
}

func planTrip(t *testing.T, env *cliTestEnv, sessionID string) api.Workflow {
	t.Helper()
	out, _, err := runCLI(t, env, "plan", "--json",
		"--session", sessionID,
		"--destination", "Porto",
		"--start", "2026-06-01",
		"--end", "2026-06-01",
	)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var wf api.Workflow
	if err := json.Unmarshal([]byte(out), &wf); err != nil {
		t.Fatalf("decode plan output: %v\n%s", err, out)
	}
	return wf
}

func waitForStatus(t *testing.T, env *cliTestEnv, workflowID, want string) api.WorkflowDetail {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		out, _, err := runCLI(t, env, "status", workflowID, "--json")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		var detail api.WorkflowDetail
		if err := json.Unmarshal([]byte(out), &detail); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if detail.Status == want {
			return detail
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow %s stuck at %q", workflowID, detail.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPlanAndInspectWorkflow(t *testing.T) {
	env := setupCLITestEnv(t)

	wf := planTrip(t, env, "sess-cli")
	if wf.WorkflowID == "" || wf.SessionID != "sess-cli" {
		t.Fatalf("unexpected plan result: %+v", wf)
	}
	detail := waitForStatus(t, env, wf.WorkflowID, "completed")
	if detail.Result == nil || detail.Result.Itinerary == nil {
		t.Fatalf("expected itinerary in completed status: %+v", detail)
	}

	out, _, err := runCLI(t, env, "status", wf.WorkflowID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "completed")
	requireContains(t, out, "Porto in a day")
	requireContains(t, out, "Ribeira walk")

	out, _, err = runCLI(t, env, "progress", wf.WorkflowID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	requireContains(t, out, "100%")

	out, _, err = runCLI(t, env, "session", "sess-cli")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	requireContains(t, out, wf.WorkflowID)
}

func TestCancelUnknownWorkflowFails(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, env, "cancel", "wf-missing")
	if err == nil {
		t.Fatal("expected cancel of unknown workflow to fail")
	}
	requireContains(t, err.Error(), "404")
}

func TestPlanRejectsIncompleteTrip(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, env, "plan", "--start", "2026-06-01", "--end", "2026-06-02")
	if err == nil {
		t.Fatal("expected validation error")
	}
	requireContains(t, err.Error(), "destination")
}

func TestCommandsReportUnavailableDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	env.apiAddr = "127.0.0.1:1"

	_, _, err := runCLI(t, env, "progress", "wf-1")
	if err == nil {
		t.Fatal("expected connection error")
	}
	requireContains(t, err.Error(), "wayfarer serve")
}

func TestWatchStreamsUntilDone(t *testing.T) {
	env := setupCLITestEnv(t)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, _, err := runCLI(t, env, "watch", "sess-watch", "--topic", "agents", "--until-done", "--heartbeat", "50ms")
		done <- result{out, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for env.daemon.Status(context.Background()).Connections.Total == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	planTrip(t, env, "sess-watch")

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("watch: %v", res.err)
		}
		requireContains(t, res.out, "Session sess-watch")
		requireContains(t, res.out, "completed")
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not exit after the workflow finished")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "memory")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, env, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, env, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init without --overwrite to fail on existing file")
	}
}
