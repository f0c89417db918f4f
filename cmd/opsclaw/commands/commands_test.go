package commands

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/opsclaw/pkg/opsclaw/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsclaw.yaml")

	if _, err := execute(t, "--config", path, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := execute(t, "--config", path, "config", "init"); err == nil {
		t.Error("second init should refuse to overwrite")
	}

	out, err := execute(t, "--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("validate output = %q", out)
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	t.Setenv("OPSCLAW_API_KEY", "sk-should-not-print")
	path := filepath.Join(t.TempDir(), "opsclaw.yaml")
	if err := config.SaveConfigToFile(config.DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "sk-should-not-print") {
		t.Error("api key printed")
	}
}

func TestCronAddListRemove(t *testing.T) {
	t.Setenv("OPSCLAW_API_KEY", "sk-keep-out-of-file")
	path := filepath.Join(t.TempDir(), "opsclaw.yaml")
	if err := config.SaveConfigToFile(config.DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "--config", path, "cron", "add", "not a schedule", "x"); err == nil {
		t.Error("invalid schedule accepted")
	}
	if _, err := execute(t, "--config", path, "cron", "add", "@hourly", "check disks", "--channel", "telegram"); err == nil {
		t.Error("--channel without --chat accepted")
	}

	if _, err := execute(t, "--config", path, "cron", "add", "@hourly", "check disks", "--channel", "telegram", "--chat", "ops"); err != nil {
		t.Fatalf("cron add: %v", err)
	}

	raw, err := config.LoadRawConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw.Scheduler.Jobs) != 1 {
		t.Fatalf("jobs = %+v", raw.Scheduler.Jobs)
	}
	job := raw.Scheduler.Jobs[0]
	if job.Schedule != "@hourly" || job.Channel != "telegram" || job.ChatID != "ops" || job.ID == "" {
		t.Errorf("job = %+v", job)
	}
	if raw.Provider.APIKey != "${OPSCLAW_API_KEY}" {
		t.Errorf("api key reference rewritten to %q", raw.Provider.APIKey)
	}

	out, err := execute(t, "--config", path, "cron", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, job.ID) || !strings.Contains(out, "telegram:ops") {
		t.Errorf("list output = %q", out)
	}

	if _, err := execute(t, "--config", path, "cron", "remove", job.ID); err != nil {
		t.Fatalf("cron remove: %v", err)
	}
	if _, err := execute(t, "--config", path, "cron", "remove", job.ID); err == nil {
		t.Error("removing a missing job succeeded")
	}
}

func TestSessionsListEmpty(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Session.Dir = filepath.Join(dir, "sessions")
	path := filepath.Join(dir, "opsclaw.yaml")
	if err := config.SaveConfigToFile(cfg, path); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", path, "sessions", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No sessions.") {
		t.Errorf("output = %q", out)
	}
}

func cronRunConfig(t *testing.T, baseURL string) string {
	t.Helper()
	keyring.MockInit()
	t.Setenv("OPSCLAW_API_KEY", "sk-test")

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Workspace = filepath.Join(dir, "workspace")
	cfg.Session.Dir = filepath.Join(dir, "sessions")
	cfg.Provider.BaseURL = baseURL
	cfg.Scheduler.Jobs = []config.JobConfig{
		{ID: "disk-check", Schedule: "@hourly", Message: "check disks"},
	}
	path := filepath.Join(dir, "opsclaw.yaml")
	if err := config.SaveConfigToFile(cfg, path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCronRunPrintsReply(t *testing.T) {
	prompts := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case prompts <- string(body):
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"disks fine"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	path := cronRunConfig(t, srv.URL)
	out, err := execute(t, "--config", path, "cron", "run", "disk-check")
	if err != nil {
		t.Fatalf("cron run: %v", err)
	}
	if !strings.Contains(out, "[to cron:disk-check] disks fine") {
		t.Errorf("output = %q", out)
	}
	if prompt := <-prompts; !strings.Contains(prompt, "check disks") {
		t.Errorf("job message not sent to provider: %q", prompt)
	}
}

func TestCronRunUnknownJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider called for an unknown job")
	}))
	defer srv.Close()

	path := cronRunConfig(t, srv.URL)
	_, err := execute(t, "--config", path, "cron", "run", "missing")
	if err == nil || !strings.Contains(err.Error(), "job not found") {
		t.Fatalf("err = %v, want job not found", err)
	}
}
