package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DBPath == "" || cfg.OutputDir == "" || cfg.PIDFile == "" {
		t.Errorf("default paths not populated: %+v", cfg)
	}
	if cfg.MaxWorkers != 3 {
		t.Errorf("default max workers: %d", cfg.MaxWorkers)
	}
	if cfg.PollDuration() != time.Second {
		t.Errorf("default poll interval: %s", cfg.PollDuration())
	}
	if cfg.Command.Binary != "claude" {
		t.Errorf("default binary: %q", cfg.Command.Binary)
	}
}

func TestLoadMissingFilesUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "no-global.json"), filepath.Join(dir, "no-project.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxWorkers != 3 || cfg.Command.Binary != "claude" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()

	global := writeConfigFile(t, dir, "global.json", `{
		"max_workers": 8,
		"poll_interval": 0.5,
		"command": {"model": "sonnet"}
	}`)
	project := writeConfigFile(t, dir, "project.json", `{
		"max_workers": 2,
		"output_dir": "/srv/outputs"
	}`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MaxWorkers != 2 {
		t.Errorf("project should win for max_workers: %d", cfg.MaxWorkers)
	}
	if cfg.PollInterval != 0.5 {
		t.Errorf("global poll_interval lost: %v", cfg.PollInterval)
	}
	if cfg.Command.Model != "sonnet" {
		t.Errorf("global model lost: %q", cfg.Command.Model)
	}
	if cfg.OutputDir != "/srv/outputs" {
		t.Errorf("project output_dir not applied: %q", cfg.OutputDir)
	}
	if cfg.Command.Binary != "claude" {
		t.Errorf("unset fields should keep defaults: %q", cfg.Command.Binary)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	bad := writeConfigFile(t, dir, "bad.json", `{not json`)

	if _, err := Load(bad, ""); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	in := DefaultConfig()
	in.MaxWorkers = 7
	in.Command.Model = "opus"
	in.Command.ExtraArgs = []string{"--dangerously-skip-permissions"}

	if err := Save(in, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.MaxWorkers != 7 || out.Command.Model != "opus" {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if len(out.Command.ExtraArgs) != 1 || out.Command.ExtraArgs[0] != "--dangerously-skip-permissions" {
		t.Errorf("extra args lost: %v", out.Command.ExtraArgs)
	}
}
