package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buildbot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
bot:
  name: daisy-paladin
  type: paladin
  boards: [daisy, link]
  dashboard_url: "https://ci.example.com/stage/%s"
  defaults:
    timeout: 1h
  reexec:
    enabled: true
  stages:
    - id: Sync
      type: sync
      command: repo sync
    - id: BuildPackages
      command: ./build_packages
      per_board: true
      timeout: 2h
    - id: UnitTest
      command: ./run_tests
      forgivable: true
      group: tests
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	b := cfg.Bot
	if b.Name != "daisy-paladin" {
		t.Errorf("Name = %q", b.Name)
	}
	if len(b.Boards) != 2 {
		t.Errorf("Boards = %v", b.Boards)
	}
	if !b.ReExec.Enabled {
		t.Error("ReExec.Enabled = false, want true")
	}
	if len(b.Stages) != 3 {
		t.Fatalf("Stages = %d, want 3", len(b.Stages))
	}

	// Stage-level timeout wins; missing timeouts inherit the default.
	if b.Stages[1].Timeout != "2h" {
		t.Errorf("BuildPackages timeout = %q, want 2h", b.Stages[1].Timeout)
	}
	if b.Stages[2].Timeout != "1h" {
		t.Errorf("UnitTest timeout = %q, want the bot default 1h", b.Stages[2].Timeout)
	}
	if b.Stages[2].Type != "command" {
		t.Errorf("UnitTest type = %q, want the default command", b.Stages[2].Type)
	}
	if !b.Stages[2].Forgivable || b.Stages[2].Group != "tests" {
		t.Errorf("UnitTest flags not parsed: %+v", b.Stages[2])
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load on a missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Bot: Bot{
			Name:   "test-bot",
			Boards: []string{"daisy"},
			Stages: []Stage{
				{ID: "Build", Type: "command", Command: "true", Timeout: "10m"},
			},
		}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing bot name", func(c *Config) { c.Bot.Name = "" }, "bot.name"},
		{"board with delimiter", func(c *Config) { c.Bot.Boards = []string{"bad:board"} }, "must not contain"},
		{"missing stage id", func(c *Config) { c.Bot.Stages[0].ID = "" }, "has no id"},
		{"duplicate stage id", func(c *Config) {
			c.Bot.Stages = append(c.Bot.Stages, Stage{ID: "Build", Type: "command", Command: "true"})
		}, "duplicate stage id"},
		{"command stage without command", func(c *Config) { c.Bot.Stages[0].Command = "" }, "has no command"},
		{"unknown stage type", func(c *Config) { c.Bot.Stages[0].Type = "magic" }, "unknown type"},
		{"bad timeout", func(c *Config) { c.Bot.Stages[0].Timeout = "soon" }, "bad timeout"},
		{"per_board without boards", func(c *Config) {
			c.Bot.Boards = nil
			c.Bot.Stages[0].PerBoard = true
		}, "per_board"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSyncStageCommandIsOptional(t *testing.T) {
	cfg := &Config{Bot: Bot{
		Name:   "test-bot",
		Stages: []Stage{{ID: "Sync", Type: "sync"}},
	}}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v, want nil (empty sync is a no-op)", err)
	}
}
