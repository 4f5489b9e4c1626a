package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Game.Seats != 9 || cfg.Game.Mode != "standard" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LLM.APIKey != "" {
		t.Fatal("a missing api key must not be an error")
	}
	if cfg.Game.Phase.Night != 90*time.Second || cfg.LLM.MaxAttempts != 4 {
		t.Fatalf("unexpected timing defaults %+v", cfg.Game.Phase)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "werewolf.yaml")
	yaml := "game:\n  mode: classic\n  seats: 8\n  phase:\n    night: 30s\nllm:\n  model: local-model\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WEREWOLF_GAME_SEATS", "12")
	t.Setenv("WEREWOLF_LLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Game.Mode != "classic" || cfg.Game.Phase.Night != 30*time.Second || cfg.LLM.Model != "local-model" {
		t.Fatalf("file values not applied: %+v", cfg.Game)
	}
	if cfg.Game.Seats != 12 || cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("env must override the file, got seats %d", cfg.Game.Seats)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WEREWOLF_SERVER_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("WEREWOLF_SERVER_ADDR") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("expected .env value, got %q", cfg.Server.Addr)
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := []struct {
		env, value, key string
	}{
		{"WEREWOLF_GAME_MODE", "chaos", "game.mode"},
		{"WEREWOLF_GAME_SEATS", "4", "game.seats"},
		{"WEREWOLF_GAME_PHASE_NIGHT", "0s", "game.phase.night"},
		{"WEREWOLF_LLM_MAX_ATTEMPTS", "0", "llm.max_attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.env, tc.value)
			_, err := Load("")
			if err == nil || !strings.HasPrefix(err.Error(), tc.key) {
				t.Fatalf("%s=%s: expected an error naming %s, got %v", tc.env, tc.value, tc.key, err)
			}
		})
	}
}
