package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("MKTV_PLAYLIST", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file must not be fatal: %v", err)
	}
	if cfg.Port != 3000 || cfg.TokenCacheTTL != 5*time.Minute || cfg.StreamLockTTL != 15*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxStreamsPerUser != 2 || !cfg.StreamLockEnforced || cfg.MaxRedirects != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileOverridesAndDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"port": 8080,
		"logLevel": "DEBUG",
		"sources": [{"url": "list.m3u"}],
		"adminEmails": ["admin@example.com"],
		"tokenCacheTTL": "90s",
		"streamLockTTL": "20s",
		"maxStreamsPerUser": 4,
		"streamLockEnforced": false
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != 8080 || cfg.LogLevel != "DEBUG" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.TokenCacheTTL != 90*time.Second || cfg.StreamLockTTL != 20*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.MaxStreamsPerUser != 4 || cfg.StreamLockEnforced {
		t.Fatalf("unexpected lock settings: %+v", cfg)
	}

	// An unnamed source gets a generated label.
	if cfg.Sources[0].Name != "Source_1" {
		t.Fatalf("unexpected source name: %q", cfg.Sources[0].Name)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"streamLockTTL": "fifteen"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestEnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 8080, "supabaseUrl": "https://file.example.com"}`), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "9090")
	t.Setenv("SUPABASE_URL", "https://env.example.com")
	t.Setenv("MKTV_PLAYLIST", "env.m3u")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected PORT to win, got %d", cfg.Port)
	}
	if cfg.SupabaseURL != "https://env.example.com" {
		t.Fatalf("expected SUPABASE_URL to win, got %q", cfg.SupabaseURL)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].URL != "env.m3u" {
		t.Fatalf("expected MKTV_PLAYLIST source, got %+v", cfg.Sources)
	}
}

func TestCreateExampleConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.json")
	if err := CreateExampleConfig(path); err != nil {
		t.Fatalf("CreateExampleConfig returned error: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("example config must load cleanly: %v", err)
	}
	if len(cfg.AdminEmails) == 0 || len(cfg.Sources) == 0 {
		t.Fatalf("unexpected example config: %+v", cfg)
	}
}
