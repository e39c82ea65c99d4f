package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Session != "default" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Journal.Enabled || !cfg.Logs.Enabled {
		t.Fatalf("journal and logs should default on")
	}
	r := cfg.Rules()
	if r.CellSizeDeg != 1e-4 || r.WindowRadius != 8 || r.ValueScale != 100 {
		t.Fatalf("unexpected rules: %+v", r)
	}
}

func TestLoad_GameYAML(t *testing.T) {
	cfg, err := Load("../../configs/game.yaml")
	if err != nil {
		t.Fatalf("load game.yaml: %v", err)
	}
	if cfg.Game.SpawnProbability != 0.10 {
		t.Fatalf("spawn_probability = %v", cfg.Game.SpawnProbability)
	}
	if cfg.Game.Origin.Lat == 0 || cfg.Game.Origin.Lng == 0 {
		t.Fatalf("origin not set: %+v", cfg.Game.Origin)
	}
}

func TestLoad_OverridesAndNormalize(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "game.yaml")
	body := []byte(`
listen_addr: "127.0.0.1:9999"
session: "soak"
game:
  window_radius: 2
journal:
  enabled: false
mirror:
  endpoint: "http://127.0.0.1:1/ingest"
`)
	if err := os.WriteFile(p, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Journal.Enabled {
		t.Fatalf("journal should be disabled")
	}
	if cfg.Game.WindowRadius != 2 {
		t.Fatalf("window_radius = %d", cfg.Game.WindowRadius)
	}
	// Untouched fields keep their defaults.
	if cfg.Game.CellSizeDeg != 1e-4 || cfg.Game.ValueScale != 100 {
		t.Fatalf("defaults lost: %+v", cfg.Game)
	}
	// Mirror instance falls back to the session name.
	if cfg.Mirror.Instance != "soak" {
		t.Fatalf("mirror.instance = %q", cfg.Mirror.Instance)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"spawn probability above one", func(c *Config) { c.Game.SpawnProbability = 1.5 }},
		{"negative spawn probability", func(c *Config) { c.Game.SpawnProbability = -0.1 }},
		{"negative window radius", func(c *Config) { c.Game.WindowRadius = -1 }},
		{"origin off the globe", func(c *Config) { c.Game.Origin = OriginConfig{Lat: 91, Lng: 0} }},
		{"upload without bucket", func(c *Config) {
			c.Upload.Endpoint = "https://example.com"
			c.Upload.AccessKeyID = "k"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mut(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
