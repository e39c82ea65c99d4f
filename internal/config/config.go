// Package config loads the server configuration file. Missing fields fall
// back to playable defaults, so an empty path or empty file yields a runnable
// single-session server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"geocoins.world/internal/game"
	"geocoins.world/internal/geo"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	Session    string `yaml:"session"`

	Game    GameConfig    `yaml:"game"`
	Journal JournalConfig `yaml:"journal"`
	Logs    LogsConfig    `yaml:"logs"`
	Mirror  MirrorConfig  `yaml:"mirror,omitempty"`
	Upload  UploadConfig  `yaml:"upload,omitempty"`
}

// GameConfig mirrors game.Rules in yaml form.
type GameConfig struct {
	CellSizeDeg      float64      `yaml:"cell_size_deg"`
	SpawnProbability float64      `yaml:"spawn_probability"`
	ValueScale       int          `yaml:"value_scale"`
	WindowRadius     int          `yaml:"window_radius"`
	Origin           OriginConfig `yaml:"origin"`
}

type OriginConfig struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

// JournalConfig controls the local sqlite action/save index.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// LogsConfig controls the compressed JSONL event streams.
type LogsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MirrorConfig controls the HTTP journal mirror. Disabled unless an endpoint
// is set.
type MirrorConfig struct {
	Endpoint        string `yaml:"endpoint,omitempty"`
	Token           string `yaml:"token,omitempty"`
	Instance        string `yaml:"instance,omitempty"`
	BatchSize       int    `yaml:"batch_size,omitempty"`
	FlushIntervalMS int    `yaml:"flush_interval_ms,omitempty"`
}

// UploadConfig controls S3-compatible upload of rotated log segments and
// save exports. Disabled unless an endpoint is set. The secret key may also
// come from the GEOCOINS_UPLOAD_SECRET env var.
type UploadConfig struct {
	Endpoint        string `yaml:"endpoint,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("game.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("game.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "./data",
		Session:    "default",
		Game: GameConfig{
			CellSizeDeg:      1e-4,
			SpawnProbability: 0.10,
			ValueScale:       100,
			WindowRadius:     8,
			Origin:           OriginConfig{Lat: game.DefaultOriginLat, Lng: game.DefaultOriginLng},
		},
		Journal: JournalConfig{Enabled: true},
		Logs:    LogsConfig{Enabled: true},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.Session) == "" {
		c.Session = "default"
	}
	if c.Game.CellSizeDeg <= 0 {
		c.Game.CellSizeDeg = 1e-4
	}
	if c.Game.SpawnProbability == 0 {
		c.Game.SpawnProbability = 0.10
	}
	if c.Game.ValueScale <= 0 {
		c.Game.ValueScale = 100
	}
	if c.Game.WindowRadius == 0 {
		c.Game.WindowRadius = 8
	}
	if c.Game.Origin == (OriginConfig{}) {
		c.Game.Origin = OriginConfig{Lat: game.DefaultOriginLat, Lng: game.DefaultOriginLng}
	}
	if c.Mirror.Endpoint != "" && strings.TrimSpace(c.Mirror.Instance) == "" {
		c.Mirror.Instance = c.Session
	}
	if c.Upload.Endpoint != "" && strings.TrimSpace(c.Upload.SecretAccessKey) == "" {
		c.Upload.SecretAccessKey = os.Getenv("GEOCOINS_UPLOAD_SECRET")
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if c.Game.CellSizeDeg <= 0 {
		return fmt.Errorf("game.cell_size_deg must be > 0")
	}
	if c.Game.SpawnProbability < 0 || c.Game.SpawnProbability > 1 {
		return fmt.Errorf("game.spawn_probability must be in [0, 1]")
	}
	if c.Game.ValueScale <= 0 {
		return fmt.Errorf("game.value_scale must be > 0")
	}
	if c.Game.WindowRadius < 0 {
		return fmt.Errorf("game.window_radius must be >= 0")
	}
	if !geo.Valid(geo.LatLng{Lat: c.Game.Origin.Lat, Lng: c.Game.Origin.Lng}) {
		return fmt.Errorf("game.origin is not a valid position")
	}
	if c.Mirror.Endpoint != "" {
		if c.Mirror.BatchSize < 0 {
			return fmt.Errorf("mirror.batch_size must be >= 0")
		}
		if c.Mirror.FlushIntervalMS < 0 {
			return fmt.Errorf("mirror.flush_interval_ms must be >= 0")
		}
	}
	if c.Upload.Endpoint != "" {
		if strings.TrimSpace(c.Upload.Bucket) == "" {
			return fmt.Errorf("upload.bucket must be set when upload.endpoint is set")
		}
		if strings.TrimSpace(c.Upload.AccessKeyID) == "" {
			return fmt.Errorf("upload.access_key_id must be set when upload.endpoint is set")
		}
	}
	return nil
}

// JournalPath is the sqlite journal location, under the data dir unless set
// explicitly.
func (c Config) JournalPath() string {
	if strings.TrimSpace(c.Journal.Path) != "" {
		return c.Journal.Path
	}
	return filepath.Join(c.DataDir, "journal.db")
}

// Rules converts the yaml form into the game's parameter struct.
func (c Config) Rules() game.Rules {
	return game.Rules{
		CellSizeDeg:      c.Game.CellSizeDeg,
		SpawnProbability: c.Game.SpawnProbability,
		ValueScale:       c.Game.ValueScale,
		WindowRadius:     c.Game.WindowRadius,
		Origin:           geo.LatLng{Lat: c.Game.Origin.Lat, Lng: c.Game.Origin.Lng},
	}.Normalized()
}
