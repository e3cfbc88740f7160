// Package config loads the hive cluster configuration (hives.yaml).
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"hexhive.ai/internal/hive"
	"hexhive.ai/internal/lattice"
)

type Config struct {
	LatticeCapacity    int     `yaml:"lattice_capacity"`
	MigrationThreshold int64   `yaml:"migration_threshold"`
	ConsensusThreshold float64 `yaml:"consensus_threshold"`
	MigrationBatchSize int     `yaml:"migration_batch_size"`
	OriginHiveID       int64   `yaml:"origin_hive_id"`

	Hives  []HiveSpec `yaml:"hives"`
	Anchor AnchorSpec `yaml:"anchor"`
}

type HiveSpec struct {
	ID       int64   `yaml:"id"`
	Name     string  `yaml:"name"`
	Lat      float64 `yaml:"lat"`
	Lon      float64 `yaml:"lon"`
	Capacity int     `yaml:"capacity"`
	Status   string  `yaml:"status"`
}

type AnchorSpec struct {
	Endpoint  string `yaml:"endpoint"`
	Token     string `yaml:"token"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Load reads hives.yaml. An empty path yields the built-in single-origin
// defaults, normalized and validated like any file-based config.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("hives.yaml: %w", err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("hives.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		LatticeCapacity:    lattice.DefaultCapacity,
		MigrationThreshold: 143000,
		ConsensusThreshold: hive.DefaultConsensusThreshold,
		MigrationBatchSize: 1000,
		Hives: []HiveSpec{
			{ID: 1, Name: "genesis", Status: string(hive.StatusActive)},
		},
	}
}

// Normalize fills derivable fields: per-hive capacity defaults to the
// lattice capacity, the first hive defaults to active and the rest to
// dormant, and the origin hive defaults to the first active one.
func (c *Config) Normalize() {
	if c.LatticeCapacity <= 0 {
		c.LatticeCapacity = lattice.DefaultCapacity
	}
	if c.MigrationBatchSize <= 0 {
		c.MigrationBatchSize = 1000
	}
	if c.ConsensusThreshold <= 0 {
		c.ConsensusThreshold = hive.DefaultConsensusThreshold
	}
	for i := range c.Hives {
		if c.Hives[i].Capacity <= 0 {
			c.Hives[i].Capacity = c.LatticeCapacity
		}
		if c.Hives[i].Status == "" {
			if i == 0 {
				c.Hives[i].Status = string(hive.StatusActive)
			} else {
				c.Hives[i].Status = string(hive.StatusDormant)
			}
		}
		if c.Hives[i].Name == "" {
			c.Hives[i].Name = fmt.Sprintf("hive-%d", c.Hives[i].ID)
		}
	}
	if c.OriginHiveID == 0 {
		for _, h := range c.Hives {
			if h.Status == string(hive.StatusActive) {
				c.OriginHiveID = h.ID
				break
			}
		}
	}
}

func (c *Config) Validate() error {
	if len(c.Hives) == 0 {
		return fmt.Errorf("no hives configured")
	}
	seen := map[int64]bool{}
	origin := false
	for _, h := range c.Hives {
		if h.ID <= 0 {
			return fmt.Errorf("hive %q: id must be positive", h.Name)
		}
		if seen[h.ID] {
			return fmt.Errorf("duplicate hive id %d", h.ID)
		}
		seen[h.ID] = true
		switch h.Status {
		case string(hive.StatusActive), string(hive.StatusDormant):
		default:
			return fmt.Errorf("hive %d: unknown status %q", h.ID, h.Status)
		}
		if h.ID == c.OriginHiveID {
			origin = true
		}
		if h.Lat < -90 || h.Lat > 90 || h.Lon < -180 || h.Lon > 180 {
			return fmt.Errorf("hive %d: geocoordinate (%v,%v) out of range", h.ID, h.Lat, h.Lon)
		}
	}
	if !origin {
		return fmt.Errorf("origin hive %d not in hive list", c.OriginHiveID)
	}
	if c.MigrationThreshold <= 0 {
		return fmt.Errorf("migration_threshold must be positive")
	}
	if c.MigrationThreshold >= int64(c.LatticeCapacity) {
		return fmt.Errorf("migration_threshold %d must stay below lattice capacity %d", c.MigrationThreshold, c.LatticeCapacity)
	}
	if c.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus_threshold %v must be in (0,1]", c.ConsensusThreshold)
	}
	return nil
}

// HiveRows converts the specs into store rows for seeding.
func (c *Config) HiveRows() []hive.Hive {
	out := make([]hive.Hive, 0, len(c.Hives))
	for _, h := range c.Hives {
		out = append(out, hive.Hive{
			ID:       h.ID,
			Name:     h.Name,
			Lat:      h.Lat,
			Lon:      h.Lon,
			Capacity: h.Capacity,
			Status:   hive.HiveStatus(h.Status),
		})
	}
	return out
}
