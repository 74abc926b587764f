// Package config loads the YAML description of a run
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/notargets/PICSwarm/logging"
	"github.com/notargets/PICSwarm/mesh"
	"github.com/notargets/PICSwarm/swarm"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file
const (
	EnvRanks         = "PICSWARM_RANKS"
	EnvLogLevel      = "PICSWARM_LOG_LEVEL"
	EnvCheckpointDir = "PICSWARM_CHECKPOINT_DIR"
)

type Config struct {
	Mesh       MeshConfig       `yaml:"mesh"`
	Swarm      SwarmConfig      `yaml:"swarm"`
	Layout     LayoutConfig     `yaml:"layout"`
	Migration  MigrationConfig  `yaml:"migration"`
	Run        RunConfig        `yaml:"run"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    logging.Config   `yaml:"logging"`
}

// MeshConfig selects the mesh every rank decomposes
type MeshConfig struct {
	Kind       string     `yaml:"kind"` // box, tetbox, file
	Dim        int        `yaml:"dim"`  // box only, 2 or 3
	Resolution [3]int     `yaml:"resolution"`
	Lo         [3]float64 `yaml:"lo"`
	Hi         [3]float64 `yaml:"hi"`
	File       string     `yaml:"file"` // Gambit or Gmsh tetrahedral mesh
	Partition  string     `yaml:"partition"`
}

type ExtensionConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // float32, float64, int32, int64
	Dof  int    `yaml:"dof"`
}

type SwarmConfig struct {
	Name                 string            `yaml:"name"`
	CellTableDelta       int               `yaml:"cell_table_delta"`
	ExtraParticlesFactor float64           `yaml:"extra_particles_factor"`
	MinArenaDelta        int               `yaml:"min_arena_delta"`
	Extensions           []ExtensionConfig `yaml:"extensions,omitempty"`
}

// LayoutConfig selects the initial particle placement
type LayoutConfig struct {
	Kind             string       `yaml:"kind"` // gauss, random, spacefiller, manual
	PointsPerDim     int          `yaml:"points_per_dim"`
	PerCell          int          `yaml:"per_cell"`
	Total            int          `yaml:"total"`
	Seed             uint64       `yaml:"seed"`
	Coords           [][3]float64 `yaml:"coords,omitempty"`
	CheckGlobalCount bool         `yaml:"check_global_count"`
}

type MigrationConfig struct {
	GlobalFallback    bool `yaml:"global_fallback"`
	CheckConservation bool `yaml:"check_conservation"`
	ShadowSync        bool `yaml:"shadow_sync"`
}

// VelocityConfig is the prescribed flow particles are advected by
type VelocityConfig struct {
	Kind   string     `yaml:"kind"` // uniform, rotation
	Vector [3]float64 `yaml:"vector"`
	Omega  float64    `yaml:"omega"` // rotation about the z axis through the domain centre
}

type RunConfig struct {
	Ranks    int            `yaml:"ranks"`
	Steps    int            `yaml:"steps"`
	Dt       float64        `yaml:"dt"`
	Velocity VelocityConfig `yaml:"velocity"`
	Timeout  string         `yaml:"timeout"`
}

type CheckpointConfig struct {
	Dir   string `yaml:"dir"`
	Every int    `yaml:"every"` // 0 disables checkpoints
}

func DefaultConfig() *Config {
	sc := swarm.DefaultConfig()
	return &Config{
		Mesh: MeshConfig{
			Kind:       "box",
			Dim:        2,
			Resolution: [3]int{8, 8, 1},
			Hi:         [3]float64{1, 1, 1},
			Partition:  mesh.BlockPartition.String(),
		},
		Swarm: SwarmConfig{
			Name:                 "materials",
			CellTableDelta:       sc.CellTableDelta,
			ExtraParticlesFactor: sc.ExtraParticlesFactor,
			MinArenaDelta:        sc.MinArenaDelta,
		},
		Layout: LayoutConfig{
			Kind:         "gauss",
			PointsPerDim: 2,
		},
		Migration: MigrationConfig{
			CheckConservation: true,
			ShadowSync:        true,
		},
		Run: RunConfig{
			Ranks: 1,
			Steps: 10,
			Dt:    0.01,
			Velocity: VelocityConfig{
				Kind:   "uniform",
				Vector: [3]float64{1, 0, 0},
			},
			Timeout: "10m",
		},
		Checkpoint: CheckpointConfig{Dir: "checkpoints"},
		Logging:    logging.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies the environment overrides and
// validates the result. A missing file leaves the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(EnvRanks); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvRanks, v, err)
		}
		c.Run.Ranks = n
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvCheckpointDir); v != "" {
		c.Checkpoint.Dir = v
	}
	return nil
}

// Validate rejects configurations no run could start from
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Mesh.Kind {
	case "box":
		if c.Mesh.Dim != 2 && c.Mesh.Dim != 3 {
			bad("mesh.dim must be 2 or 3, got %d", c.Mesh.Dim)
		}
	case "tetbox":
	case "file":
		if c.Mesh.File == "" {
			bad("mesh.file is required for kind file")
		}
	default:
		bad("unknown mesh.kind %q", c.Mesh.Kind)
	}
	if c.Mesh.Kind != "file" {
		dims := 3
		if c.Mesh.Kind == "box" && c.Mesh.Dim == 2 {
			dims = 2
		}
		for k := 0; k < dims; k++ {
			if c.Mesh.Resolution[k] < 1 {
				bad("mesh.resolution[%d] must be positive, got %d", k, c.Mesh.Resolution[k])
			}
			if c.Mesh.Hi[k] <= c.Mesh.Lo[k] {
				bad("mesh.hi[%d] = %g must exceed mesh.lo[%d] = %g", k, c.Mesh.Hi[k], k, c.Mesh.Lo[k])
			}
		}
	}
	if _, err := mesh.ParseStrategy(c.Mesh.Partition); err != nil {
		bad("mesh.partition: %v", err)
	}

	if c.Swarm.Name == "" {
		bad("swarm.name is required")
	}
	if c.Swarm.CellTableDelta < 1 || c.Swarm.MinArenaDelta < 1 {
		bad("swarm deltas must be positive, got cell_table_delta %d, min_arena_delta %d",
			c.Swarm.CellTableDelta, c.Swarm.MinArenaDelta)
	}
	if c.Swarm.ExtraParticlesFactor < 0 {
		bad("swarm.extra_particles_factor must not be negative, got %g", c.Swarm.ExtraParticlesFactor)
	}
	seen := make(map[string]bool)
	for _, ext := range c.Swarm.Extensions {
		if _, err := swarm.ParseDataType(ext.Type); err != nil {
			bad("swarm extension %s: %v", ext.Name, err)
		}
		if seen[ext.Name] {
			bad("swarm extension %s listed twice", ext.Name)
		}
		seen[ext.Name] = true
	}

	switch c.Layout.Kind {
	case "gauss":
		if c.Layout.PointsPerDim < 1 {
			bad("layout.points_per_dim must be positive, got %d", c.Layout.PointsPerDim)
		}
	case "random":
		if c.Layout.PerCell < 0 {
			bad("layout.per_cell must not be negative, got %d", c.Layout.PerCell)
		}
	case "spacefiller":
		if c.Layout.Total < 0 {
			bad("layout.total must not be negative, got %d", c.Layout.Total)
		}
	case "manual":
	default:
		bad("unknown layout.kind %q", c.Layout.Kind)
	}

	if c.Run.Ranks < 1 {
		bad("run.ranks must be positive, got %d", c.Run.Ranks)
	}
	if c.Run.Steps < 0 {
		bad("run.steps must not be negative, got %d", c.Run.Steps)
	}
	switch c.Run.Velocity.Kind {
	case "uniform", "rotation":
	default:
		bad("unknown run.velocity.kind %q", c.Run.Velocity.Kind)
	}
	if c.Run.Timeout != "" {
		if _, err := time.ParseDuration(c.Run.Timeout); err != nil {
			bad("run.timeout: %v", err)
		}
	}
	if c.Checkpoint.Every < 0 {
		bad("checkpoint.every must not be negative, got %d", c.Checkpoint.Every)
	}
	if c.Checkpoint.Every > 0 && c.Checkpoint.Dir == "" {
		bad("checkpoint.dir is required when checkpoint.every is set")
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunTimeout is the wall-clock limit of a run, zero for none
func (c *Config) RunTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Run.Timeout)
	return d
}

// SwarmSettings converts the swarm section
func (c *Config) SwarmSettings() swarm.Config {
	return swarm.Config{
		Name:                 c.Swarm.Name,
		CellTableDelta:       c.Swarm.CellTableDelta,
		ExtraParticlesFactor: c.Swarm.ExtraParticlesFactor,
		MinArenaDelta:        c.Swarm.MinArenaDelta,
	}
}

// ExtensionSpecs converts the configured extensions
func (c *Config) ExtensionSpecs() ([]swarm.ExtensionSpec, error) {
	specs := make([]swarm.ExtensionSpec, 0, len(c.Swarm.Extensions))
	for _, ext := range c.Swarm.Extensions {
		dt, err := swarm.ParseDataType(ext.Type)
		if err != nil {
			return nil, fmt.Errorf("extension %s: %w", ext.Name, err)
		}
		specs = append(specs, swarm.ExtensionSpec{Name: ext.Name, DataType: dt, Dof: ext.Dof})
	}
	return specs, nil
}
