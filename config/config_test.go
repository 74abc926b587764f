package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/notargets/PICSwarm/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults changed (-want +got):\n%s", diff)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
mesh:
  kind: tetbox
  resolution: [2, 2, 2]
  hi: [1, 1, 1]
  partition: morton
swarm:
  name: tracers
  extensions:
    - {name: Temperature, type: float32}
    - {name: Velocity, type: float64, dof: 3}
layout:
  kind: random
  per_cell: 4
  seed: 9
run:
  ranks: 3
  velocity: {kind: rotation, omega: 2}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tetbox", cfg.Mesh.Kind)
	assert.Equal(t, "morton", cfg.Mesh.Partition)
	assert.Equal(t, "tracers", cfg.Swarm.Name)
	assert.Equal(t, 4, cfg.Swarm.CellTableDelta, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Run.Ranks)
	assert.Equal(t, 2.0, cfg.Run.Velocity.Omega)

	specs, err := cfg.ExtensionSpecs()
	require.NoError(t, err)
	want := []swarm.ExtensionSpec{
		{Name: "Temperature", DataType: swarm.Float32},
		{Name: "Velocity", DataType: swarm.Float64, Dof: 3},
	}
	if diff := cmp.Diff(want, specs); diff != "" {
		t.Errorf("extensions (-want +got):\n%s", diff)
	}
	assert.Equal(t, "tracers", cfg.SwarmSettings().Name)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvRanks, "4")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvCheckpointDir, "/scratch/ckpt")
	cfg, err := Load(writeFile(t, "run: {ranks: 2}\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Run.Ranks)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/scratch/ckpt", cfg.Checkpoint.Dir)

	t.Setenv(EnvRanks, "many")
	_, err = Load("")
	assert.ErrorContains(t, err, EnvRanks)
}

func TestLoad_ParseError(t *testing.T) {
	_, err := Load(writeFile(t, "run: [unterminated\n"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mesh.Kind = "sphere"
	cfg.Layout.Kind = "lattice"
	cfg.Run.Ranks = 0
	cfg.Swarm.Extensions = []ExtensionConfig{{Name: "T", Type: "complex128"}}
	cfg.Checkpoint = CheckpointConfig{Every: 5}
	err := cfg.Validate()
	require.Error(t, err)
	for _, msg := range []string{
		`unknown mesh.kind "sphere"`,
		`unknown layout.kind "lattice"`,
		"run.ranks must be positive",
		`unknown data type "complex128"`,
		"checkpoint.dir is required",
	} {
		assert.ErrorContains(t, err, msg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Layout = LayoutConfig{Kind: "manual", Coords: [][3]float64{{0.25, 0.5, 0}}, CheckGlobalCount: true}
	cfg.Checkpoint.Every = 2
	path := filepath.Join(t.TempDir(), "nested", "run.yaml")
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}
