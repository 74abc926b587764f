// Package simulation drives a particle swarm through a prescribed flow.
//
// Each rank builds its own stack from the run configuration: its view of
// the decomposed mesh, the cell layout over it, the swarm with its
// migration handlers, and the initial particles. A step advects every local
// particle, then reconciles ownership across ranks.
package simulation

import (
	"context"
	"fmt"

	"github.com/notargets/PICSwarm/celllayout"
	"github.com/notargets/PICSwarm/checkpoint"
	"github.com/notargets/PICSwarm/comm"
	"github.com/notargets/PICSwarm/config"
	"github.com/notargets/PICSwarm/mesh"
	"github.com/notargets/PICSwarm/particlecomm"
	"github.com/notargets/PICSwarm/particlelayout"
	"github.com/notargets/PICSwarm/swarm"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

// VelocityVariable, when registered as a float64 extension of three
// components, receives each particle's velocity every step
const VelocityVariable = "Velocity"

// Summary is what one rank reports at the end of a run
type Summary struct {
	Rank        int
	Steps       int
	LocalCount  int
	GlobalCount int64
	Checkpoints []string
	Movement    particlecomm.MovementStats
}

// Rank is one rank's simulation stack
type Rank struct {
	cfg  *config.Config
	comm comm.Communicator
	log  *zap.Logger

	Mesh     mesh.Mesh
	Layout   *celllayout.ElementCellLayout
	Swarm    *swarm.Swarm
	Movement *particlecomm.MovementHandler
	Shadows  *particlecomm.ShadowSync
	Registry *swarm.Registry

	velocity    VelocityField
	checkpoints []string
}

// BuildMesh builds this rank's view of the configured mesh
func BuildMesh(mc config.MeshConfig, numRanks, rank int) (mesh.Mesh, error) {
	strategy, err := mesh.ParseStrategy(mc.Partition)
	if err != nil {
		return nil, err
	}
	lo := r3.Vec{X: mc.Lo[0], Y: mc.Lo[1], Z: mc.Lo[2]}
	hi := r3.Vec{X: mc.Hi[0], Y: mc.Hi[1], Z: mc.Hi[2]}
	switch mc.Kind {
	case "box":
		return mesh.NewBoxMesh(mc.Dim, mc.Resolution, lo, hi, numRanks, rank, strategy)
	case "tetbox":
		return mesh.NewTetBoxMesh(mc.Resolution, lo, hi, numRanks, rank, strategy)
	case "file":
		return mesh.ReadTetMesh(mc.File, numRanks, rank, strategy)
	}
	return nil, fmt.Errorf("unknown mesh kind %q", mc.Kind)
}

// BuildParticleLayout returns a fresh layout for one swarm
func BuildParticleLayout(lc config.LayoutConfig) (swarm.ParticleLayout, error) {
	switch lc.Kind {
	case "gauss":
		return particlelayout.NewGaussLayout(lc.PointsPerDim), nil
	case "random":
		return particlelayout.NewRandomLayout(lc.PerCell, lc.Seed), nil
	case "spacefiller":
		return particlelayout.NewSpaceFillerLayout(lc.Total, lc.Seed, lc.CheckGlobalCount), nil
	case "manual":
		coords := make([]r3.Vec, len(lc.Coords))
		for i, x := range lc.Coords {
			coords[i] = r3.Vec{X: x[0], Y: x[1], Z: x[2]}
		}
		return particlelayout.NewManualLayout(coords, lc.CheckGlobalCount), nil
	}
	return nil, fmt.Errorf("unknown particle layout %q", lc.Kind)
}

// NewRank builds and initialises the stack of the rank c belongs to. Every
// rank of the world must call it, as initialisation may communicate.
func NewRank(ctx context.Context, cfg *config.Config, c comm.Communicator, log *zap.Logger) (*Rank, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Rank{cfg: cfg, comm: c, log: log.With(zap.Int("rank", c.Rank())), Registry: swarm.NewRegistry()}

	var err error
	if r.Mesh, err = BuildMesh(cfg.Mesh, c.Size(), c.Rank()); err != nil {
		return nil, fmt.Errorf("rank %d: building mesh: %w", c.Rank(), err)
	}
	if r.Layout, err = celllayout.NewElementCellLayout(r.Mesh); err != nil {
		return nil, fmt.Errorf("rank %d: %w", c.Rank(), err)
	}
	pl, err := BuildParticleLayout(cfg.Layout)
	if err != nil {
		return nil, err
	}
	if r.Swarm, err = swarm.New(cfg.SwarmSettings(), r.Layout, pl, c, log); err != nil {
		return nil, err
	}
	specs, err := cfg.ExtensionSpecs()
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if _, err := r.Swarm.RegisterExtension(spec); err != nil {
			return nil, err
		}
	}

	r.Movement = particlecomm.NewMovementHandler(cfg.Migration.GlobalFallback, cfg.Migration.CheckConservation)
	r.Swarm.AddCommHandler(r.Movement)
	if cfg.Migration.ShadowSync {
		r.Shadows = particlecomm.NewShadowSync()
		r.Swarm.AddCommHandler(r.Shadows)
	}
	lo, hi := r.Layout.Bounds()
	if r.velocity, err = NewVelocityField(cfg.Run.Velocity, lo, hi); err != nil {
		return nil, err
	}

	if err := r.Swarm.Initialise(ctx); err != nil {
		return nil, err
	}
	if err := r.Registry.Register(r.Swarm); err != nil {
		return nil, err
	}
	return r, nil
}

// Step advects every local particle by one time step, reconciles ownership
// and checkpoints when step is due
func (r *Rank) Step(ctx context.Context, step int) error {
	dt := r.cfg.Run.Dt
	s := r.Swarm
	vel, hasVel := r.velocityVariable()
	for p := 0; p < s.LocalCount(); p++ {
		pos := s.Position(p)
		v := r.velocity.At(pos)
		s.SetPosition(p, r3.Add(pos, r3.Scale(dt, v)))
		if hasVel {
			vel.SetFloat64(p, 0, v.X)
			vel.SetFloat64(p, 1, v.Y)
			vel.SetFloat64(p, 2, v.Z)
		}
	}
	if err := s.UpdateAllParticleOwners(ctx); err != nil {
		return fmt.Errorf("step %d: %w", step, err)
	}

	total, err := s.GlobalCount(ctx)
	if err != nil {
		return err
	}
	r.log.Info("step complete",
		zap.Int("step", step),
		zap.Int("particles", s.LocalCount()),
		zap.Int64("global", total),
		zap.Int("sent", r.Movement.Stats.Sent),
		zap.Int("received", r.Movement.Stats.Received))

	if every := r.cfg.Checkpoint.Every; every > 0 && step%every == 0 {
		return r.checkpoint(ctx, step)
	}
	return nil
}

func (r *Rank) velocityVariable() (*swarm.Variable, bool) {
	ext, ok := r.Swarm.Extension(VelocityVariable)
	if !ok || ext.DataType != swarm.Float64 || ext.Dof != 3 {
		return nil, false
	}
	v, err := r.Swarm.Variable(VelocityVariable)
	return v, err == nil
}

// checkpoint writes every registered swarm
func (r *Rank) checkpoint(ctx context.Context, step int) error {
	return r.Registry.Each(func(s *swarm.Swarm) error {
		path, err := checkpoint.Write(ctx, r.cfg.Checkpoint.Dir, step, s)
		if err != nil {
			return fmt.Errorf("checkpointing swarm %s at step %d: %w", s.Name, step, err)
		}
		r.checkpoints = append(r.checkpoints, path)
		r.log.Debug("checkpoint written", zap.String("path", path))
		return nil
	})
}

// Run takes the configured number of steps
func (r *Rank) Run(ctx context.Context) (Summary, error) {
	for step := 1; step <= r.cfg.Run.Steps; step++ {
		if err := r.Step(ctx, step); err != nil {
			return Summary{}, err
		}
	}
	if err := r.Swarm.CheckInvariants(); err != nil {
		return Summary{}, err
	}
	total, err := r.Swarm.GlobalCount(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Rank:        r.comm.Rank(),
		Steps:       r.cfg.Run.Steps,
		LocalCount:  r.Swarm.LocalCount(),
		GlobalCount: total,
		Checkpoints: r.checkpoints,
		Movement:    r.Movement.Stats,
	}, nil
}
