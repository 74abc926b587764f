package simulation

import (
	"fmt"

	"github.com/notargets/PICSwarm/config"
	"gonum.org/v1/gonum/spatial/r3"
)

// VelocityField is the prescribed flow particles are advected through
type VelocityField interface {
	At(pos r3.Vec) r3.Vec
}

// Uniform translates every particle by V per unit time
type Uniform struct {
	V r3.Vec
}

func (u Uniform) At(r3.Vec) r3.Vec { return u.V }

// Rotation turns particles about the z axis through Centre at Omega radians
// per unit time
type Rotation struct {
	Centre r3.Vec
	Omega  float64
}

func (rt Rotation) At(pos r3.Vec) r3.Vec {
	d := r3.Sub(pos, rt.Centre)
	return r3.Vec{X: -rt.Omega * d.Y, Y: rt.Omega * d.X}
}

// NewVelocityField builds the configured field over the domain [lo,hi]
func NewVelocityField(vc config.VelocityConfig, lo, hi r3.Vec) (VelocityField, error) {
	switch vc.Kind {
	case "uniform":
		return Uniform{V: r3.Vec{X: vc.Vector[0], Y: vc.Vector[1], Z: vc.Vector[2]}}, nil
	case "rotation":
		return Rotation{Centre: r3.Scale(0.5, r3.Add(lo, hi)), Omega: vc.Omega}, nil
	}
	return nil, fmt.Errorf("unknown velocity field %q", vc.Kind)
}
