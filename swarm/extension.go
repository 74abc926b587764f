package swarm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Extension is a registered field appended to every particle record
type Extension struct {
	ExtensionSpec
	Offset int
}

// Size is the extension's byte size per particle
func (e *Extension) Size() int {
	return SizeOfType(e.DataType) * e.dof()
}

// RegisterExtension appends a field to the record layout, aligned to its
// value size, and restrides the arena. Existing particles read zero.
func (s *Swarm) RegisterExtension(spec ExtensionSpec) (*Extension, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("extension needs a name")
	}
	if spec.DataType < Float32 || spec.DataType > INT64 {
		return nil, fmt.Errorf("extension %s: invalid data type %v", spec.Name, spec.DataType)
	}
	if isBaseVariable(spec.Name) {
		return nil, fmt.Errorf("extension %s shadows a base field", spec.Name)
	}
	for _, e := range s.extensions {
		if e.Name == spec.Name {
			return nil, fmt.Errorf("extension %s already registered", spec.Name)
		}
	}
	spec.Dof = spec.dof()
	ext := &Extension{ExtensionSpec: spec, Offset: alignUp(s.recordSize, SizeOfType(spec.DataType))}
	s.extensions = append(s.extensions, ext)
	s.recordSize = ext.Offset + ext.Size()
	if err := s.realloc(false); err != nil {
		return nil, err
	}
	return ext, nil
}

// Extension looks up a registered extension by name
func (s *Swarm) Extension(name string) (*Extension, bool) {
	for _, e := range s.extensions {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

const (
	PositionVariable   = "Position"
	OwningCellVariable = "OwningCell"
)

func isBaseVariable(name string) bool {
	return name == PositionVariable || name == OwningCellVariable
}

// Variable is a typed view of one field across the swarm. It holds no
// buffer of its own: every access resolves the arena, stride and count
// anew, so it stays valid across Realloc.
type Variable struct {
	Name     string
	DataType DataType
	Dof      int
	Offset   int
	swarm    *Swarm
}

// Variable returns a view of a base field or a registered extension
func (s *Swarm) Variable(name string) (*Variable, error) {
	switch name {
	case PositionVariable:
		return &Variable{Name: name, DataType: Float64, Dof: 3, Offset: PositionOffset, swarm: s}, nil
	case OwningCellVariable:
		return &Variable{Name: name, DataType: INT32, Dof: 1, Offset: OwningCellOffset, swarm: s}, nil
	}
	ext, ok := s.Extension(name)
	if !ok {
		return nil, fmt.Errorf("swarm %s has no variable %s", s.Name, name)
	}
	return &Variable{Name: name, DataType: ext.DataType, Dof: ext.Dof, Offset: ext.Offset, swarm: s}, nil
}

// Count is the current number of particles
func (v *Variable) Count() int { return v.swarm.localCount }

func (v *Variable) field(p, d int) []byte {
	if p < 0 || p >= v.swarm.localCount || d < 0 || d >= v.Dof {
		panic(fmt.Sprintf("variable %s: component %d of particle %d out of range (%d particles, dof %d)",
			v.Name, d, p, v.swarm.localCount, v.Dof))
	}
	size := SizeOfType(v.DataType)
	o := v.Offset + d*size
	return v.swarm.arena.Record(p)[o : o+size]
}

// Value reads component d of particle p converted to float64
func (v *Variable) Value(p, d int) float64 {
	b := v.field(p, d)
	switch v.DataType {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case INT32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	}
}

// SetValue writes x into component d of particle p, converting to the
// variable's type
func (v *Variable) SetValue(p, d int, x float64) {
	b := v.field(p, d)
	switch v.DataType {
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(x)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(x))
	case INT32:
		binary.LittleEndian.PutUint32(b, uint32(int32(x)))
	default:
		binary.LittleEndian.PutUint64(b, uint64(int64(x)))
	}
}

func (v *Variable) Float64(p, d int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(v.typed(Float64, p, d)))
}

func (v *Variable) SetFloat64(p, d int, x float64) {
	binary.LittleEndian.PutUint64(v.typed(Float64, p, d), math.Float64bits(x))
}

func (v *Variable) Float32(p, d int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v.typed(Float32, p, d)))
}

func (v *Variable) SetFloat32(p, d int, x float32) {
	binary.LittleEndian.PutUint32(v.typed(Float32, p, d), math.Float32bits(x))
}

func (v *Variable) Int32(p, d int) int32 {
	return int32(binary.LittleEndian.Uint32(v.typed(INT32, p, d)))
}

func (v *Variable) SetInt32(p, d int, x int32) {
	binary.LittleEndian.PutUint32(v.typed(INT32, p, d), uint32(x))
}

func (v *Variable) Int64(p, d int) int64 {
	return int64(binary.LittleEndian.Uint64(v.typed(INT64, p, d)))
}

func (v *Variable) SetInt64(p, d int, x int64) {
	binary.LittleEndian.PutUint64(v.typed(INT64, p, d), uint64(x))
}

func (v *Variable) typed(dt DataType, p, d int) []byte {
	if v.DataType != dt {
		panic(fmt.Sprintf("variable %s is %v, accessed as %v", v.Name, v.DataType, dt))
	}
	return v.field(p, d)
}

// Gather copies the variable of the first count particles into one
// contiguous little-endian [count x Dof] array
func (v *Variable) Gather() []byte {
	size := SizeOfType(v.DataType) * v.Dof
	n := v.swarm.localCount
	out := make([]byte, 0, n*size)
	for p := 0; p < n; p++ {
		rec := v.swarm.arena.Record(p)
		out = append(out, rec[v.Offset:v.Offset+size]...)
	}
	return out
}

// SetRaw copies the little-endian [Dof] components of particle p from data
func (v *Variable) SetRaw(p int, data []byte) error {
	size := SizeOfType(v.DataType) * v.Dof
	if len(data) != size {
		return fmt.Errorf("variable %s: %d bytes for a particle of %d bytes", v.Name, len(data), size)
	}
	if p < 0 || p >= v.swarm.localCount {
		return fmt.Errorf("%w: variable %s: particle %d not in [0,%d)", ErrOutOfRange, v.Name, p, v.swarm.localCount)
	}
	copy(v.swarm.arena.Record(p)[v.Offset:v.Offset+size], data)
	return nil
}

// Scatter is the inverse of Gather
func (v *Variable) Scatter(data []byte) error {
	size := SizeOfType(v.DataType) * v.Dof
	n := v.swarm.localCount
	if len(data) != n*size {
		return fmt.Errorf("variable %s: %d bytes for %d particles of %d bytes", v.Name, len(data), n, size)
	}
	for p := 0; p < n; p++ {
		copy(v.swarm.arena.Record(p)[v.Offset:v.Offset+size], data[p*size:(p+1)*size])
	}
	return nil
}
