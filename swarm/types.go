package swarm

import (
	"fmt"
	"strings"
)

// DataType is the value type of a particle extension field
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

// SizeOfType returns the size in bytes of one value of dt
func SizeOfType(dt DataType) int {
	switch dt {
	case Float32, INT32:
		return 4
	case Float64, INT64:
		return 8
	default:
		return 8
	}
}

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case INT32:
		return "int32"
	case INT64:
		return "int64"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// ParseDataType accepts the names printed by String
func ParseDataType(name string) (DataType, error) {
	switch strings.ToLower(name) {
	case "float32":
		return Float32, nil
	case "float64":
		return Float64, nil
	case "int32":
		return INT32, nil
	case "int64":
		return INT64, nil
	}
	return 0, fmt.Errorf("unknown data type %q", name)
}

// ExtensionSpec defines a named per-particle field appended to the record
type ExtensionSpec struct {
	Name     string
	DataType DataType
	Dof      int // values per particle, 0 means 1
}

func (es ExtensionSpec) dof() int {
	if es.Dof <= 0 {
		return 1
	}
	return es.Dof
}

// alignUp rounds offset up to a multiple of alignment
func alignUp(offset, alignment int) int {
	if alignment <= 1 {
		return offset
	}
	return ((offset + alignment - 1) / alignment) * alignment
}
