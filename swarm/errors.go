package swarm

import "errors"

var (
	// ErrFatal marks a broken invariant after which this rank's bookkeeping,
	// and so the whole distributed computation, can no longer be trusted
	ErrFatal = errors.New("swarm: fatal")

	// ErrOutOfRange marks a particle or cell index outside its valid range
	ErrOutOfRange = errors.New("swarm: index out of range")
)

// IsFatal reports whether err carries ErrFatal
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
