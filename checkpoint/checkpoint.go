// Package checkpoint writes and restores per-rank swarm snapshots.
//
// A checkpoint is one SQLite database per swarm per rank per step. Table
// attributes holds scalar metadata, table datasets one row per variable
// with its values as a contiguous little-endian [ParticleCount x Dof]
// array.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/notargets/PICSwarm/celllayout"
	"github.com/notargets/PICSwarm/swarm"
	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"
)

const (
	AttrParticleCount = "ParticleCount"
	AttrSwarmID       = "SwarmID"
	AttrSwarmName     = "SwarmName"
	AttrRank          = "Rank"
	AttrRanks         = "Ranks"
	AttrStep          = "Step"

	// OwningElement holds the global mesh element of every particle when
	// the cell layout is element backed
	OwningElement = "OwningElement"
)

const schema = `
CREATE TABLE attributes (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE datasets (
	name      TEXT PRIMARY KEY,
	data_type TEXT NOT NULL,
	dof       INTEGER NOT NULL,
	data      BLOB
);`

// FileName is the checkpoint path of a swarm on one rank at one step
func FileName(dir, swarmName string, step, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.%d.ckpt", swarmName, step, rank))
}

// Dataset is one variable of every checkpointed particle
type Dataset struct {
	Name     string
	DataType swarm.DataType
	Dof      int
	Data     []byte
}

// RowSize is the byte size of one particle's entry
func (ds *Dataset) RowSize() int { return swarm.SizeOfType(ds.DataType) * ds.Dof }

// Row returns the entry of particle p
func (ds *Dataset) Row(p int) []byte {
	n := ds.RowSize()
	return ds.Data[p*n : (p+1)*n]
}

// Value reads component d of particle p converted to float64
func (ds *Dataset) Value(p, d int) float64 {
	b := ds.Row(p)[d*swarm.SizeOfType(ds.DataType):]
	switch ds.DataType {
	case swarm.Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case swarm.Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case swarm.INT32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	}
}

// File is the content of one checkpoint
type File struct {
	Path       string
	Attributes map[string]string
	Datasets   []*Dataset
}

func (f *File) ParticleCount() int {
	n, _ := strconv.Atoi(f.Attributes[AttrParticleCount])
	return n
}

func (f *File) SwarmID() (uuid.UUID, error) {
	return uuid.Parse(f.Attributes[AttrSwarmID])
}

func (f *File) Dataset(name string) (*Dataset, bool) {
	for _, ds := range f.Datasets {
		if ds.Name == name {
			return ds, true
		}
	}
	return nil, false
}

// Write snapshots s into FileName(dir, s.Name, step, rank), replacing any
// previous file, and returns the path
func Write(ctx context.Context, dir string, step int, s *swarm.Swarm) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating checkpoint directory: %w", err)
	}
	path := FileName(dir, s.Name, step, s.Comm().Rank())
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("removing stale checkpoint: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return "", fmt.Errorf("opening checkpoint %s: %w", path, err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return "", fmt.Errorf("creating checkpoint schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	attrs := [][2]string{
		{AttrParticleCount, strconv.Itoa(s.LocalCount())},
		{AttrSwarmID, s.ID.String()},
		{AttrSwarmName, s.Name},
		{AttrRank, strconv.Itoa(s.Comm().Rank())},
		{AttrRanks, strconv.Itoa(s.Comm().Size())},
		{AttrStep, strconv.Itoa(step)},
	}
	for _, a := range attrs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO attributes (name, value) VALUES (?, ?)`, a[0], a[1]); err != nil {
			return "", fmt.Errorf("writing attribute %s: %w", a[0], err)
		}
	}

	datasets, err := collect(s)
	if err != nil {
		return "", err
	}
	for _, ds := range datasets {
		_, err := tx.ExecContext(ctx, `INSERT INTO datasets (name, data_type, dof, data) VALUES (?, ?, ?, ?)`,
			ds.Name, ds.DataType.String(), ds.Dof, ds.Data)
		if err != nil {
			return "", fmt.Errorf("writing dataset %s: %w", ds.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing checkpoint %s: %w", path, err)
	}
	return path, nil
}

// collect gathers Position, every extension and, for element backed
// layouts, OwningElement
func collect(s *swarm.Swarm) ([]*Dataset, error) {
	names := []string{swarm.PositionVariable}
	for _, ext := range s.Extensions() {
		names = append(names, ext.Name)
	}
	var out []*Dataset
	for _, name := range names {
		v, err := s.Variable(name)
		if err != nil {
			return nil, err
		}
		out = append(out, &Dataset{Name: name, DataType: v.DataType, Dof: v.Dof, Data: v.Gather()})
	}

	if eb, ok := s.CellLayout().(celllayout.ElementBacked); ok {
		data := make([]byte, 4*s.LocalCount())
		for p := 0; p < s.LocalCount(); p++ {
			k := -1
			if cell := s.OwningCell(p); cell != celllayout.OutsideCell {
				k = eb.GlobalCellIndex(cell)
			}
			binary.LittleEndian.PutUint32(data[4*p:], uint32(int32(k)))
		}
		out = append(out, &Dataset{Name: OwningElement, DataType: swarm.INT32, Dof: 1, Data: data})
	}
	return out, nil
}

// Read loads a checkpoint file
func Read(ctx context.Context, path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint %s: %w", path, err)
	}
	defer db.Close()

	f := &File{Path: path, Attributes: make(map[string]string)}
	rows, err := db.QueryContext(ctx, `SELECT name, value FROM attributes`)
	if err != nil {
		return nil, fmt.Errorf("reading attributes of %s: %w", path, err)
	}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			return nil, err
		}
		f.Attributes[name] = value
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, ok := f.Attributes[AttrParticleCount]; !ok {
		return nil, fmt.Errorf("checkpoint %s has no %s attribute", path, AttrParticleCount)
	}

	rows, err = db.QueryContext(ctx, `SELECT name, data_type, dof, data FROM datasets ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("reading datasets of %s: %w", path, err)
	}
	defer rows.Close()
	n := f.ParticleCount()
	for rows.Next() {
		var (
			ds       Dataset
			dataType string
		)
		if err := rows.Scan(&ds.Name, &dataType, &ds.Dof, &ds.Data); err != nil {
			return nil, err
		}
		if ds.DataType, err = swarm.ParseDataType(dataType); err != nil {
			return nil, fmt.Errorf("dataset %s: %w", ds.Name, err)
		}
		if len(ds.Data) != n*ds.RowSize() {
			return nil, fmt.Errorf("dataset %s holds %d bytes, %d particles of %d bytes expected",
				ds.Name, len(ds.Data), n, ds.RowSize())
		}
		f.Datasets = append(f.Datasets, &ds)
	}
	return f, rows.Err()
}

// Restore loads the checkpoint at path into the empty swarm s. Extensions
// in the file that s lacks are registered. Particles whose position lies
// outside this rank's cells are skipped; Restore returns how many were
// placed.
func Restore(ctx context.Context, path string, s *swarm.Swarm) (int, error) {
	if s.LocalCount() != 0 {
		return 0, fmt.Errorf("restoring into swarm %s holding %d particles", s.Name, s.LocalCount())
	}
	f, err := Read(ctx, path)
	if err != nil {
		return 0, err
	}
	pos, ok := f.Dataset(swarm.PositionVariable)
	if !ok {
		return 0, fmt.Errorf("checkpoint %s has no %s dataset", path, swarm.PositionVariable)
	}
	if pos.DataType != swarm.Float64 || pos.Dof != 3 {
		return 0, fmt.Errorf("checkpoint %s: %s is %v x %d", path, swarm.PositionVariable, pos.DataType, pos.Dof)
	}

	var vars []*swarm.Variable
	var data []*Dataset
	for _, ds := range f.Datasets {
		if ds.Name == swarm.PositionVariable || ds.Name == OwningElement {
			continue
		}
		ext, ok := s.Extension(ds.Name)
		if !ok {
			if ext, err = s.RegisterExtension(swarm.ExtensionSpec{Name: ds.Name, DataType: ds.DataType, Dof: ds.Dof}); err != nil {
				return 0, err
			}
		}
		if ext.DataType != ds.DataType || ext.Dof != ds.Dof {
			return 0, fmt.Errorf("checkpoint %s: %s is %v x %d, swarm has %v x %d",
				path, ds.Name, ds.DataType, ds.Dof, ext.DataType, ext.Dof)
		}
		v, err := s.Variable(ds.Name)
		if err != nil {
			return 0, err
		}
		vars = append(vars, v)
		data = append(data, ds)
	}

	cl := s.CellLayout()
	n := f.ParticleCount()
	if err := s.Reserve(n); err != nil {
		return 0, err
	}
	hint := celllayout.OutsideCell
	for i := 0; i < n; i++ {
		at := r3.Vec{X: pos.Value(i, 0), Y: pos.Value(i, 1), Z: pos.Value(i, 2)}
		cell := cl.CellOf(at, hint)
		if cell < 0 || cell >= cl.CellLocalCount() {
			continue
		}
		hint = cell
		p, err := s.AddParticle(at, cell)
		if err != nil {
			return 0, err
		}
		for k, v := range vars {
			if err := v.SetRaw(p, data[k].Row(i)); err != nil {
				return 0, err
			}
		}
	}
	if err := s.Realloc(); err != nil {
		return 0, err
	}
	return s.LocalCount(), nil
}
