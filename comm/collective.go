package comm

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Reserved tags, one per collective kind
const (
	tagBarrier   Tag = -1
	tagAllgather Tag = -2
	tagAllreduce Tag = -3
)

// Op is a reduction operator
type Op int

const (
	OpSum Op = iota
	OpMax
	OpMin
)

// Allgather delivers every rank's data to every rank. The result is indexed
// by source rank.
func Allgather(ctx context.Context, c Communicator, data []byte) ([][]byte, error) {
	return allgather(ctx, c, tagAllgather, data)
}

func allgather(ctx context.Context, c Communicator, tag Tag, data []byte) ([][]byte, error) {
	size, rank := c.Size(), c.Rank()
	out := make([][]byte, size)
	own := make([]byte, len(data))
	copy(own, data)
	out[rank] = own
	if size == 1 {
		return out, nil
	}

	recvs := make([]*Request, size)
	for src := 0; src < size; src++ {
		if src == rank {
			continue
		}
		r, err := c.Irecv(ctx, src, tag)
		if err != nil {
			return nil, fmt.Errorf("allgather: posting receive from %d: %w", src, err)
		}
		recvs[src] = r
	}
	sends := make([]*Request, 0, size-1)
	for dest := 0; dest < size; dest++ {
		if dest == rank {
			continue
		}
		r, err := c.Isend(ctx, dest, tag, data)
		if err != nil {
			return nil, fmt.Errorf("allgather: sending to %d: %w", dest, err)
		}
		sends = append(sends, r)
	}
	got, err := WaitAll(ctx, recvs)
	if err != nil {
		return nil, fmt.Errorf("allgather: %w", err)
	}
	if _, err = WaitAll(ctx, sends); err != nil {
		return nil, fmt.Errorf("allgather: %w", err)
	}
	for src, d := range got {
		if src != rank {
			out[src] = d
		}
	}
	return out, nil
}

// Barrier returns once every rank has entered it
func Barrier(ctx context.Context, c Communicator) error {
	_, err := allgather(ctx, c, tagBarrier, nil)
	if err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return nil
}

// AllreduceInt64s reduces vals element-wise across ranks. Every rank must
// pass the same number of values.
func AllreduceInt64s(ctx context.Context, c Communicator, vals []int64, op Op) ([]int64, error) {
	all, err := allgather(ctx, c, tagAllreduce, EncodeInt64s(vals))
	if err != nil {
		return nil, fmt.Errorf("allreduce: %w", err)
	}
	out := make([]int64, len(vals))
	for src, data := range all {
		contrib, err := DecodeInt64s(data)
		if err != nil {
			return nil, fmt.Errorf("allreduce: rank %d: %w", src, err)
		}
		if len(contrib) != len(vals) {
			return nil, fmt.Errorf("allreduce: rank %d contributed %d values, rank %d has %d",
				src, len(contrib), c.Rank(), len(vals))
		}
		for i, v := range contrib {
			if src == 0 {
				out[i] = v
				continue
			}
			switch op {
			case OpSum:
				out[i] += v
			case OpMax:
				out[i] = max(out[i], v)
			case OpMin:
				out[i] = min(out[i], v)
			default:
				return nil, fmt.Errorf("allreduce: unknown op %d", op)
			}
		}
	}
	return out, nil
}

// AllreduceInt64 reduces a single value across ranks
func AllreduceInt64(ctx context.Context, c Communicator, v int64, op Op) (int64, error) {
	out, err := AllreduceInt64s(ctx, c, []int64{v}, op)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// EncodeInt64s packs vals little-endian
func EncodeInt64s(vals []int64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}
	return buf
}

// DecodeInt64s is the inverse of EncodeInt64s
func DecodeInt64s(buf []byte) ([]int64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("int64 buffer length %d is not a multiple of 8", len(buf))
	}
	vals := make([]int64, len(buf)/8)
	for i := range vals {
		vals[i] = int64(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return vals, nil
}

// EncodeInt32s packs vals little-endian
func EncodeInt32s(vals []int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}

// DecodeInt32s is the inverse of EncodeInt32s
func DecodeInt32s(buf []byte) ([]int32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("int32 buffer length %d is not a multiple of 4", len(buf))
	}
	vals := make([]int32, len(buf)/4)
	for i := range vals {
		vals[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vals, nil
}
