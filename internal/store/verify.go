package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2b"
)

// VerifyFrameIntegrity checks a frame and its deliveries against the stored digest.
func VerifyFrameIntegrity(f *Frame) error {
	computed := ComputeDigest(f)
	if !bytes.Equal(computed[:], f.Digest[:]) {
		return fmt.Errorf("digest mismatch for frame %d: computed %x, stored %x", f.Frame, computed, f.Digest)
	}
	return nil
}

// VerifyAllFrames recomputes every frame digest and returns the frames that no
// longer match.
func (s *Store) VerifyAllFrames() ([]uint64, error) {
	rows, err := s.db.Query(`
		SELECT frame, timestamp_ns, methods, captures, failures, frame_events, aborted, duration_ns, digest
		FROM frames ORDER BY frame ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all frames: %w", err)
	}
	frames, err := scanFrames(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var corrupted []uint64
	for i := range frames {
		f := &frames[i]
		f.Deliveries, err = s.GetDeliveries(f.Frame)
		if err != nil {
			return nil, fmt.Errorf("get deliveries for frame %d: %w", f.Frame, err)
		}
		if err := VerifyFrameIntegrity(f); err != nil {
			corrupted = append(corrupted, f.Frame)
		}
	}
	return corrupted, nil
}

// ComputeDigest hashes a frame summary and its deliveries with BLAKE2b-256.
func ComputeDigest(f *Frame) [32]byte {
	h, _ := blake2b.New256(nil)

	var buf [8]byte
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	putBool := func(b bool) {
		if b {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	h.Write([]byte("suis-frame-v1"))
	putU64(f.Frame)
	putU64(uint64(f.TimestampNs))
	putU64(uint64(f.Methods))
	putU64(uint64(f.Captures))
	putU64(uint64(f.Failures))
	putU64(uint64(f.FrameEvents))
	putBool(f.Aborted)
	putU64(uint64(f.DurationNs))

	putU64(uint64(len(f.Deliveries)))
	for _, d := range f.Deliveries {
		putU64(uint64(d.Ordinal))
		putU64(d.Method)
		putU64(d.Handler)
		putU64(uint64(d.Order))
		putU64(math.Float64bits(d.Distance))
		putBool(d.ViaCapture)
		putBool(d.Captured)
		putU64(uint64(d.LatencyNs))
		putU64(uint64(len(d.Error)))
		h.Write([]byte(d.Error))
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
