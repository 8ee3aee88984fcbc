package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Snapshot descriptor wire layout. The fixed widths are part of the on-disk
// interop contract for any driver implementing snapshot operations and must
// be preserved byte-for-byte:
//
//	offset  size  field
//	0       128   id (NUL-padded string)
//	128     256   name (NUL-padded string)
//	384     8     vm_state_size (big-endian)
//	392     4     date_sec (big-endian)
//	396     4     date_nsec (big-endian)
//	400     8     vm_clock_nsec (big-endian, signed)
const (
	SnapshotIDSize   = 128
	SnapshotNameSize = 256
	SnapshotWireSize = SnapshotIDSize + SnapshotNameSize + 8 + 4 + 4 + 8
)

// SnapshotInfo describes one internal snapshot.
type SnapshotInfo struct {
	// ID is the fixed-width snapshot identifier, unique within an image.
	ID string

	// Name is the human-readable snapshot name.
	Name string

	// VMStateSize is the size in bytes of the VM state stored with the
	// snapshot, zero for disk-only snapshots.
	VMStateSize uint64

	// DateSec and DateNsec are the wall-clock creation time.
	DateSec  uint32
	DateNsec uint32

	// VMClockNsec is the monotonic VM clock value at creation.
	VMClockNsec int64
}

// Stamp fills the timestamp fields from t and clock.
func (s *SnapshotInfo) Stamp(t time.Time, clock int64) {
	s.DateSec = uint32(t.Unix())
	s.DateNsec = uint32(t.Nanosecond())
	s.VMClockNsec = clock
}

// MarshalBinary encodes the descriptor in its fixed 408-byte wire layout.
// Over-length id or name values are rejected rather than truncated.
func (s *SnapshotInfo) MarshalBinary() ([]byte, error) {
	if len(s.ID) > SnapshotIDSize {
		return nil, fmt.Errorf("snapshot id longer than %d bytes: %w", SnapshotIDSize, ErrInvalidOption)
	}
	if len(s.Name) > SnapshotNameSize {
		return nil, fmt.Errorf("snapshot name longer than %d bytes: %w", SnapshotNameSize, ErrInvalidOption)
	}

	out := make([]byte, SnapshotWireSize)
	copy(out[0:SnapshotIDSize], s.ID)
	copy(out[SnapshotIDSize:SnapshotIDSize+SnapshotNameSize], s.Name)
	off := SnapshotIDSize + SnapshotNameSize
	binary.BigEndian.PutUint64(out[off:], s.VMStateSize)
	binary.BigEndian.PutUint32(out[off+8:], s.DateSec)
	binary.BigEndian.PutUint32(out[off+12:], s.DateNsec)
	binary.BigEndian.PutUint64(out[off+16:], uint64(s.VMClockNsec))
	return out, nil
}

// UnmarshalBinary decodes the fixed wire layout produced by MarshalBinary.
func (s *SnapshotInfo) UnmarshalBinary(b []byte) error {
	if len(b) != SnapshotWireSize {
		return fmt.Errorf("snapshot descriptor must be %d bytes, got %d: %w",
			SnapshotWireSize, len(b), ErrInvalidOption)
	}
	s.ID = string(bytes.TrimRight(b[0:SnapshotIDSize], "\x00"))
	s.Name = string(bytes.TrimRight(b[SnapshotIDSize:SnapshotIDSize+SnapshotNameSize], "\x00"))
	off := SnapshotIDSize + SnapshotNameSize
	s.VMStateSize = binary.BigEndian.Uint64(b[off:])
	s.DateSec = binary.BigEndian.Uint32(b[off+8:])
	s.DateNsec = binary.BigEndian.Uint32(b[off+12:])
	s.VMClockNsec = int64(binary.BigEndian.Uint64(b[off+16:]))
	return nil
}
