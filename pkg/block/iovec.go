package block

// IOVector is the unit of transfer for all read and write calls: a sequence
// of (base, length) buffer segments with a cached total size. Segments are
// consumed in order; drivers that need a flat buffer can use Flatten at the
// cost of a copy.
type IOVector struct {
	segs [][]byte
	size int64
}

// NewIOVector builds a vector from the given buffers.
func NewIOVector(bufs ...[]byte) *IOVector {
	v := &IOVector{}
	for _, b := range bufs {
		v.Add(b)
	}
	return v
}

// Add appends a buffer segment. Empty segments are kept so that segment
// counts round-trip, but contribute nothing to the size.
func (v *IOVector) Add(buf []byte) {
	v.segs = append(v.segs, buf)
	v.size += int64(len(buf))
}

// Size returns the total byte size across all segments.
func (v *IOVector) Size() int64 { return v.size }

// Segments returns the underlying segment slice. The caller must not append
// to it; mutating segment contents is how reads deliver data.
func (v *IOVector) Segments() [][]byte { return v.segs }

// FillZero zeroes every byte of every segment.
func (v *IOVector) FillZero() {
	for _, seg := range v.segs {
		for i := range seg {
			seg[i] = 0
		}
	}
}

// CopyFrom copies from src sequentially into the vector's segments and
// returns the number of bytes copied.
func (v *IOVector) CopyFrom(src []byte) int64 {
	var n int64
	for _, seg := range v.segs {
		if len(src) == 0 {
			break
		}
		c := copy(seg, src)
		src = src[c:]
		n += int64(c)
	}
	return n
}

// CopyTo copies the vector's contents sequentially into dst and returns the
// number of bytes copied.
func (v *IOVector) CopyTo(dst []byte) int64 {
	var n int64
	for _, seg := range v.segs {
		if len(dst) == 0 {
			break
		}
		c := copy(dst, seg)
		dst = dst[c:]
		n += int64(c)
	}
	return n
}

// Flatten returns the vector's contents as one contiguous buffer. A vector
// with a single segment is returned as-is without copying.
func (v *IOVector) Flatten() []byte {
	if len(v.segs) == 1 {
		return v.segs[0]
	}
	out := make([]byte, v.size)
	v.CopyTo(out)
	return out
}
