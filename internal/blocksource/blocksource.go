// Package blocksource defines the read-only, random-access byte provider
// every higher layer of firmcore is built on: a device partition or a
// file-like image, exposed as one method.
package blocksource

import (
	"io"
)

// Source is an opaque, read-only, random-access byte provider. A read that
// straddles the end of the source returns a short buffer rather than
// failing; implementations must be safe for concurrent use, since
// buildprop.Collector fans out concurrent reads over one Source.
type Source interface {
	// ReadAt returns up to length bytes starting at offset. A short
	// result at end-of-source is not an error. An error return means a
	// transient I/O failure and aborts only the current parse path.
	ReadAt(offset uint64, length uint32) ([]byte, error)
}

// Func adapts a plain function to Source.
type Func func(offset uint64, length uint32) ([]byte, error)

// ReadAt implements Source.
func (f Func) ReadAt(offset uint64, length uint32) ([]byte, error) {
	return f(offset, length)
}

// readerAtSource wraps an io.ReaderAt of known size into a Source that
// never returns io.EOF as an error, matching the BlockSource contract of
// returning a short buffer instead.
type readerAtSource struct {
	ra   io.ReaderAt
	size int64
}

// FromReaderAt builds a Source over ra, which is assumed to hold exactly
// size bytes. Used to adapt *os.File or an in-memory image to Source.
func FromReaderAt(ra io.ReaderAt, size int64) Source {
	return &readerAtSource{ra: ra, size: size}
}

func (s *readerAtSource) ReadAt(offset uint64, length uint32) ([]byte, error) {
	if int64(offset) >= s.size {
		return nil, nil
	}
	want := int64(length)
	if int64(offset)+want > s.size {
		want = s.size - int64(offset)
	}
	buf := make([]byte, want)
	n, err := s.ra.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return buf[:n], err
	}
	return buf[:n], nil
}

// Size reports the total length of the backing data, when known. Readers
// that need to bound a scan (e.g. the GPT search's "scan to end of
// buffer") use this via the optional Sizer interface.
type Sizer interface {
	Size() int64
}

func (s *readerAtSource) Size() int64 { return s.size }

// SizeOf returns src's size if it implements Sizer, else ok is false.
func SizeOf(src Source) (int64, bool) {
	if s, ok := src.(Sizer); ok {
		return s.Size(), true
	}
	return 0, false
}
