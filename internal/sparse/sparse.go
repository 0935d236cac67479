// Package sparse expands the Android Sparse (simg) container into a
// seekable raw view, by resolving each logical offset to its backing
// chunk index.
package sparse

import (
	"encoding/binary"
	"sort"

	"github.com/edl-core/firmcore/internal/blocksource"
	"github.com/edl-core/firmcore/internal/parseerr"
)

const (
	Magic uint32 = 0xED26FF3A

	chunkRaw      = 0xCAC1
	chunkFill     = 0xCAC2
	chunkDontCare = 0xCAC3
	chunkCRC32    = 0xCAC4

	fileHeaderSize = 28
)

type fileHeader struct {
	Magic            uint32
	Major            uint16
	Minor            uint16
	FileHeaderSize   uint16
	ChunkHeaderSize  uint16
	BlockSize        uint32
	TotalBlocks      uint32
	TotalChunks      uint32
	ImageChecksum    uint32
}

type chunkHeader struct {
	ChunkType uint16
	Reserved1 uint16
	ChunkSize uint32
	TotalSize uint32
}

// chunk is one indexed, non-CRC32 chunk of the expansion.
type chunk struct {
	typ          uint16
	outputOffset int64
	outputSize   int64
	dataOffset   int64
	dataSize     int64
	fill         [4]byte
}

// Reader exposes the expanded logical image of a Sparse container.
type Reader struct {
	src    blocksource.Source
	hdr    fileHeader
	chunks []chunk // sorted by outputOffset
	length int64
}

// Sniff reports whether src begins with the Sparse magic.
func Sniff(src blocksource.Source) bool {
	b, err := src.ReadAt(0, 4)
	if err != nil || len(b) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(b) == Magic
}

// Open parses the Sparse file header and indexes every chunk. An
// advertised chunk extending past the end of src truncates the index
// rather than failing the whole open.
func Open(src blocksource.Source) (*Reader, error) {
	const op = "sparse.Open"

	hb, err := src.ReadAt(0, fileHeaderSize)
	if err != nil {
		return nil, parseerr.Wrap(op, parseerr.IoShort, err)
	}
	if len(hb) < fileHeaderSize {
		return nil, parseerr.New(op, parseerr.Truncated)
	}

	var hdr fileHeader
	hdr.Magic = binary.LittleEndian.Uint32(hb[0:4])
	hdr.Major = binary.LittleEndian.Uint16(hb[4:6])
	hdr.Minor = binary.LittleEndian.Uint16(hb[6:8])
	hdr.FileHeaderSize = binary.LittleEndian.Uint16(hb[8:10])
	hdr.ChunkHeaderSize = binary.LittleEndian.Uint16(hb[10:12])
	hdr.BlockSize = binary.LittleEndian.Uint32(hb[12:16])
	hdr.TotalBlocks = binary.LittleEndian.Uint32(hb[16:20])
	hdr.TotalChunks = binary.LittleEndian.Uint32(hb[20:24])
	hdr.ImageChecksum = binary.LittleEndian.Uint32(hb[24:28])

	if hdr.Magic != Magic {
		return nil, parseerr.New(op, parseerr.InvalidMagic)
	}

	r := &Reader{
		src:    src,
		hdr:    hdr,
		length: int64(hdr.TotalBlocks) * int64(hdr.BlockSize),
	}

	pos := int64(hdr.FileHeaderSize)
	outputOffset := int64(0)
	for i := uint32(0); i < hdr.TotalChunks; i++ {
		chb, err := src.ReadAt(uint64(pos), uint32(hdr.ChunkHeaderSize))
		if err != nil || len(chb) < int(hdr.ChunkHeaderSize) || hdr.ChunkHeaderSize < 12 {
			break // truncated: stop indexing, keep what we have
		}
		var ch chunkHeader
		ch.ChunkType = binary.LittleEndian.Uint16(chb[0:2])
		ch.Reserved1 = binary.LittleEndian.Uint16(chb[2:4])
		ch.ChunkSize = binary.LittleEndian.Uint32(chb[4:8])
		ch.TotalSize = binary.LittleEndian.Uint32(chb[8:12])

		payloadOff := pos + int64(hdr.ChunkHeaderSize)
		payloadSize := int64(ch.TotalSize) - int64(hdr.ChunkHeaderSize)
		if payloadSize < 0 {
			break
		}
		outSize := int64(ch.ChunkSize) * int64(hdr.BlockSize)

		switch ch.ChunkType {
		case chunkRaw:
			c := chunk{typ: ch.ChunkType, outputOffset: outputOffset, outputSize: outSize, dataOffset: payloadOff, dataSize: payloadSize}
			r.chunks = append(r.chunks, c)
		case chunkFill:
			fb, err := src.ReadAt(uint64(payloadOff), 4)
			if err != nil || len(fb) < 4 {
				break
			}
			c := chunk{typ: ch.ChunkType, outputOffset: outputOffset, outputSize: outSize, dataOffset: payloadOff, dataSize: payloadSize}
			copy(c.fill[:], fb)
			r.chunks = append(r.chunks, c)
		case chunkDontCare:
			c := chunk{typ: ch.ChunkType, outputOffset: outputOffset, outputSize: outSize}
			r.chunks = append(r.chunks, c)
		case chunkCRC32:
			// side-band, not part of the output mapping.
		default:
			// unknown chunk type: stop indexing further, keep prior chunks.
			return r, nil
		}

		outputOffset += outSize
		pos = payloadOff + payloadSize

		if size, ok := blocksource.SizeOf(src); ok && pos > size {
			break
		}
	}

	sort.Slice(r.chunks, func(i, j int) bool { return r.chunks[i].outputOffset < r.chunks[j].outputOffset })
	return r, nil
}

// Len returns the logical length of the expanded image.
func (r *Reader) Len() int64 { return r.length }

// Read returns the n bytes of expanded output starting at offset,
// truncated to Len(). Positions not covered by any indexed chunk read as
// zero.
func (r *Reader) Read(offset int64, n int) []byte {
	if offset >= r.length || n <= 0 {
		return nil
	}
	if offset+int64(n) > r.length {
		n = int(r.length - offset)
	}
	out := make([]byte, n)

	idx := sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].outputOffset+r.chunks[i].outputSize > offset
	})

	pos := offset
	end := offset + int64(n)
	for pos < end {
		if idx >= len(r.chunks) || r.chunks[idx].outputOffset > pos {
			// gap: zero-fill up to the next chunk (or to end)
			next := end
			if idx < len(r.chunks) && r.chunks[idx].outputOffset < next {
				next = r.chunks[idx].outputOffset
			}
			pos = next
			continue
		}
		c := r.chunks[idx]
		chunkEnd := c.outputOffset + c.outputSize
		segEnd := end
		if chunkEnd < segEnd {
			segEnd = chunkEnd
		}
		segLen := segEnd - pos
		withinChunk := pos - c.outputOffset

		switch c.typ {
		case chunkDontCare:
			// already zero
		case chunkFill:
			for i := int64(0); i < segLen; i++ {
				out[pos-offset+i] = c.fill[(withinChunk+i)%4]
			}
		case chunkRaw:
			b, err := r.src.ReadAt(uint64(c.dataOffset+withinChunk), uint32(segLen))
			if err == nil {
				copy(out[pos-offset:], b)
			}
		}

		pos = segEnd
		if pos >= chunkEnd {
			idx++
		}
	}
	return out
}

// DataRange is one contiguous run of the logical image backed by real
// (RAW or FILL) chunk data, used by writeback planners to skip holes.
type DataRange struct {
	Offset int64
	Length int64
}

// GetDataRanges returns the union of RAW and FILL chunk extents.
func (r *Reader) GetDataRanges() []DataRange {
	var ranges []DataRange
	for _, c := range r.chunks {
		if c.typ != chunkRaw && c.typ != chunkFill {
			continue
		}
		if n := len(ranges); n > 0 && ranges[n-1].Offset+ranges[n-1].Length == c.outputOffset {
			ranges[n-1].Length += c.outputSize
			continue
		}
		ranges = append(ranges, DataRange{Offset: c.outputOffset, Length: c.outputSize})
	}
	return ranges
}

// Source adapts the expanded view back into a blocksource.Source, so the
// rest of the stack (FsDispatcher et al.) can treat a Sparse-wrapped image
// exactly like any other block source.
func (r *Reader) Source() blocksource.Source {
	return blocksource.Func(func(offset uint64, length uint32) ([]byte, error) {
		return r.Read(int64(offset), int(length)), nil
	})
}
