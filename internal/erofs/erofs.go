// Package erofs reads the Enhanced Read-Only File System: superblock,
// compact/extended inodes, directory dirents, and the FLAT_PLAIN,
// FLAT_INLINE, CHUNK_BASED and (best-effort) COMPRESSED_FULL /
// COMPRESSED_COMPACT data layouts.
//
// Grounded on the metadata-block offset arithmetic and inode-type switch
// of the example pack's squashfs reader (see DESIGN.md), rewritten for
// EROFS's own inode and dirent layout; compressed clusters are decoded
// through internal/lz4.
package erofs

import (
	"encoding/binary"

	"github.com/edl-core/firmcore/internal/blocksource"
	"github.com/edl-core/firmcore/internal/lz4"
	"github.com/edl-core/firmcore/internal/parseerr"
)

const (
	SuperblockOffset = 1024
	Magic            = 0xE0F5E1E2

	inodeEntrySize = 32 // nid * 32 granularity
	direntSize     = 12

	layoutFlatPlain       = 0
	layoutCompressedFull  = 1
	layoutFlatInline      = 2
	layoutCompressedCompact = 3
	layoutChunkBased      = 4
)

// Superblock holds the fields this core consults.
type Superblock struct {
	BlockSizeBits uint8
	BlockSize     uint32
	RootNID       uint64
	MetaBlkAddr   uint32
	VolumeName    string
	BuildTime     uint64
}

// Sniff reports whether src carries an EROFS superblock.
func Sniff(src blocksource.Source) bool {
	b, err := src.ReadAt(SuperblockOffset, 4)
	return err == nil && len(b) == 4 && binary.LittleEndian.Uint32(b) == Magic
}

func parseSuperblock(b []byte) (Superblock, bool) {
	if len(b) < 128 {
		return Superblock{}, false
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return Superblock{}, false
	}
	var sb Superblock
	sb.BlockSizeBits = b[12]
	sb.BlockSize = 1 << sb.BlockSizeBits
	sb.RootNID = uint64(binary.LittleEndian.Uint16(b[14:16]))
	sb.MetaBlkAddr = binary.LittleEndian.Uint32(b[16:20])
	sb.BuildTime = binary.LittleEndian.Uint64(b[24:32])
	// volume name: 16 bytes, NUL-trimmed, offset per common EROFS layout.
	nameRaw := b[72:88]
	end := len(nameRaw)
	for i, c := range nameRaw {
		if c == 0 {
			end = i
			break
		}
	}
	sb.VolumeName = string(nameRaw[:end])
	return sb, true
}

// Inode is a parsed compact or extended inode.
type Inode struct {
	Extended     bool
	DataLayout   int
	Size         uint64
	RawBlkAddr   uint32
	XattrSize    uint32
	HeaderLen    int // 32 or 64
}

// Reader parses an EROFS volume over src.
type Reader struct {
	src blocksource.Source
	sb  Superblock
}

// Open parses the superblock at SuperblockOffset.
func Open(src blocksource.Source) (*Reader, error) {
	const op = "erofs.Open"
	b, err := src.ReadAt(SuperblockOffset, 128)
	if err != nil {
		return nil, parseerr.Wrap(op, parseerr.IoShort, err)
	}
	sb, ok := parseSuperblock(b)
	if !ok {
		return nil, parseerr.New(op, parseerr.InvalidMagic)
	}
	return &Reader{src: src, sb: sb}, nil
}

// Superblock returns the parsed superblock.
func (r *Reader) Superblock() Superblock { return r.sb }

// inodeOffset computes the byte offset of inode nid from the
// metadata block base and the fixed 32-byte nid granularity.
func (r *Reader) inodeOffset(nid uint64) uint64 {
	return uint64(r.sb.MetaBlkAddr)*uint64(r.sb.BlockSize) + nid*inodeEntrySize
}

// ReadInode parses the inode identified by nid.
func (r *Reader) ReadInode(nid uint64) (Inode, bool) {
	off := r.inodeOffset(nid)
	head, err := r.src.ReadAt(off, 2)
	if err != nil || len(head) < 2 {
		return Inode{}, false
	}
	format := binary.LittleEndian.Uint16(head)
	extended := format&1 != 0
	layout := int((format >> 1) & 0x7)

	size := 32
	if extended {
		size = 64
	}
	b, err := r.src.ReadAt(off, uint32(size))
	if err != nil || len(b) < size {
		return Inode{}, false
	}

	xattrIcount := binary.LittleEndian.Uint16(b[2:4])
	var xattrSize uint32
	if xattrIcount > 0 {
		xattrSize = 12 + uint32(xattrIcount-1)*4
	}

	in := Inode{Extended: extended, DataLayout: layout, XattrSize: xattrSize, HeaderLen: size}
	if extended {
		in.Size = binary.LittleEndian.Uint64(b[8:16])
		in.RawBlkAddr = binary.LittleEndian.Uint32(b[16:20])
	} else {
		in.Size = uint64(binary.LittleEndian.Uint32(b[8:12]))
		in.RawBlkAddr = binary.LittleEndian.Uint32(b[16:20])
	}
	return in, true
}

func alignUp4(n uint32) uint32 { return (n + 3) &^ 3 }

// inlineDataOffset is the byte offset of trailing inline data for a
// FLAT_INLINE inode: right after the inode header and its xattrs.
func (r *Reader) inlineDataOffset(nid uint64, in Inode) uint64 {
	base := r.inodeOffset(nid) + uint64(in.HeaderLen) + uint64(alignUp4(in.XattrSize))
	return base
}

// ReadData returns the file content addressed by in, dispatching on its
// data layout. COMPRESSED_FULL/COMPACT decoding is best-effort: it tries
// the blocks at raw_blk_addr first, then the trailing inline region,
// which is good enough to recover small text files but not a full
// cluster-indexed decompressor.
func (r *Reader) ReadData(nid uint64, in Inode) []byte {
	switch in.DataLayout {
	case layoutFlatPlain:
		b, err := r.src.ReadAt(uint64(in.RawBlkAddr)*uint64(r.sb.BlockSize), uint32(in.Size))
		if err != nil {
			return nil
		}
		return b

	case layoutFlatInline:
		off := r.inlineDataOffset(nid, in)
		offInBlock := off % uint64(r.sb.BlockSize)
		tailSize := uint64(r.sb.BlockSize) - offInBlock
		if in.Size <= tailSize {
			b, err := r.src.ReadAt(off, uint32(in.Size))
			if err != nil {
				return nil
			}
			return b
		}
		head, err := r.src.ReadAt(uint64(in.RawBlkAddr)*uint64(r.sb.BlockSize), uint32(in.Size-tailSize))
		if err != nil {
			return nil
		}
		tail, err := r.src.ReadAt(off, uint32(tailSize))
		if err != nil {
			return head
		}
		return append(head, tail...)

	case layoutChunkBased:
		return r.readChunkBased(nid, in)

	case layoutCompressedFull, layoutCompressedCompact:
		return r.readCompressedBestEffort(nid, in)
	}
	return nil
}

func (r *Reader) readChunkBased(nid uint64, in Inode) []byte {
	chunkArrayOff := r.inlineDataOffset(nid, in)
	out := make([]byte, 0, in.Size)
	chunkSize := uint64(r.sb.BlockSize)
	numChunks := (in.Size + chunkSize - 1) / chunkSize

	for i := uint64(0); i < numChunks; i++ {
		idx, err := r.src.ReadAt(chunkArrayOff+i*8, 8)
		if err != nil || len(idx) < 8 {
			break
		}
		blkAddr := binary.LittleEndian.Uint32(idx[0:4])
		want := chunkSize
		if remaining := in.Size - uint64(len(out)); remaining < want {
			want = remaining
		}
		if blkAddr == 0xFFFFFFFF {
			out = append(out, make([]byte, want)...)
			continue
		}
		b, err := r.src.ReadAt(uint64(blkAddr)*uint64(r.sb.BlockSize), uint32(want))
		if err != nil {
			break
		}
		out = append(out, b...)
	}
	return out
}

func (r *Reader) readCompressedBestEffort(nid uint64, in Inode) []byte {
	candidateLen := in.Size
	if max := 4 * uint64(r.sb.BlockSize); candidateLen > max {
		candidateLen = max
	}
	if candidateLen > 0 {
		src, err := r.src.ReadAt(uint64(in.RawBlkAddr)*uint64(r.sb.BlockSize), uint32(candidateLen))
		if err == nil {
			if out := lz4.DecodeBlock(src, int(in.Size)); len(out) > 0 {
				return out
			}
		}
	}

	off := r.inlineDataOffset(nid, in)
	offInBlock := off % uint64(r.sb.BlockSize)
	tailSize := uint64(r.sb.BlockSize) - offInBlock
	tail, err := r.src.ReadAt(off, uint32(tailSize))
	if err != nil {
		return nil
	}
	return lz4.DecodeBlock(tail, int(in.Size))
}

// DirEntry is one parsed dirent.
type DirEntry struct {
	NID      uint64
	FileType uint8
	Name     string
}

// IterateDir decodes the dirent array plus packed names of one directory
// data block.
func IterateDir(block []byte) []DirEntry {
	if len(block) < direntSize {
		return nil
	}
	first := binary.LittleEndian.Uint16(block[8:10])
	numEntries := int(first) / direntSize
	if numEntries <= 0 || numEntries*direntSize > len(block) {
		return nil
	}

	var out []DirEntry
	for i := 0; i < numEntries; i++ {
		off := i * direntSize
		nid := binary.LittleEndian.Uint64(block[off : off+8])
		nameOff := binary.LittleEndian.Uint16(block[off+8 : off+10])
		fileType := block[off+10]

		nameEnd := len(block)
		if i+1 < numEntries {
			nextOff := binary.LittleEndian.Uint16(block[off+direntSize+8 : off+direntSize+10])
			if int(nextOff) <= len(block) {
				nameEnd = int(nextOff)
			}
		}
		if int(nameOff) > len(block) || int(nameOff) > nameEnd {
			break
		}
		raw := block[nameOff:nameEnd]
		for j, c := range raw {
			if c == 0 {
				raw = raw[:j]
				break
			}
		}
		out = append(out, DirEntry{NID: nid, FileType: fileType, Name: string(raw)})
	}
	return out
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Resolve walks path components from the root NID, matching each
// component case-insensitively.
func (r *Reader) Resolve(path string) (uint64, bool) {
	nid := r.sb.RootNID
	start := 0
	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		component := path[start:end]
		start = end + 1
		if component == "" {
			if end >= len(path) {
				break
			}
			continue
		}
		in, ok := r.ReadInode(nid)
		if !ok {
			return 0, false
		}
		data := r.ReadData(nid, in)
		found := false
		for _, e := range IterateDir(data) {
			if equalFold(e.Name, component) {
				nid = e.NID
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return nid, true
}
