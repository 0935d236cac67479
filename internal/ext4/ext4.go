// Package ext4 reads a (subset of) the ext4 on-disk filesystem format:
// the superblock, block-group descriptor table, inode resolution, extent
// trees and classic indirect blocks, directory iteration, and
// case-insensitive path resolution. Grounded on the field layout of the
// example pack's own ext4 superblock reader (see DESIGN.md), narrowed to
// the fields this core actually needs.
package ext4

import (
	"encoding/binary"

	"github.com/edl-core/firmcore/internal/blocksource"
	"github.com/edl-core/firmcore/internal/parseerr"
)

const (
	SuperblockOffset = 1024
	magicOffset      = 0x38
	Magic            = 0xEF53

	flagExtents = 0x00080000
	incompat64Bit = 0x80
	incompatExtents = 0x40

	rootInode = 2

	extentTreeMagic = 0xF30A
)

// Superblock holds the fields this core consults.
type Superblock struct {
	LogBlockSize    uint32
	InodesPerGroup  uint32
	InodeSize       uint16
	FirstDataBlock  uint32
	BlocksPerGroup  uint32
	FeatureIncompat uint32

	BlockSize uint32
}

func (sb Superblock) extents() bool { return sb.FeatureIncompat&incompatExtents != 0 }
func (sb Superblock) is64bit() bool { return sb.FeatureIncompat&incompat64Bit != 0 }

// Sniff reports whether src carries an ext4 superblock at the standard
// offset.
func Sniff(src blocksource.Source) bool {
	b, err := src.ReadAt(SuperblockOffset+magicOffset, 2)
	return err == nil && len(b) == 2 && binary.LittleEndian.Uint16(b) == Magic
}

func parseSuperblock(b []byte) (Superblock, bool) {
	if len(b) < 0x68 {
		return Superblock{}, false
	}
	if binary.LittleEndian.Uint16(b[magicOffset:magicOffset+2]) != Magic {
		return Superblock{}, false
	}
	var sb Superblock
	sb.FirstDataBlock = binary.LittleEndian.Uint32(b[0x14:0x18])
	sb.LogBlockSize = binary.LittleEndian.Uint32(b[0x18:0x1C])
	sb.BlocksPerGroup = binary.LittleEndian.Uint32(b[0x20:0x24])
	sb.InodesPerGroup = binary.LittleEndian.Uint32(b[0x28:0x2C])

	sb.InodeSize = 128
	if len(b) >= 0x5A {
		if isz := binary.LittleEndian.Uint16(b[0x58:0x5A]); isz > 0 {
			sb.InodeSize = isz
		}
	}
	if len(b) >= 0x64 {
		sb.FeatureIncompat = binary.LittleEndian.Uint32(b[0x60:0x64])
	}
	sb.BlockSize = 1024 << sb.LogBlockSize
	return sb, true
}

// Extent is one leaf entry of an ext4 extent tree.
type Extent struct {
	LogicalBlock  uint32
	Length        uint32
	Uninitialized bool
	PhysicalBlock uint64
}

// Inode holds the fields needed to read a file's data and walk
// directories.
type Inode struct {
	Mode        uint16
	Size        uint64
	Flags       uint32
	BlockPtrRaw [60]byte
}

func (in Inode) usesExtents() bool { return in.Flags&flagExtents != 0 }

// Reader parses an ext4 volume over src.
type Reader struct {
	src blocksource.Source
	sb  Superblock
}

// Open parses the superblock at SuperblockOffset.
func Open(src blocksource.Source) (*Reader, error) {
	const op = "ext4.Open"
	b, err := src.ReadAt(SuperblockOffset, 1024)
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

func (r *Reader) descriptorSize() int {
	if r.sb.is64bit() {
		return 64
	}
	return 32
}

// inodeLocation resolves an inode number to its absolute byte offset:
// the block-group-descriptor table starts at block
// first_data_block+1; the inode-table block pointer is the 32-bit field
// at descriptor offset 8, extended by the 32-bit field at offset 40 in
// 64-bit mode.
func (r *Reader) inodeLocation(inode uint32) (uint64, bool) {
	if inode == 0 || r.sb.InodesPerGroup == 0 {
		return 0, false
	}
	group := (inode - 1) / r.sb.InodesPerGroup
	indexInGroup := (inode - 1) % r.sb.InodesPerGroup

	descSize := r.descriptorSize()
	gdtBlock := uint64(r.sb.FirstDataBlock + 1)
	gdtOffset := gdtBlock*uint64(r.sb.BlockSize) + uint64(group)*uint64(descSize)

	db, err := r.src.ReadAt(gdtOffset, uint32(descSize))
	if err != nil || len(db) < 12 {
		return 0, false
	}
	inodeTableBlock := uint64(binary.LittleEndian.Uint32(db[8:12]))
	if r.sb.is64bit() && len(db) >= 44 {
		inodeTableBlock |= uint64(binary.LittleEndian.Uint32(db[40:44])) << 32
	}

	offset := inodeTableBlock*uint64(r.sb.BlockSize) + uint64(indexInGroup)*uint64(r.sb.InodeSize)
	return offset, true
}

// ReadInode reads and parses one inode.
func (r *Reader) ReadInode(inode uint32) (Inode, bool) {
	off, ok := r.inodeLocation(inode)
	if !ok {
		return Inode{}, false
	}
	b, err := r.src.ReadAt(off, uint32(r.sb.InodeSize))
	if err != nil || len(b) < 128 {
		return Inode{}, false
	}
	var in Inode
	in.Mode = binary.LittleEndian.Uint16(b[0:2])
	sizeLo := binary.LittleEndian.Uint32(b[4:8])
	in.Flags = binary.LittleEndian.Uint32(b[32:36])
	sizeHi := binary.LittleEndian.Uint32(b[108:112])
	in.Size = uint64(sizeHi)<<32 | uint64(sizeLo)
	copy(in.BlockPtrRaw[:], b[40:100])
	return in, true
}

// parseExtentLeaves walks a depth-0 extent tree rooted in the inode's
// 60-byte block-pointer area.
func parseExtentLeaves(raw [60]byte) []Extent {
	if binary.LittleEndian.Uint16(raw[0:2]) != extentTreeMagic {
		return nil
	}
	count := binary.LittleEndian.Uint16(raw[2:4])
	depth := binary.LittleEndian.Uint16(raw[6:8])
	if depth != 0 {
		return nil // only depth-0 trees are required
	}
	var out []Extent
	for i := 0; i < int(count); i++ {
		off := 12 + i*12
		if off+12 > len(raw) {
			break
		}
		e := raw[off : off+12]
		logical := binary.LittleEndian.Uint32(e[0:4])
		eeLen := binary.LittleEndian.Uint16(e[4:6])
		startHi := binary.LittleEndian.Uint16(e[6:8])
		startLo := binary.LittleEndian.Uint32(e[8:12])

		uninit := eeLen > 32768
		length := uint32(eeLen)
		if uninit {
			length = uint32(eeLen) - 32768
		}
		out = append(out, Extent{
			LogicalBlock:  logical,
			Length:        length,
			Uninitialized: uninit,
			PhysicalBlock: uint64(startHi)<<32 | uint64(startLo),
		})
	}
	return out
}

// readIndirectBlocks walks the classic 12-direct + 3-indirect-level
// scheme, invoking emit(physicalBlock) for each data block in order,
// until target bytes have been accounted for. A zero pointer at the
// leaf level is a hole and is emitted as block 0, which callers must
// zero-fill rather than skip.
func (r *Reader) readIndirectBlocks(raw [60]byte, targetBytes uint64, emit func(block uint64) bool) {
	blocksPerPtr := r.sb.BlockSize / 4
	remaining := (targetBytes + uint64(r.sb.BlockSize) - 1) / uint64(r.sb.BlockSize)

	ptrs := make([]uint32, 15)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}

	var walk func(block uint32, level int) bool // returns false to stop
	walk = func(block uint32, level int) bool {
		if remaining == 0 {
			return false
		}
		if block == 0 {
			if level == 0 {
				if !emit(0) {
					return false
				}
				remaining--
				return true
			}
			// a zero indirect pointer skips the whole subtree it covers
			n := uint64(1)
			for i := 0; i < level; i++ {
				n *= uint64(blocksPerPtr)
			}
			if n > remaining {
				n = remaining
			}
			remaining -= n
			return true
		}
		if level == 0 {
			if !emit(uint64(block)) {
				return false
			}
			remaining--
			return true
		}
		ib, err := r.src.ReadAt(uint64(block)*uint64(r.sb.BlockSize), r.sb.BlockSize)
		if err != nil {
			return false
		}
		for i := uint32(0); i < blocksPerPtr && remaining > 0; i++ {
			off := i * 4
			if int(off+4) > len(ib) {
				break
			}
			child := binary.LittleEndian.Uint32(ib[off : off+4])
			if !walk(child, level-1) {
				return false
			}
		}
		return true
	}

	for i := 0; i < 12 && remaining > 0; i++ {
		if !walk(ptrs[i], 0) {
			return
		}
	}
	if remaining > 0 {
		walk(ptrs[12], 1)
	}
	if remaining > 0 {
		walk(ptrs[13], 2)
	}
	if remaining > 0 {
		walk(ptrs[14], 3)
	}
}

// ReadData reads up to in.Size bytes of file content addressed by in's
// extent tree or classic indirect blocks.
func (r *Reader) ReadData(in Inode) []byte {
	out := make([]byte, 0, in.Size)
	appendBlock := func(block uint64, want int) {
		b, err := r.src.ReadAt(block*uint64(r.sb.BlockSize), uint32(r.sb.BlockSize))
		if err != nil {
			return
		}
		if want < len(b) {
			b = b[:want]
		}
		out = append(out, b...)
	}

	if in.usesExtents() {
		for _, e := range parseExtentLeaves(in.BlockPtrRaw) {
			for i := uint32(0); i < e.Length; i++ {
				remaining := int(in.Size) - len(out)
				if remaining <= 0 {
					return out
				}
				want := int(r.sb.BlockSize)
				if want > remaining {
					want = remaining
				}
				appendBlock(e.PhysicalBlock+uint64(i), want)
			}
		}
		return out
	}

	r.readIndirectBlocks(in.BlockPtrRaw, in.Size, func(block uint64) bool {
		remaining := int(in.Size) - len(out)
		if remaining <= 0 {
			return false
		}
		want := int(r.sb.BlockSize)
		if want > remaining {
			want = remaining
		}
		if block == 0 {
			// hole: block pointer 0 is never a valid data block in ext4.
			out = append(out, make([]byte, want)...)
			return true
		}
		appendBlock(block, want)
		return true
	})
	return out
}

// DirEntry is one parsed directory record.
type DirEntry struct {
	Inode    uint32
	FileType uint8
	Name     string
}

// IterateDir decodes the stream of directory records in data, stopping
// when rec_len < 8 or rec_len exceeds the remaining bytes; entries whose
// inode is zero (unused slots) are skipped.
func IterateDir(data []byte) []DirEntry {
	var out []DirEntry
	pos := 0
	for pos+8 <= len(data) {
		inode := binary.LittleEndian.Uint32(data[pos : pos+4])
		recLen := binary.LittleEndian.Uint16(data[pos+4 : pos+6])
		nameLen := data[pos+6]
		fileType := data[pos+7]
		if recLen < 8 || pos+int(recLen) > len(data) {
			break
		}
		if inode != 0 {
			nameEnd := pos + 8 + int(nameLen)
			if nameEnd > len(data) {
				break
			}
			out = append(out, DirEntry{
				Inode:    inode,
				FileType: fileType,
				Name:     string(data[pos+8 : nameEnd]),
			})
		}
		pos += int(recLen)
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

// Resolve walks path components from the root inode, matching each
// component case-insensitively. Returns the resolved inode number, or
// ok=false if any component is not found.
func (r *Reader) Resolve(path string) (uint32, bool) {
	inode := uint32(rootInode)
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
		in, ok := r.ReadInode(inode)
		if !ok {
			return 0, false
		}
		data := r.ReadData(in)
		found := false
		for _, e := range IterateDir(data) {
			if equalFold(e.Name, component) {
				inode = e.Inode
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return inode, true
}
