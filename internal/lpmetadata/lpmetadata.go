// Package lpmetadata parses Android logical-partition (LP, "super
// partition") metadata: an ALP0 header plus four parallel tables
// describing how logical partitions map onto LINEAR or ZERO-fill extents
// of the underlying block devices. Grounded on the same "probe fixed
// offsets, fall back to a scan" shape used by the example pack's block
// device / filesystem probes (see DESIGN.md), adapted to ALP0's own
// geometry.
package lpmetadata

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/edl-core/firmcore/internal/blocksource"
	"github.com/edl-core/firmcore/internal/parseerr"
)

const (
	alp0Magic = "0PLA" // little-endian encoding of "ALP0"

	partitionEntrySize = 68 // 36-byte name + 16-byte GUID + attrs/first-extent/num-extents/group-index
	extentEntrySize     = 24
	groupEntrySize      = 48
	blockDeviceEntrySize = 100

	targetTypeLinear = 0
	targetTypeZero   = 1
)

// searchOffsets are the fixed offsets tried before falling back to a
// 64 KiB scan.
var searchOffsets = []uint64{4096, 8192, 12288, 16384}

// Extent is one LINEAR or ZERO-fill extent of a logical partition.
type Extent struct {
	NumSectors uint64 // 512-byte units
	TargetType uint32
	TargetData uint64 // 512-byte units when TargetType == LINEAR
	DeviceIdx  uint32
}

// Partition is one logical partition and its ordered extent list.
type Partition struct {
	Name       string
	GUID       [16]byte
	Attributes uint32
	GroupIndex uint32
	Extents    []Extent
}

// FirstDeviceSectorOffset converts the first LINEAR extent's target_data
// (always 512-byte units) into an offset in units of deviceSectorSize.
// Returns 0, false if there is no LINEAR extent.
func (p Partition) FirstDeviceSectorOffset(deviceSectorSize uint64) (uint64, bool) {
	for _, e := range p.Extents {
		if e.TargetType == targetTypeLinear {
			return e.TargetData * 512 / deviceSectorSize, true
		}
	}
	return 0, false
}

// TotalSectors returns the sum of all extents' sector counts.
func (p Partition) TotalSectors() uint64 {
	var n uint64
	for _, e := range p.Extents {
		n += e.NumSectors
	}
	return n
}

// Metadata is the fully parsed ALP0 table set.
type Metadata struct {
	Partitions []Partition
}

type tableDescriptor struct {
	offset    uint32
	numEntries uint32
	entrySize  uint32
}

type header struct {
	headerSize uint32
	partitions tableDescriptor
	extents    tableDescriptor
	groups     tableDescriptor
	devices    tableDescriptor
}

func findHeader(src blocksource.Source) (uint64, []byte, bool) {
	const probeSize = 256
	for _, off := range searchOffsets {
		b, err := src.ReadAt(off, 4)
		if err == nil && len(b) == 4 && string(b) == alp0Magic {
			full, err := src.ReadAt(off, probeSize)
			if err == nil {
				return off, full, true
			}
		}
	}
	const scanLimit = 64 << 10
	for off := uint64(0); off < scanLimit; off += 4 {
		b, err := src.ReadAt(off, 4)
		if err != nil || len(b) < 4 {
			break
		}
		if string(b) == alp0Magic {
			full, err := src.ReadAt(off, probeSize)
			if err == nil {
				return off, full, true
			}
		}
	}
	return 0, nil, false
}

// parseHeader decodes the ALP0 header: magic, header_size, a 4-byte
// field that is skipped, then four (offset, num_entries, entry_size)
// table descriptors. The header and table checksums are neither read
// nor verified — this reader is best-effort: malformed metadata yields a
// partial result rather than an error.
func parseHeader(b []byte) (header, bool) {
	if len(b) < 4+4+4+4*12 {
		return header{}, false
	}
	if string(b[0:4]) != alp0Magic {
		return header{}, false
	}
	pos := 4
	headerSize := binary.LittleEndian.Uint32(b[pos:])
	pos += 4
	pos += 4 // checksum placeholder, skipped

	readTable := func() tableDescriptor {
		t := tableDescriptor{
			offset:     binary.LittleEndian.Uint32(b[pos:]),
			numEntries: binary.LittleEndian.Uint32(b[pos+4:]),
			entrySize:  binary.LittleEndian.Uint32(b[pos+8:]),
		}
		pos += 12
		return t
	}
	h := header{headerSize: headerSize}
	h.partitions = readTable()
	h.extents = readTable()
	h.groups = readTable()
	h.devices = readTable()
	return h, true
}

func zeroTrimmedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parsePartitionEntry(b []byte) (name string, guid [16]byte, attrs uint32, firstExtent, numExtents, groupIdx uint32, ok bool) {
	if len(b) < partitionEntrySize {
		return "", guid, 0, 0, 0, 0, false
	}
	name = zeroTrimmedString(b[0:36])
	copy(guid[:], b[36:52])
	attrs = binary.LittleEndian.Uint32(b[52:56])
	firstExtent = binary.LittleEndian.Uint32(b[56:60])
	numExtents = binary.LittleEndian.Uint32(b[60:64])
	groupIdx = binary.LittleEndian.Uint32(b[64:68])
	return name, guid, attrs, firstExtent, numExtents, groupIdx, true
}

func parseExtentEntry(b []byte) (Extent, bool) {
	if len(b) < extentEntrySize {
		return Extent{}, false
	}
	return Extent{
		NumSectors: binary.LittleEndian.Uint64(b[0:8]),
		TargetType: binary.LittleEndian.Uint32(b[8:12]),
		TargetData: binary.LittleEndian.Uint64(b[12:20]),
		DeviceIdx:  binary.LittleEndian.Uint32(b[20:24]),
	}, true
}

// parse reads the four tables located relative to headerStart+header_size
// and assembles the partition list.
func parse(src blocksource.Source, headerStart uint64, h header) *Metadata {
	base := headerStart + uint64(h.headerSize)

	readTableBytes := func(t tableDescriptor) []byte {
		n := int(t.numEntries) * int(t.entrySize)
		if n <= 0 {
			return nil
		}
		b, err := src.ReadAt(base+uint64(t.offset), uint32(n))
		if err != nil {
			return nil
		}
		return b
	}

	extentsRaw := readTableBytes(h.extents)
	extents := make([]Extent, 0, h.extents.numEntries)
	for i := uint32(0); i < h.extents.numEntries; i++ {
		off := int(i * h.extents.entrySize)
		if off+extentEntrySize > len(extentsRaw) {
			break
		}
		e, ok := parseExtentEntry(extentsRaw[off : off+int(h.extents.entrySize)])
		if !ok {
			break
		}
		extents = append(extents, e)
	}

	partitionsRaw := readTableBytes(h.partitions)
	md := &Metadata{}
	for i := uint32(0); i < h.partitions.numEntries; i++ {
		off := int(i * h.partitions.entrySize)
		if off+partitionEntrySize > len(partitionsRaw) {
			break
		}
		name, guid, attrs, firstExtent, numExtents, groupIdx, ok := parsePartitionEntry(partitionsRaw[off : off+int(h.partitions.entrySize)])
		if !ok {
			break
		}
		p := Partition{Name: name, GUID: guid, Attributes: attrs, GroupIndex: groupIdx}
		for j := uint32(0); j < numExtents; j++ {
			idx := firstExtent + j
			if int(idx) >= len(extents) {
				break
			}
			p.Extents = append(p.Extents, extents[idx])
		}
		md.Partitions = append(md.Partitions, p)
	}
	return md
}

// Cache is a bounded LRU of parsed Metadata keyed by an MD5 digest of
// the first 4 KiB of the source plus its total length — a stand-in for
// the identity of the image being parsed. Every cache hit returns a deep
// copy, never the cached instance.
//
// This replaces the "drop the whole cache on overflow" behavior
// mentioned in the original design with real bounded LRU eviction (see
// DESIGN.md / SPEC_FULL.md Open Questions).
type Cache struct {
	lru *lru.Cache
}

// NewCache builds a Cache holding at most size parsed Metadata values.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

func cacheKey(src blocksource.Source, totalLen int64) string {
	b, _ := src.ReadAt(0, 4096)
	sum := md5.Sum(append(append([]byte{}, b...), []byte(fmt.Sprintf(":%d", totalLen))...))
	return string(sum[:])
}

func deepCopy(md *Metadata) *Metadata {
	out := &Metadata{Partitions: make([]Partition, len(md.Partitions))}
	for i, p := range md.Partitions {
		cp := p
		cp.Extents = append([]Extent(nil), p.Extents...)
		out.Partitions[i] = cp
	}
	return out
}

// Open parses ALP0 metadata from src. If cache is non-nil, the result is
// served from (or stored into) the cache keyed by content identity.
func Open(src blocksource.Source, cache *Cache) (*Metadata, error) {
	const op = "lpmetadata.Open"

	var key string
	if cache != nil {
		totalLen, _ := blocksource.SizeOf(src)
		key = cacheKey(src, totalLen)
		if v, ok := cache.lru.Get(key); ok {
			return deepCopy(v.(*Metadata)), nil
		}
	}

	off, hb, found := findHeader(src)
	if !found {
		return nil, parseerr.New(op, parseerr.InvalidMagic)
	}
	h, ok := parseHeader(hb)
	if !ok {
		return nil, parseerr.New(op, parseerr.Truncated)
	}
	md := parse(src, off, h)

	if cache != nil {
		cache.lru.Add(key, md)
	}
	return deepCopy(md), nil
}
