package lpmetadata

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/edl-core/firmcore/internal/blocksource"
)

// buildImage assembles a minimal ALP0 image: header at offset 4096,
// tables immediately following header_size, one partition with two
// LINEAR extents.
func buildImage(t *testing.T) []byte {
	t.Helper()
	const headerStart = 4096
	const headerSize = 64

	extents := []Extent{
		{NumSectors: 100, TargetType: targetTypeLinear, TargetData: 2048, DeviceIdx: 0},
		{NumSectors: 50, TargetType: targetTypeLinear, TargetData: 4096, DeviceIdx: 0},
	}
	extentsBytes := make([]byte, len(extents)*extentEntrySize)
	for i, e := range extents {
		b := extentsBytes[i*extentEntrySize:]
		binary.LittleEndian.PutUint64(b[0:8], e.NumSectors)
		binary.LittleEndian.PutUint32(b[8:12], e.TargetType)
		binary.LittleEndian.PutUint64(b[12:20], e.TargetData)
		binary.LittleEndian.PutUint32(b[20:24], e.DeviceIdx)
	}

	partBytes := make([]byte, partitionEntrySize)
	copy(partBytes[0:36], "system_a")
	binary.LittleEndian.PutUint32(partBytes[52:56], 0) // attrs
	binary.LittleEndian.PutUint32(partBytes[56:60], 0) // first extent idx
	binary.LittleEndian.PutUint32(partBytes[60:64], uint32(len(extents)))
	binary.LittleEndian.PutUint32(partBytes[64:68], 0) // group index

	partitionsTableOff := uint32(0)
	extentsTableOff := uint32(len(partBytes))

	img := make([]byte, headerStart+int(headerSize)+len(partBytes)+len(extentsBytes))
	h := img[headerStart:]
	copy(h[0:4], alp0Magic)
	binary.LittleEndian.PutUint32(h[4:8], headerSize)
	pos := 12 // magic(4) + header_size(4) + checksum placeholder(4)
	putTable := func(offset, num, entrySize uint32) {
		binary.LittleEndian.PutUint32(h[pos:], offset)
		binary.LittleEndian.PutUint32(h[pos+4:], num)
		binary.LittleEndian.PutUint32(h[pos+8:], entrySize)
		pos += 12
	}
	putTable(partitionsTableOff, 1, partitionEntrySize)
	putTable(extentsTableOff, uint32(len(extents)), extentEntrySize)
	putTable(0, 0, groupEntrySize)
	putTable(0, 0, blockDeviceEntrySize)

	copy(img[headerStart+int(headerSize):], partBytes)
	copy(img[headerStart+int(headerSize)+len(partBytes):], extentsBytes)

	return img
}

func srcOf(b []byte) blocksource.Source {
	return blocksource.FromReaderAt(bytes.NewReader(b), int64(len(b)))
}

func TestOpenParsesPartitionAndExtents(t *testing.T) {
	img := buildImage(t)
	md, err := Open(srcOf(img), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(md.Partitions) != 1 {
		t.Fatalf("got %d partitions, want 1", len(md.Partitions))
	}
	p := md.Partitions[0]
	if p.Name != "system_a" {
		t.Fatalf("name = %q", p.Name)
	}
	if len(p.Extents) != 2 {
		t.Fatalf("got %d extents, want 2", len(p.Extents))
	}
	if got := p.TotalSectors(); got != 150 {
		t.Fatalf("total sectors = %d, want 150", got)
	}
	off, ok := p.FirstDeviceSectorOffset(512)
	if !ok || off != 2048 {
		t.Fatalf("first device sector offset = %d, %v", off, ok)
	}
}

func TestOpenMissingMagicFails(t *testing.T) {
	img := make([]byte, 32<<10)
	if _, err := Open(srcOf(img), nil); err == nil {
		t.Fatal("expected error when ALP0 magic is absent")
	}
}

func TestCacheReturnsDeepCopies(t *testing.T) {
	cache, err := NewCache(4)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	img := buildImage(t)
	src := srcOf(img)

	md1, err := Open(src, cache)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	md2, err := Open(src, cache)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	md1.Partitions[0].Name = "mutated"
	if md2.Partitions[0].Name == "mutated" {
		t.Fatal("cache returned shared state instead of a deep copy")
	}

	md3, err := Open(src, cache)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if diff := cmp.Diff(md2, md3); diff != "" {
		t.Fatalf("repeated cache reads diverged (-first +second):\n%s", diff)
	}
}
