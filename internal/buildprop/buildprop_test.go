package buildprop

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/edl-core/firmcore/internal/blocksource"
	"github.com/edl-core/firmcore/internal/ext4"
)

func TestParseLinesSanitizes(t *testing.T) {
	data := []byte("# comment\n\n  ro.build.version.sdk = 33 \nro.product.model=Pixel\x01\x02\nbadline\n")
	props := parseLines(data)
	if props["ro.build.version.sdk"] != "33" {
		t.Fatalf("got %q", props["ro.build.version.sdk"])
	}
	if props["ro.product.model"] != "Pixel" {
		t.Fatalf("got %q", props["ro.product.model"])
	}
	if _, ok := props["badline"]; ok {
		t.Fatal("expected line without '=' to be skipped")
	}
}

func TestPriorityRankVendorSpecific(t *testing.T) {
	if r := priorityRank("Xiaomi", "vendor"); r != 0 {
		t.Fatalf("xiaomi vendor rank = %d, want 0", r)
	}
	if r := priorityRank("Xiaomi", "odm"); r != 1 {
		t.Fatalf("xiaomi odm rank = %d, want 1", r)
	}
	if r := priorityRank("Xiaomi", "nonexistent"); r != 999 {
		t.Fatalf("unknown partition rank = %d, want 999", r)
	}
}

func TestPropertiesCaseInsensitive(t *testing.T) {
	p := newProperties()
	p.Set("Ro.Build.Type", "user")
	v, ok := p.Get("ro.build.type")
	if !ok || v != "user" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

// fakeSources serves a prebuilt image for each registered partition name
// through PartitionSource.
type fakeSources struct {
	images map[string][]byte
}

func (f *fakeSources) Open(name string) (blocksource.Source, uint64, bool) {
	img, ok := f.images[name]
	if !ok {
		return nil, 0, false
	}
	return blocksource.FromReaderAt(bytes.NewReader(img), int64(len(img))), 0, true
}

func TestCollectSkipsMissingPartitions(t *testing.T) {
	sources := &fakeSources{images: map[string][]byte{}}
	out := Collect(context.Background(), sources, []string{"vendor", "system"}, "a", "generic")
	if out.Len() != 0 {
		t.Fatalf("expected no properties, got %d", out.Len())
	}
}

// buildMinimalExt4Image assembles the smallest ext4 image the ext4
// reader's path resolver can walk: one block group, a root directory holding a single
// "build.prop" entry, and that file's inode/data block carrying content
// verbatim. Block size 1024, classic (non-extent) indirect addressing.
func buildMinimalExt4Image(content []byte) []byte {
	const blockSize = 1024
	const (
		superblockBlock = 1
		gdtBlock        = 2
		inodeTableBlock = 3
		rootDirBlock    = 4
		fileDataBlock   = 5
		fileInode       = 3 // keeps this inode's offset inside inodeTableBlock, alongside the root inode
		inodesPerGroup  = 64
		inodeSize       = 128
		descSize        = 32
	)

	img := make([]byte, 8*blockSize)

	sb := img[1024 : 1024+1024]
	binary.LittleEndian.PutUint32(sb[0x14:0x18], superblockBlock) // first data block
	binary.LittleEndian.PutUint32(sb[0x18:0x1C], 0) // log block size -> 1024
	binary.LittleEndian.PutUint32(sb[0x28:0x2C], inodesPerGroup)
	binary.LittleEndian.PutUint16(sb[0x38:0x3A], ext4.Magic)
	binary.LittleEndian.PutUint16(sb[0x58:0x5A], inodeSize)

	gd := img[gdtBlock*blockSize : gdtBlock*blockSize+descSize]
	binary.LittleEndian.PutUint32(gd[8:12], inodeTableBlock)

	putInode := func(inode uint32, size uint64, directBlock uint32) {
		idx := (inode - 1) % inodesPerGroup
		off := inodeTableBlock*blockSize + int(idx)*inodeSize
		in := img[off : off+inodeSize]
		binary.LittleEndian.PutUint32(in[4:8], uint32(size))
		binary.LittleEndian.PutUint32(in[40:44], directBlock) // block_ptr[0]
	}
	putInode(2, blockSize, rootDirBlock) // root directory inode
	putInode(fileInode, uint64(len(content)), fileDataBlock)

	dirBlock := img[rootDirBlock*blockSize : rootDirBlock*blockSize+blockSize]
	name := "build.prop"
	binary.LittleEndian.PutUint32(dirBlock[0:4], fileInode)
	binary.LittleEndian.PutUint16(dirBlock[4:6], uint16(8+len(name)))
	dirBlock[6] = byte(len(name))
	dirBlock[7] = 1 // regular file
	copy(dirBlock[8:8+len(name)], name)

	copy(img[fileDataBlock*blockSize:], content)

	return img
}

// TestCollectMergesAcrossPartitionsLosingPartitionStillContributes
// exercises the two-partition vendor-priority merge: vendor outranks
// system by default priority, so vendor's value for a shared key wins,
// but a key only present on the losing (system) partition still makes
// it into the merged result.
func TestCollectMergesAcrossPartitionsLosingPartitionStillContributes(t *testing.T) {
	vendorProp := []byte("ro.product.model=VendorWins\nro.vendor.only=VendorValue\n")
	systemProp := []byte("ro.product.model=SystemLoses\nro.system.only=SystemValue\n")

	sources := &fakeSources{images: map[string][]byte{
		"vendor": buildMinimalExt4Image(vendorProp),
		"system": buildMinimalExt4Image(systemProp),
	}}

	out := Collect(context.Background(), sources, []string{"vendor", "system"}, "", "unknownbrand")

	if v, _ := out.Get("ro.product.model"); v != "VendorWins" {
		t.Fatalf("ro.product.model = %q, want vendor's value to win", v)
	}
	if v, ok := out.Get("ro.vendor.only"); !ok || v != "VendorValue" {
		t.Fatalf("ro.vendor.only = %q, %v, want VendorValue", v, ok)
	}
	if v, ok := out.Get("ro.system.only"); !ok || v != "SystemValue" {
		t.Fatalf("ro.system.only = %q, %v, want the losing partition's unique key to still be merged in", v, ok)
	}
}
