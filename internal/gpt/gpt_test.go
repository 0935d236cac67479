package gpt

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"unicode/utf16"

	"github.com/edl-core/firmcore/internal/blocksource"
)

// buildImage assembles a minimal 4K-sector GPT image: header at byte
// 4096 (LBA 1 on a 4096-byte sector disk), entry array at LBA 2, with
// the given partitions.
func buildImage(t *testing.T, names []string, activeMask uint64) []byte {
	t.Helper()
	const sectorSize = 4096
	const numEntries = 128
	img := make([]byte, 4096+sectorSize+numEntries*entrySize)

	entriesOff := 2 * sectorSize
	for i, name := range names {
		e := img[entriesOff+i*entrySize : entriesOff+(i+1)*entrySize]
		// type GUID: non-zero
		e[0] = 1
		binary.LittleEndian.PutUint64(e[32:40], uint64(1+i*100)) // start
		binary.LittleEndian.PutUint64(e[40:48], uint64(50+i*100))
		var attrs uint64
		if activeMask&(1<<uint(i)) != 0 {
			attrs |= 1 << 50
		}
		binary.LittleEndian.PutUint64(e[48:56], attrs)
		u16 := utf16.Encode([]rune(name))
		for j, c := range u16 {
			binary.LittleEndian.PutUint16(e[56+j*2:58+j*2], c)
		}
	}
	tableCRC := crc32.ChecksumIEEE(img[entriesOff : entriesOff+numEntries*entrySize])

	h := img[4096 : 4096+headerSize]
	copy(h[0:8], signature)
	binary.LittleEndian.PutUint32(h[8:12], 0x00010000)
	binary.LittleEndian.PutUint32(h[12:16], headerSize)
	binary.LittleEndian.PutUint64(h[24:32], 1) // MyLBA
	binary.LittleEndian.PutUint64(h[32:40], 10)
	binary.LittleEndian.PutUint64(h[40:48], 6)
	binary.LittleEndian.PutUint64(h[48:56], 1000)
	binary.LittleEndian.PutUint64(h[72:80], 2) // PartitionEntryLBA
	binary.LittleEndian.PutUint32(h[80:84], numEntries)
	binary.LittleEndian.PutUint32(h[84:88], entrySize)
	binary.LittleEndian.PutUint32(h[88:92], tableCRC)

	cb := make([]byte, headerSize)
	copy(cb, h)
	cb[16], cb[17], cb[18], cb[19] = 0, 0, 0, 0
	binary.LittleEndian.PutUint32(h[16:20], crc32.ChecksumIEEE(cb))

	return img
}

func srcOf(b []byte) blocksource.Source {
	return blocksource.FromReaderAt(bytes.NewReader(b), int64(len(b)))
}

func TestOpenFindsHeaderAndEntries(t *testing.T) {
	img := buildImage(t, []string{"boot_a", "boot_b", "system_a"}, 1<<0|1<<2)
	tbl, err := Open(srcOf(img), 512)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !tbl.Header.CRC32Valid {
		t.Fatal("expected header CRC to validate")
	}
	if tbl.Header.SectorSize != 4096 {
		t.Fatalf("sector size = %d, want 4096", tbl.Header.SectorSize)
	}
	if len(tbl.Partitions) != 3 {
		t.Fatalf("got %d partitions, want 3", len(tbl.Partitions))
	}
	names := map[string]bool{}
	for _, p := range tbl.Partitions {
		names[p.Name] = true
	}
	for _, want := range []string{"boot_a", "boot_b", "system_a"} {
		if !names[want] {
			t.Errorf("missing partition %q", want)
		}
	}
}

func TestOpenNoSignatureFails(t *testing.T) {
	img := make([]byte, 16384)
	if _, err := Open(srcOf(img), 512); err == nil {
		t.Fatal("expected error when no GPT signature is present")
	}
}

func TestParseEntrySynthesizesNameWhenBlank(t *testing.T) {
	e := make([]byte, entrySize)
	e[0] = 0xAB // non-zero type GUID
	binary.LittleEndian.PutUint64(e[32:40], 10)
	binary.LittleEndian.PutUint64(e[40:48], 20)
	p, ok := parseEntry(e, 0, 512)
	if !ok {
		t.Fatal("expected valid entry")
	}
	if p.Name == "" || p.Name[:8] != "unnamed_" {
		t.Fatalf("expected synthesized name, got %q", p.Name)
	}
}

func TestIsValidEntryRejectsZeroGUID(t *testing.T) {
	e := make([]byte, entrySize)
	binary.LittleEndian.PutUint64(e[32:40], 10)
	binary.LittleEndian.PutUint64(e[40:48], 20)
	if isValidEntry(e) {
		t.Fatal("zero type-GUID entry should be invalid")
	}
}

func TestIsValidEntryRejectsEndBeforeStart(t *testing.T) {
	e := make([]byte, entrySize)
	e[0] = 1
	binary.LittleEndian.PutUint64(e[32:40], 20)
	binary.LittleEndian.PutUint64(e[40:48], 10)
	if isValidEntry(e) {
		t.Fatal("end < start entry should be invalid")
	}
}

func TestGUIDMixedEndianFormat(t *testing.T) {
	// c12a7328-f81f-11d2-ba4b-00a0c93ec93b is the well-known EFI System
	// Partition type GUID; its on-disk mixed-endian bytes are documented
	// in the UEFI spec and in the example pack's GPT dumper.
	raw := []byte{
		0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11,
		0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b,
	}
	got := guidFromMixedEndian(raw).String()
	want := "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestEntryCountClampsToBounds(t *testing.T) {
	h := Header{SectorSize: 512, PartitionEntryLBA: 2, FirstUsableLBA: 34, NumPartitionEnt: 0}
	if n := entryCount(h, entrySize); n != minEntries {
		t.Fatalf("got %d want minimum %d", n, minEntries)
	}
	h.NumPartitionEnt = 5000
	if n := entryCount(h, entrySize); n != maxEntries {
		t.Fatalf("got %d want maximum %d", n, maxEntries)
	}
}
