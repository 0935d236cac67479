package flashplan

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/edl-core/firmcore/internal/gpt"
)

func samplePartitions() []gpt.Partition {
	return []gpt.Partition{
		{Name: "system_b", LUN: 0, StartLBA: 2048, Sectors: 1024, SectorSize: 512, TypeGUID: uuid.Nil},
		{Name: "boot_a", LUN: 0, StartLBA: 64, Sectors: 32, SectorSize: 512, TypeGUID: uuid.Nil},
		{Name: "modem", LUN: 1, StartLBA: 0, Sectors: 512, SectorSize: 512, TypeGUID: uuid.Nil},
	}
}

func TestBuildRawProgramOrdersByLunThenStartSector(t *testing.T) {
	doc := BuildRawProgram(samplePartitions())
	if len(doc.Programs) != 3 {
		t.Fatalf("got %d programs", len(doc.Programs))
	}
	got := []string{doc.Programs[0].Label, doc.Programs[1].Label, doc.Programs[2].Label}
	want := []string{"boot_a", "system_b", "modem"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestBuildRawProgramComputesSizesAndOffsets(t *testing.T) {
	doc := BuildRawProgram(samplePartitions())
	p := doc.Programs[0] // boot_a: start LBA 64, 32 sectors, 512 bytes/sector
	if p.StartByteHex != "0x8000" {
		t.Fatalf("start_byte_hex = %q", p.StartByteHex)
	}
	if p.SizeInKB != 16 {
		t.Fatalf("size_in_KB = %d, want 16", p.SizeInKB)
	}
	if p.Filename != "boot_a.img" {
		t.Fatalf("filename = %q", p.Filename)
	}
}

func TestBuildPatchEmitsTwoEntriesPerLun(t *testing.T) {
	doc := BuildPatch(samplePartitions(), 512)
	if len(doc.Patches) != 4 { // 2 LUNs * 2 offsets
		t.Fatalf("got %d patches, want 4", len(doc.Patches))
	}
	for _, p := range doc.Patches {
		if p.SizeInBytes != 4 || p.Value != "0" || p.StartSector != "1" {
			t.Fatalf("unexpected patch shape: %+v", p)
		}
		if p.ByteOffset != 16 && p.ByteOffset != 88 {
			t.Fatalf("unexpected byte offset: %d", p.ByteOffset)
		}
	}
}

func TestBuildPartitionTableFields(t *testing.T) {
	doc := BuildPartitionTable(samplePartitions())
	if len(doc.Partitions) != 3 {
		t.Fatalf("got %d entries", len(doc.Partitions))
	}
	e := doc.Partitions[1] // boot_a
	if e.Label != "boot_a" || e.Bootable != "false" || e.ReadOnly != "true" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestMarshalProducesXMLDeclaration(t *testing.T) {
	doc := BuildRawProgram(samplePartitions())
	out, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.HasPrefix(string(out), `<?xml version="1.0"`) {
		t.Fatalf("missing XML declaration: %s", out)
	}
	if !strings.Contains(string(out), "<program ") {
		t.Fatalf("missing <program> element: %s", out)
	}
}
