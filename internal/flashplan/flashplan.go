// Package flashplan serializes a partition table into the three
// flash-plan XML artifacts a Qualcomm flashing tool consumes:
// rawprogram.xml, patch.xml and partition.xml. No repo in the retrieval
// pack writes this XML family, so the writer leans on the standard
// library's encoding/xml (documented under the standard-library
// justification rule in DESIGN.md).
package flashplan

import (
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/edl-core/firmcore/internal/gpt"
)

// Program is one <program> entry of rawprogram.xml.
type Program struct {
	XMLName                 xml.Name `xml:"program"`
	SectorSizeInBytes        uint64   `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	FileSectorOffset         string   `xml:"file_sector_offset,attr"`
	Filename                 string   `xml:"filename,attr"`
	Label                    string   `xml:"label,attr"`
	NumPartitionSectors      uint64   `xml:"num_partition_sectors,attr"`
	PhysicalPartitionNumber  int      `xml:"physical_partition_number,attr"`
	ReadBackVerify           string   `xml:"readbackverify,attr"`
	SizeInKB                 uint64   `xml:"size_in_KB,attr"`
	Sparse                   string   `xml:"sparse,attr"`
	StartByteHex             string   `xml:"start_byte_hex,attr"`
	StartSector              uint64   `xml:"start_sector,attr"`
	PartOfSingleImage        string   `xml:"partofsingleimage,attr"`
}

// RawProgram is the rawprogram.xml document root.
type RawProgram struct {
	XMLName  xml.Name  `xml:"data"`
	Programs []Program `xml:"program"`
}

// BuildRawProgram projects partitions into rawprogram.xml, ordered by
// (lun, start_sector).
func BuildRawProgram(partitions []gpt.Partition) RawProgram {
	sorted := append([]gpt.Partition(nil), partitions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].LUN != sorted[j].LUN {
			return sorted[i].LUN < sorted[j].LUN
		}
		return sorted[i].StartLBA < sorted[j].StartLBA
	})

	doc := RawProgram{Programs: make([]Program, 0, len(sorted))}
	for _, p := range sorted {
		sectorSize := uint64(p.SectorSize)
		if sectorSize == 0 {
			sectorSize = 512
		}
		sizeKB := p.Sectors * sectorSize / 1024
		startByte := p.StartLBA * sectorSize
		doc.Programs = append(doc.Programs, Program{
			SectorSizeInBytes:       sectorSize,
			FileSectorOffset:        "0",
			Filename:                p.Name + ".img",
			Label:                   p.Name,
			NumPartitionSectors:     p.Sectors,
			PhysicalPartitionNumber: p.LUN,
			ReadBackVerify:          "false",
			SizeInKB:                sizeKB,
			Sparse:                  "false",
			StartByteHex:            fmt.Sprintf("0x%x", startByte),
			StartSector:             p.StartLBA,
			PartOfSingleImage:       "false",
		})
	}
	return doc
}

// Patch is one <patch> entry of patch.xml.
type Patch struct {
	XMLName         xml.Name `xml:"patch"`
	SectorSizeInBytes uint64 `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	ByteOffset      uint64   `xml:"byte_offset,attr"`
	Filename        string   `xml:"filename,attr"`
	PhysicalPartitionNumber int `xml:"physical_partition_number,attr"`
	SizeInBytes     uint64   `xml:"size_in_bytes,attr"`
	StartSector     string   `xml:"start_sector,attr"`
	Value           string   `xml:"value,attr"`
	What             string  `xml:"what,attr"`
}

// PatchData is the patch.xml document root.
type PatchData struct {
	XMLName xml.Name `xml:"patches"`
	Patches []Patch  `xml:"patch"`
}

// byteOffsets are the two GPT-header CRC fields zeroed on every LUN's
// LBA 1 before a flash.
var byteOffsets = []uint64{16, 88}

// BuildPatch emits the minimal GPT-CRC-zeroing template: two 4-byte
// zero patches at byte offsets 16 and 88 of LBA 1, for every distinct
// LUN present in partitions.
func BuildPatch(partitions []gpt.Partition, sectorSize uint64) PatchData {
	if sectorSize == 0 {
		sectorSize = 512
	}
	seen := map[int]bool{}
	var luns []int
	for _, p := range partitions {
		if !seen[p.LUN] {
			seen[p.LUN] = true
			luns = append(luns, p.LUN)
		}
	}
	sort.Ints(luns)

	doc := PatchData{}
	for _, lun := range luns {
		for _, off := range byteOffsets {
			doc.Patches = append(doc.Patches, Patch{
				SectorSizeInBytes:       sectorSize,
				ByteOffset:              off,
				Filename:                "DISK",
				PhysicalPartitionNumber: lun,
				SizeInBytes:             4,
				StartSector:             "1",
				Value:                   "0",
				What:                    "Zero out CRC fields in primary GPT header",
			})
		}
	}
	return doc
}

// PartitionEntry is one <partition> entry of partition.xml.
type PartitionEntry struct {
	XMLName   xml.Name `xml:"partition"`
	Label     string   `xml:"label,attr"`
	SizeInKB  uint64    `xml:"size_in_kb,attr"`
	Type      string   `xml:"type,attr"`
	Bootable  string   `xml:"bootable,attr"`
	ReadOnly  string   `xml:"readonly,attr"`
	Filename  string   `xml:"filename,attr"`
}

// PartitionTable is the partition.xml document root.
type PartitionTable struct {
	XMLName    xml.Name         `xml:"partitions"`
	Partitions []PartitionEntry `xml:"partition"`
}

// BuildPartitionTable projects partitions into partition.xml.
func BuildPartitionTable(partitions []gpt.Partition) PartitionTable {
	doc := PartitionTable{Partitions: make([]PartitionEntry, 0, len(partitions))}
	for _, p := range partitions {
		sectorSize := uint64(p.SectorSize)
		if sectorSize == 0 {
			sectorSize = 512
		}
		doc.Partitions = append(doc.Partitions, PartitionEntry{
			Label:    p.Name,
			SizeInKB: p.Sectors * sectorSize / 1024,
			Type:     p.TypeGUID.String(),
			Bootable: "false",
			ReadOnly: "true",
			Filename: p.Name + ".img",
		})
	}
	return doc
}

// Marshal renders any of the three documents as indented XML with a
// standard XML declaration, matching what a flashing tool expects on
// disk.
func Marshal(doc any) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	out := []byte(xml.Header)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}
