// Package fsdispatch detects which filesystem a partition carries from a
// single 4 KiB header read, then hands back a uniform FileSystem handle
// over it. Grounded on the probe-in-order shape of the example pack's
// block-device probing code (see DESIGN.md), adapted to the three
// formats this core must recognise.
package fsdispatch

import (
	"encoding/binary"
	"strings"

	"github.com/edl-core/firmcore/internal/blocksource"
	"github.com/edl-core/firmcore/internal/erofs"
	"github.com/edl-core/firmcore/internal/ext4"
	"github.com/edl-core/firmcore/internal/sparse"
)

// FileSystem is the uniform handle every detected filesystem exposes.
type FileSystem interface {
	ReadTextFile(path string) ([]byte, bool)
	ListDir(path string) []string
	Exists(path string) bool
}

// buildPropPaths are retried in order by ReadBuildProp on a miss.
var buildPropPaths = []string{"/build.prop", "/system/build.prop", "/etc/build.prop", "/vendor/build.prop"}

// Detect reads a 4 KiB header from src and returns a FileSystem handle,
// or ok=false if none of the recognised formats matched. A Sparse
// container is transparently expanded and re-detected recursively.
func Detect(src blocksource.Source) (FileSystem, bool) {
	hdr, err := src.ReadAt(0, 4096)
	if err != nil || len(hdr) < 4 {
		return nil, false
	}

	if len(hdr) >= 4 && binary.LittleEndian.Uint32(hdr[0:4]) == sparse.Magic {
		sr, err := sparse.Open(src)
		if err != nil {
			return nil, false
		}
		return Detect(sr.Source())
	}

	if len(hdr) >= 1028 && binary.LittleEndian.Uint32(hdr[1024:1028]) == erofs.Magic {
		r, err := erofs.Open(src)
		if err != nil {
			return nil, false
		}
		return &erofsFS{r: r}, true
	}

	if len(hdr) >= 1082 && binary.LittleEndian.Uint16(hdr[1080:1082]) == ext4.Magic {
		r, err := ext4.Open(src)
		if err != nil {
			return nil, false
		}
		return &ext4FS{r: r}, true
	}

	return nil, false
}

// ReadBuildProp reads preferredPath if non-empty, else tries the
// standard build.prop locations in order, returning the first hit.
func ReadBuildProp(fs FileSystem, preferredPath string) ([]byte, bool) {
	if preferredPath != "" {
		if b, ok := fs.ReadTextFile(preferredPath); ok {
			return b, true
		}
	}
	for _, p := range buildPropPaths {
		if b, ok := fs.ReadTextFile(p); ok {
			return b, true
		}
	}
	return nil, false
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// --- ext4 adapter ---

type ext4FS struct {
	r *ext4.Reader
}

func (f *ext4FS) resolve(path string) (uint32, bool) {
	return f.r.Resolve(strings.Join(splitPath(path), "/"))
}

func (f *ext4FS) ReadTextFile(path string) ([]byte, bool) {
	inode, ok := f.resolve(path)
	if !ok {
		return nil, false
	}
	in, ok := f.r.ReadInode(inode)
	if !ok {
		return nil, false
	}
	return f.r.ReadData(in), true
}

func (f *ext4FS) ListDir(path string) []string {
	inode, ok := f.resolve(path)
	if !ok {
		inode = 2 // root
		if path != "" && path != "/" {
			return nil
		}
	}
	in, ok := f.r.ReadInode(inode)
	if !ok {
		return nil
	}
	data := f.r.ReadData(in)
	var names []string
	for _, e := range ext4.IterateDir(data) {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		names = append(names, e.Name)
	}
	return names
}

func (f *ext4FS) Exists(path string) bool {
	_, ok := f.resolve(path)
	return ok
}

// --- erofs adapter ---

type erofsFS struct {
	r *erofs.Reader
}

func (f *erofsFS) resolve(path string) (uint64, bool) {
	return f.r.Resolve(strings.Join(splitPath(path), "/"))
}

func (f *erofsFS) ReadTextFile(path string) ([]byte, bool) {
	nid, ok := f.resolve(path)
	if !ok {
		return nil, false
	}
	in, ok := f.r.ReadInode(nid)
	if !ok {
		return nil, false
	}
	return f.r.ReadData(nid, in), true
}

func (f *erofsFS) ListDir(path string) []string {
	nid, ok := f.resolve(path)
	if !ok {
		if path != "" && path != "/" {
			return nil
		}
		nid = f.r.Superblock().RootNID
	}
	in, ok := f.r.ReadInode(nid)
	if !ok {
		return nil
	}
	data := f.r.ReadData(nid, in)
	var names []string
	for _, e := range erofs.IterateDir(data) {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		names = append(names, e.Name)
	}
	return names
}

func (f *erofsFS) Exists(path string) bool {
	_, ok := f.resolve(path)
	return ok
}
