// Command edlinspect is a thin CLI over firmcore: it opens a raw or
// sparse image file and runs one inspection verb against it. Grounded
// on cmd/distri/distri.go's verb-dispatch idiom (flag.Parse, a
// verb->func map, "help" as a pseudo-verb) from the example pack.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/edl-core/firmcore/internal/blocksource"
	"github.com/edl-core/firmcore/internal/buildprop"
	"github.com/edl-core/firmcore/internal/deviceinfo"
	"github.com/edl-core/firmcore/internal/flashplan"
	"github.com/edl-core/firmcore/internal/fsdispatch"
	"github.com/edl-core/firmcore/internal/gpt"
	"github.com/edl-core/firmcore/internal/lpmetadata"
	"github.com/edl-core/firmcore/internal/slot"
	"github.com/edl-core/firmcore/internal/sparse"
)

var debug = flag.Bool("debug", false, "format errors with additional detail")

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	flag.Parse()

	verbs := map[string]cmd{
		"gpt":        {cmdGPT},
		"lp":         {cmdLP},
		"fs":         {cmdFS},
		"buildprop":  {cmdBuildProp},
		"deviceinfo": {cmdDeviceInfo},
		"plan":       {cmdPlan},
	}

	args := flag.Args()
	if len(args) == 0 || args[0] == "help" {
		fmt.Fprintf(os.Stderr, "edlinspect <verb> <image> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Verbs:\n")
		fmt.Fprintf(os.Stderr, "\tgpt <image>                - dump the GUID partition table and slot verdict\n")
		fmt.Fprintf(os.Stderr, "\tlp <image>                 - dump LP (super) metadata\n")
		fmt.Fprintf(os.Stderr, "\tfs <image> <path>          - read one file out of a detected partition filesystem\n")
		fmt.Fprintf(os.Stderr, "\tbuildprop <image>          - dump merged build.prop properties (single-partition image)\n")
		fmt.Fprintf(os.Stderr, "\tdeviceinfo <image>         - project build.prop onto the device descriptor schema\n")
		fmt.Fprintf(os.Stderr, "\tplan <image> <outdir>      - emit rawprogram.xml/patch.xml/partition.xml\n")
		os.Exit(2)
	}

	verb, rest := args[0], args[1:]
	v, ok := verbs[verb]
	if !ok {
		return fmt.Errorf("unknown verb %q", verb)
	}
	ctx := context.Background()
	if err := v.fn(ctx, rest); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openImage opens path as a blocksource.Source, transparently unwrapping
// an Android Sparse container if present. It maps the file with
// golang.org/x/exp/mmap so the rest of the core reads it as ordinary
// memory rather than issuing a syscall per ReadAt. If mmap.Open fails,
// the file is served through a plain os.File-backed Source instead, and
// that Source is returned without the Sparse check.
func openImage(path string) (blocksource.Source, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		f, ferr := os.Open(path)
		if ferr != nil {
			return nil, xerrors.Errorf("open %s: %w", path, err)
		}
		fi, err := f.Stat()
		if err != nil {
			return nil, xerrors.Errorf("stat %s: %w", path, err)
		}
		return blocksource.FromReaderAt(f, fi.Size()), nil
	}
	src := blocksource.FromReaderAt(ra, int64(ra.Len()))

	hdr, err := src.ReadAt(0, 4)
	if err == nil && len(hdr) == 4 && binary.LittleEndian.Uint32(hdr) == sparse.Magic {
		sr, err := sparse.Open(src)
		if err != nil {
			return nil, xerrors.Errorf("open sparse image %s: %w", path, err)
		}
		return sr.Source(), nil
	}
	return src, nil
}

func cmdGPT(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gpt", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: edlinspect gpt <image>")
	}
	src, err := openImage(fs.Arg(0))
	if err != nil {
		return err
	}
	table, err := gpt.Open(src, 512)
	if err != nil {
		return xerrors.Errorf("parse GPT: %w", err)
	}
	result := slot.Detect(table.Partitions)
	return printJSON(struct {
		Header     gpt.Header       `json:"header"`
		Partitions []gpt.Partition  `json:"partitions"`
		Slot       slot.Result      `json:"slot"`
	}{table.Header, table.Partitions, result})
}

func cmdLP(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lp", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: edlinspect lp <image>")
	}
	src, err := openImage(fs.Arg(0))
	if err != nil {
		return err
	}
	cache, err := lpmetadata.NewCache(10)
	if err != nil {
		return xerrors.Errorf("new lp cache: %w", err)
	}
	md, err := lpmetadata.Open(src, cache)
	if err != nil {
		return xerrors.Errorf("parse LP metadata: %w", err)
	}
	return printJSON(md)
}

func cmdFS(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fs", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: edlinspect fs <image> <path>")
	}
	src, err := openImage(fs.Arg(0))
	if err != nil {
		return err
	}
	filesystem, ok := fsdispatch.Detect(src)
	if !ok {
		return fmt.Errorf("no recognised filesystem in %s", fs.Arg(0))
	}
	path := fs.Arg(1)
	data, ok := filesystem.ReadTextFile(path)
	if !ok {
		names := filesystem.ListDir(path)
		if names == nil {
			return fmt.Errorf("%s not found", path)
		}
		return printJSON(names)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdBuildProp(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("buildprop", flag.ExitOnError)
	vendor := fs.String("vendor", "", "OEM vendor, used for partition priority ordering")
	slotArg := fs.String("slot", "", "A/B slot suffix (a or b), empty for non-A/B images")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: edlinspect buildprop [-vendor name] [-slot a|b] <image>")
	}
	src, err := openImage(fs.Arg(0))
	if err != nil {
		return err
	}
	sources := singlePartitionSource{src: src}
	props := buildprop.Collect(ctx, sources, []string{"system"}, *slotArg, *vendor)
	return printJSON(props.All())
}

func cmdDeviceInfo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deviceinfo", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: edlinspect deviceinfo <image>")
	}
	src, err := openImage(fs.Arg(0))
	if err != nil {
		return err
	}
	sources := singlePartitionSource{src: src}
	props := buildprop.Collect(ctx, sources, []string{"system"}, "", "")
	return printJSON(deviceinfo.Extract(props))
}

func cmdPlan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: edlinspect plan <image> <outdir>")
	}
	src, err := openImage(fs.Arg(0))
	if err != nil {
		return err
	}
	table, err := gpt.Open(src, 512)
	if err != nil {
		return xerrors.Errorf("parse GPT: %w", err)
	}
	outDir := fs.Arg(1)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return xerrors.Errorf("mkdir %s: %w", outDir, err)
	}

	writeDoc := func(name string, doc any) error {
		body, err := flashplan.Marshal(doc)
		if err != nil {
			return xerrors.Errorf("marshal %s: %w", name, err)
		}
		return os.WriteFile(outDir+"/"+name, body, 0o644)
	}
	if err := writeDoc("rawprogram.xml", flashplan.BuildRawProgram(table.Partitions)); err != nil {
		return err
	}
	if err := writeDoc("patch.xml", flashplan.BuildPatch(table.Partitions, uint64(table.Header.SectorSize))); err != nil {
		return err
	}
	if err := writeDoc("partition.xml", flashplan.BuildPartitionTable(table.Partitions)); err != nil {
		return err
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// singlePartitionSource adapts one already-open blocksource.Source as
// the sole candidate "system" partition, for inspecting a single-image
// file with the buildprop collector rather than a full multi-partition
// device.
type singlePartitionSource struct {
	src blocksource.Source
}

func (s singlePartitionSource) Open(name string) (blocksource.Source, uint64, bool) {
	if name != "system" && name != "system_a" && name != "system_b" {
		return nil, 0, false
	}
	return s.src, 0, true
}
