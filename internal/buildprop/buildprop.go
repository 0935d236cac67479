// Package buildprop orchestrates multi-partition, vendor-prioritized
// reads of build.prop and merges them into one property map. This is
// the one deliberately concurrent path in the core, built on a bounded
// errgroup.Group fan-out (see DESIGN.md for the grounding).
package buildprop

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/edl-core/firmcore/internal/blocksource"
	"github.com/edl-core/firmcore/internal/fsdispatch"
)

const fanOut = 4

// candidatePaths are tried in order for each partition; the first
// content containing "ro." is accepted.
var candidatePaths = []string{"/build.prop", "/etc/build.prop", "/system/build.prop"}

// PartitionSource resolves a partition base name to its BlockSource and
// base offset (used as part of the cache key).
type PartitionSource interface {
	Open(partitionName string) (blocksource.Source, uint64, bool)
}

// priorityTables maps a vendor key to its ordered partition priority
// list (highest priority first; the merge inserts the lowest-priority
// partition's props first so that higher-priority writes override them).
var priorityTables = map[string][]string{
	"oplus":   {"my_manifest", "odm", "vendor", "system_ext", "product", "system"},
	"oneplus": {"my_manifest", "odm", "vendor", "system_ext", "product", "system"},
	"realme":  {"my_manifest", "odm", "vendor", "system_ext", "product", "system"},
	"oppo":    {"my_manifest", "odm", "vendor", "system_ext", "product", "system"},
	"lenovo":  {"vendor", "odm", "product", "system_ext", "system"},
	"xiaomi":  {"vendor", "odm", "system", "product"},
}

var defaultPriority = []string{"my_manifest", "odm", "vendor", "system_ext", "product", "system"}

func priorityRank(vendor, partitionBase string) int {
	table, ok := priorityTables[strings.ToLower(vendor)]
	if !ok {
		table = defaultPriority
	}
	for i, name := range table {
		if name == partitionBase {
			return i
		}
	}
	return 999
}

// Properties is a case-insensitive property map.
type Properties struct {
	m map[string]string // keys stored lowercase
}

func newProperties() *Properties { return &Properties{m: map[string]string{}} }

// NewProperties returns an empty Properties map, exported for callers
// (and tests in other packages) that build one up manually rather than
// via Collect.
func NewProperties() *Properties { return newProperties() }

// Get looks up key case-insensitively.
func (p *Properties) Get(key string) (string, bool) {
	v, ok := p.m[strings.ToLower(key)]
	return v, ok
}

// Set stores key/value case-insensitively.
func (p *Properties) Set(key, value string) { p.m[strings.ToLower(key)] = value }

// Len reports the number of stored properties.
func (p *Properties) Len() int { return len(p.m) }

// All returns a copy of every stored key/value pair, keys lowercase.
func (p *Properties) All() map[string]string {
	out := make(map[string]string, len(p.m))
	for k, v := range p.m {
		out[k] = v
	}
	return out
}

// parseLines sanitizes and parses one build.prop's content: trim
// whitespace around key/value, trim trailing non-printable bytes from
// value, skip blank lines and '#'-comments.
func parseLines(data []byte) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		eq := strings.IndexByte(trimmed, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:eq])
		val := strings.TrimSpace(trimmed[eq+1:])
		for len(val) > 0 && val[len(val)-1] < 0x20 {
			val = val[:len(val)-1]
		}
		if key == "" {
			continue
		}
		out[key] = val
	}
	return out
}

// cache is a simple insert-only map keyed by partition_name+"_"+offset,
// protected by a mutex since the collector fans out concurrently.
type cache struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func newCache() *cache { return &cache{data: map[string]map[string]string{}} }

func (c *cache) get(key string) (map[string]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *cache) put(key string, v map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.data[key]; !exists {
		c.data[key] = v
	}
}

// candidateResult is one (partitionBase, props) pair ready for merging.
type candidateResult struct {
	partitionBase string
	props         map[string]string
}

func readOneCandidate(sources PartitionSource, c *cache, candidateName string) (map[string]string, bool) {
	src, baseOffset, ok := sources.Open(candidateName)
	if !ok {
		return nil, false
	}

	key := candidateName + "_" + strconv.FormatUint(baseOffset, 10)
	if v, ok := c.get(key); ok {
		return v, true
	}

	fs, ok := fsdispatch.Detect(src)
	if !ok {
		return nil, false
	}
	for _, p := range candidatePaths {
		data, ok := fs.ReadTextFile(p)
		if !ok {
			continue
		}
		if !strings.Contains(string(data), "ro.") {
			continue
		}
		props := parseLines(data)
		c.put(key, props)
		return props, true
	}
	return nil, false
}

// Collect expands each base partition name into {base+"_"+slot, base}
// (skipping the first when slot is empty), reads candidates with a
// fixed fan-out of fanOut, and merges results by vendor priority.
func Collect(ctx context.Context, sources PartitionSource, bases []string, slot string, vendor string) *Properties {
	type candidate struct {
		base string
		name string
	}
	var candidates []candidate
	for _, base := range bases {
		if slot != "" {
			candidates = append(candidates, candidate{base: base, name: base + "_" + slot})
		}
		candidates = append(candidates, candidate{base: base, name: base})
	}

	c := newCache()
	results := make([]candidateResult, len(candidates))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fanOut)
	for i, cand := range candidates {
		i, cand := i, cand
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return nil
			}
			props, ok := readOneCandidate(sources, c, cand.name)
			if !ok {
				return nil
			}
			results[i] = candidateResult{partitionBase: cand.base, props: props}
			return nil
		})
	}
	_ = eg.Wait() // workers never return a real error; failures just yield nothing

	var merged []ranked
	for i, r := range results {
		if r.props == nil {
			continue
		}
		merged = append(merged, ranked{rank: priorityRank(vendor, r.partitionBase), order: i, props: r.props})
	}

	// Lowest priority (highest rank number) first, so higher-priority
	// writes land last and override.
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && less(merged[j], merged[j-1]); j-- {
			merged[j], merged[j-1] = merged[j-1], merged[j]
		}
	}

	out := newProperties()
	for _, r := range merged {
		for k, v := range r.props {
			out.Set(k, v)
		}
	}
	return out
}

// ranked pairs a merged candidate's priority rank with its original
// fan-out order, used to produce a stable low-to-high priority merge
// sequence.
type ranked struct {
	rank  int
	order int
	props map[string]string
}

// less orders by descending rank (lowest priority first); ties keep
// original candidate order.
func less(a, b ranked) bool {
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	return a.order < b.order
}
