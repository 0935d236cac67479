// Package slot reduces per-partition GPT attribute bits into a single
// current-slot verdict for Android A/B devices, following the priority/
// active/successful/unbootable tie-break rules a bootloader itself
// applies. No repo in the retrieval pack models Android boot-slot
// semantics, so this is a fresh implementation (see DESIGN.md).
package slot

import (
	"strings"

	"github.com/edl-core/firmcore/internal/gpt"
)

// Verdict is the reduced current-slot decision.
type Verdict string

const (
	SlotA           Verdict = "A"
	SlotB           Verdict = "B"
	Unknown         Verdict = "Unknown"
	Undefined       Verdict = "Undefined"
	NonExistent     Verdict = "NonExistent"
)

// Result carries the verdict plus the per-slot metrics that produced it.
type Result struct {
	Verdict      Verdict
	Method       string
	ActiveA      int
	ActiveB      int
	SuccessfulA  int
	SuccessfulB  int
	UnbootableA  int
	UnbootableB  int
	AvgPriorityA float64
	AvgPriorityB float64
}

const (
	bitPriorityLo = 48
	bitPriorityHi = 49
	bitActive     = 50
	bitSuccessful = 51
	bitUnbootable = 52
)

func bit(attrs uint64, n uint) bool { return attrs&(1<<n) != 0 }

func priority(attrs uint64) int {
	p := 0
	if bit(attrs, bitPriorityLo) {
		p |= 1
	}
	if bit(attrs, bitPriorityHi) {
		p |= 2
	}
	return p
}

// priorityKeySet restricts the A/B set to partitions whose base name is
// one of these boot-critical partitions.
var priorityKeySet = map[string]bool{
	"boot": true, "system": true, "vendor": true, "abl": true,
	"xbl": true, "dtbo": true, "vbmeta": true, "product": true,
	"odm": true, "system_ext": true,
}

var excludedFromFallback = map[string]bool{
	"vendor_boot": true, "init_boot": true,
}

func baseName(name string) (base string, slot byte, isAB bool) {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, "_a") {
		return lower[:len(lower)-2], 'a', true
	}
	if strings.HasSuffix(lower, "_b") {
		return lower[:len(lower)-2], 'b', true
	}
	return lower, 0, false
}

// Detect reduces GPT partitions into a slot verdict.
func Detect(partitions []gpt.Partition) Result {
	type metrics struct {
		active, successful, unbootable int
		prioritySum                    int
		count                          int
	}
	var a, b metrics

	abNames := map[string]bool{}
	for _, p := range partitions {
		if _, _, isAB := baseName(p.Name); isAB {
			abNames[strings.ToLower(p.Name)] = true
		}
	}
	if len(abNames) == 0 {
		return Result{Verdict: NonExistent, Method: "no A/B partitions present"}
	}

	selected := map[string]bool{}
	for name := range abNames {
		base, _, _ := baseName(name)
		if priorityKeySet[base] {
			selected[name] = true
		}
	}
	method := "priority key set"
	if len(selected) == 0 {
		method = "A/B set minus vendor_boot/init_boot"
		for name := range abNames {
			base, _, _ := baseName(name)
			if !excludedFromFallback[base] {
				selected[name] = true
			}
		}
	}

	for _, p := range partitions {
		name := strings.ToLower(p.Name)
		if !selected[name] {
			continue
		}
		_, slotChar, isAB := baseName(name)
		if !isAB {
			continue
		}
		m := &a
		if slotChar == 'b' {
			m = &b
		}
		if bit(p.Attributes, bitActive) {
			m.active++
		}
		if bit(p.Attributes, bitSuccessful) {
			m.successful++
		}
		if bit(p.Attributes, bitUnbootable) {
			m.unbootable++
		}
		m.prioritySum += priority(p.Attributes)
		m.count++
	}

	avg := func(m metrics) float64 {
		if m.count == 0 {
			return 0
		}
		return float64(m.prioritySum) / float64(m.count)
	}
	avgA, avgB := avg(a), avg(b)

	res := Result{
		Method:       method,
		ActiveA:      a.active,
		ActiveB:      b.active,
		SuccessfulA:  a.successful,
		SuccessfulB:  b.successful,
		UnbootableA:  a.unbootable,
		UnbootableB:  b.unbootable,
		AvgPriorityA: avgA,
		AvgPriorityB: avgB,
	}

	// Rule 6: if no partition is active, Undefined.
	if a.active == 0 && b.active == 0 {
		res.Verdict = Undefined
		res.Method = "no active partition"
		return res
	}

	// Rule 1: higher active count wins.
	if a.active != b.active {
		if a.active > b.active {
			res.Verdict = SlotA
		} else {
			res.Verdict = SlotB
		}
		res.Method = "active count"
		return res
	}

	// Rule 2: higher average priority wins, tolerance 0.1.
	if diff := avgA - avgB; diff > 0.1 || diff < -0.1 {
		if avgA > avgB {
			res.Verdict = SlotA
		} else {
			res.Verdict = SlotB
		}
		res.Method = "average priority"
		return res
	}

	// Rule 3: higher successful count wins.
	if a.successful != b.successful {
		if a.successful > b.successful {
			res.Verdict = SlotA
		} else {
			res.Verdict = SlotB
		}
		res.Method = "successful count"
		return res
	}

	// Rule 4: lower unbootable count wins.
	if a.unbootable != b.unbootable {
		if a.unbootable < b.unbootable {
			res.Verdict = SlotA
		} else {
			res.Verdict = SlotB
		}
		res.Method = "unbootable count"
		return res
	}

	// Rule 5: both sides active and all four metrics tie -> Unknown.
	if a.active > 0 && b.active > 0 {
		res.Verdict = Unknown
		res.Method = "tie across all metrics"
		return res
	}

	// Rule 7: otherwise, Unknown.
	res.Verdict = Unknown
	res.Method = "no deciding rule matched"
	return res
}
