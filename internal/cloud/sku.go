package cloud

import (
	"sort"
	"strings"
)

// DefaultFallbackSize is used when no SKU in the catalog satisfies the size
// limits.
const DefaultFallbackSize = "Standard_B1s"

// SKU is a VM size offered in a region.
type SKU struct {
	Name       string
	Family     string
	VCPUs      int
	MemoryGB   float64
	Restricted bool
}

// SizeLimits bounds the SKUs SelectSize will consider.
type SizeLimits struct {
	Family      string // empty matches every family
	MaxVCPUs    int
	MaxMemoryGB float64
}

// SelectSize returns the name of the qualifying SKU with the least memory.
// A SKU qualifies when it is in the requested family, is not restricted in
// the region, has at most MaxVCPUs vCPUs and at most MaxMemoryGB of memory.
// Ties on memory go to fewer vCPUs, then to the lexically smaller name.
// The second return value is false when fallback was used.
func SelectSize(skus []SKU, limits SizeLimits, fallback string) (string, bool) {
	var candidates []SKU
	for _, s := range skus {
		if s.Restricted {
			continue
		}
		if limits.Family != "" && !strings.EqualFold(s.Family, limits.Family) {
			continue
		}
		if s.VCPUs <= 0 || s.VCPUs > limits.MaxVCPUs {
			continue
		}
		if s.MemoryGB <= 0 || s.MemoryGB > limits.MaxMemoryGB {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return fallback, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.MemoryGB != b.MemoryGB {
			return a.MemoryGB < b.MemoryGB
		}
		if a.VCPUs != b.VCPUs {
			return a.VCPUs < b.VCPUs
		}
		return a.Name < b.Name
	})
	return candidates[0].Name, true
}
