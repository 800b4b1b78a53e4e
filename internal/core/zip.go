package core

import (
	"fmt"
	"slices"
	"strings"
)

// TexasZipPrefixes are the three-digit ZIP prefixes assigned to Texas.
var TexasZipPrefixes = func() []string {
	var p []string
	for i := 733; i <= 738; i++ {
		p = append(p, fmt.Sprintf("%03d", i))
	}
	for i := 750; i <= 799; i++ {
		p = append(p, fmt.Sprintf("%03d", i))
	}
	return append(p, "885")
}()

// Region decides which ZIP codes the service answers for.
type Region struct {
	prefixes map[string]struct{}
}

// NewRegion builds a Region from three-digit prefixes. An empty list means Texas.
func NewRegion(prefixes []string) Region {
	if len(prefixes) == 0 {
		prefixes = TexasZipPrefixes
	}
	r := Region{prefixes: make(map[string]struct{}, len(prefixes))}
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p != "" {
			r.prefixes[p] = struct{}{}
		}
	}
	return r
}

// Prefixes returns the configured prefixes, sorted.
func (r Region) Prefixes() []string {
	out := make([]string, 0, len(r.prefixes))
	for p := range r.prefixes {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// ValidateZip checks that zip is exactly five ASCII digits and falls inside the region.
func (r Region) ValidateZip(zip string) error {
	if !IsWellFormedZip(zip) {
		return fmt.Errorf("%w: zip code must be exactly 5 digits", ErrInvalidInput)
	}
	if _, ok := r.prefixes[zip[:3]]; !ok {
		return fmt.Errorf("%w: %s", ErrOutOfRegion, zip)
	}
	return nil
}

func IsWellFormedZip(zip string) bool {
	if len(zip) != 5 {
		return false
	}
	for i := 0; i < len(zip); i++ {
		if zip[i] < '0' || zip[i] > '9' {
			return false
		}
	}
	return true
}
