// Package config resolves the VM Builder's configuration record (spec
// §3 Parameter) from CLI flags and their shadowing environment
// variables, including the memory-size clamp (property 2) and the
// affinity/gdb validation startup rejects (properties 7, 8).
package config

import (
	"fmt"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/sirupsen/logrus"
)

const (
	// MinMemSize is the minimum guest memory size (property 2).
	MinMemSize = 16 << 20
	// DefaultMemSize is used when --memsize is not given.
	DefaultMemSize = 64 << 20
)

// Parameter mirrors spec.md §3's configuration record.
type Parameter struct {
	MemSize     uint64
	NumCPUs     int
	Verbose     bool
	Hugepage    bool
	Mergeable   bool
	NIC         string
	GDBPort     uint16
	CPUAffinity []int

	// IP, Gateway, Mask are threaded through but inert unless NETINFO
	// is invoked (§9 design note); the CLI seam for them is absent, so
	// these are only ever set by a caller constructing Parameter
	// directly (e.g. a future config file), not by cmd/uhyve today.
	IP      string
	Gateway string
	Mask    string
}

// ParseMemSize parses an SI-suffixed size string (e.g. "256M", "2G")
// and clamps it to MinMemSize, logging a warning when it does
// (property 2). An empty string yields DefaultMemSize.
func ParseMemSize(s string, log *logrus.Entry) (uint64, error) {
	if s == "" {
		return DefaultMemSize, nil
	}
	bytes, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid memsize %q: %w", s, err)
	}
	if bytes < MinMemSize {
		if log != nil {
			log.Warnf("resizing guest memory to %s", bytefmt.ByteSize(MinMemSize))
		}
		return MinMemSize, nil
	}
	return bytes, nil
}

// ParseRanges parses a CSV list of integers and inclusive ranges
// ("0,2-4,7") into a sorted, deduplicated slice of core ids, matching
// the original's utils::parse_ranges affinity grammar.
func ParseRanges(s string) ([]int, error) {
	var out []int
	seen := make(map[int]bool)

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, err := parseRange(part)
		if err != nil {
			return nil, err
		}
		for v := lo; v <= hi; v++ {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func parseRange(s string) (lo, hi int, err error) {
	if i := strings.IndexByte(s, '-'); i >= 0 {
		lo, err = strconv.Atoi(strings.TrimSpace(s[:i]))
		if err != nil {
			return 0, 0, fmt.Errorf("config: invalid range %q: %w", s, err)
		}
		hi, err = strconv.Atoi(strings.TrimSpace(s[i+1:]))
		if err != nil {
			return 0, 0, fmt.Errorf("config: invalid range %q: %w", s, err)
		}
		if hi < lo {
			return 0, 0, fmt.Errorf("config: invalid range %q: end before start", s)
		}
		return lo, hi, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("config: invalid cpu id %q: %w", s, err)
	}
	return v, v, nil
}

// Validate enforces the startup rejections of properties 7 and 8:
// affinity count must equal num_cpus, and a gdb port requires exactly
// one vCPU. Both are checked before any vCPU is spawned (spec §7 kind 2).
func (p Parameter) Validate() error {
	if p.CPUAffinity != nil && len(p.CPUAffinity) != p.NumCPUs {
		return fmt.Errorf("config: --affinity lists %d cores but --cpus is %d", len(p.CPUAffinity), p.NumCPUs)
	}
	if p.GDBPort != 0 && p.NumCPUs != 1 {
		return fmt.Errorf("config: --gdb_port requires --cpus 1, got %d", p.NumCPUs)
	}
	return nil
}
