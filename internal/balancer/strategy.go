// Package balancer selects credentials from provider pools.
//
// Available strategies:
//   - RoundRobin: per-provider cursor over insertion order, wrapping.
//   - LeastUsed:  lowest usage_count, ties broken by insertion order.
//   - Random:     uniform draw over eligible members.
package balancer

import (
	"fmt"
	"math/rand"

	"github.com/ferro-labs/credential-gateway/credential"
)

// Strategy names a selection strategy.
type Strategy string

// Supported strategies.
const (
	RoundRobin Strategy = "round_robin"
	LeastUsed  Strategy = "least_used"
	Random     Strategy = "random"
)

// ParseStrategy maps a config value to a Strategy. Empty means RoundRobin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", RoundRobin:
		return RoundRobin, nil
	case LeastUsed, Random:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown balance strategy: %s", s)
	}
}

// pickRoundRobin walks members from cursor and returns the index of the first
// eligible one, or -1.
func pickRoundRobin(members []*credential.Credential, eligible map[string]bool, cursor int) int {
	n := len(members)
	for step := 0; step < n; step++ {
		i := (cursor + step) % n
		if eligible[members[i].ID] {
			return i
		}
	}
	return -1
}

func pickLeastUsed(members []*credential.Credential, eligible map[string]bool) int {
	best := -1
	for i, c := range members {
		if !eligible[c.ID] {
			continue
		}
		// Strict less-than keeps the earliest inserted on ties.
		if best == -1 || c.UsageCount < members[best].UsageCount {
			best = i
		}
	}
	return best
}

func pickRandom(members []*credential.Credential, eligible map[string]bool) int {
	idx := make([]int, 0, len(members))
	for i, c := range members {
		if eligible[c.ID] {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return -1
	}
	return idx[rand.Intn(len(idx))] //nolint:gosec
}
