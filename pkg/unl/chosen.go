package unl

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// Chosen is an immutable snapshot of the trusted subset handed to consensus.
// Readers hold it directly; a rebuild swaps in a fresh snapshot and never
// mutates a published one.
type Chosen struct {
	Seq        uint64     `json:"seq"`
	BuiltAt    time.Time  `json:"builtAt"`
	Seed       int64      `json:"-"`
	Identities []Identity `json:"identities"`

	members map[Identity]struct{}
}

// Size returns the number of chosen validators.
func (c *Chosen) Size() int {
	if c == nil {
		return 0
	}
	return len(c.Identities)
}

// Contains reports whether id is in the snapshot.
func (c *Chosen) Contains(id Identity) bool {
	if c == nil {
		return false
	}
	_, ok := c.members[id]
	return ok
}

// sampleWeight maps a participation score to a selection weight. Any record
// is selectable (floor of 1), and weight grows monotonically with the
// fraction of rounds participated, so busier validators win ties over
// silent ones.
func sampleWeight(s Score) float64 {
	return 1.0 + 4.0*s.Percent()
}

// buildChosen selects min(len(candidates), target) validators. Below the
// target the whole population is taken; above it the set is sampled without
// replacement using Efraimidis-Spirakis exponential keys, so selection
// probability is proportional to sampleWeight. The result is fully
// determined by (candidates, target, seed).
func buildChosen(candidates []*Record, target int, seed int64, seq uint64) *Chosen {
	// Fixed iteration order makes the seeded draw reproducible.
	sorted := make([]*Record, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identity < sorted[j].Identity })

	picked := make([]Identity, 0, min(len(sorted), target))
	if len(sorted) <= target {
		for _, r := range sorted {
			picked = append(picked, r.Identity)
		}
	} else {
		rng := rand.New(rand.NewSource(seed))
		type keyed struct {
			id  Identity
			key float64
		}
		keys := make([]keyed, len(sorted))
		for i, r := range sorted {
			u := rng.Float64()
			for u == 0 {
				u = rng.Float64()
			}
			keys[i] = keyed{id: r.Identity, key: math.Pow(u, 1.0/sampleWeight(r.Score))}
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].key != keys[j].key {
				return keys[i].key > keys[j].key
			}
			return keys[i].id < keys[j].id
		})
		for _, k := range keys[:target] {
			picked = append(picked, k.id)
		}
		sort.Slice(picked, func(i, j int) bool { return picked[i] < picked[j] })
	}

	members := make(map[Identity]struct{}, len(picked))
	for _, id := range picked {
		members[id] = struct{}{}
	}
	return &Chosen{
		Seq:        seq,
		BuiltAt:    time.Now().UTC(),
		Seed:       seed,
		Identities: picked,
		members:    members,
	}
}
