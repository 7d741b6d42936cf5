package unl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(n int) []*Record {
	out := make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &Record{Identity: tid(byte(i + 1)), Trusted: true})
	}
	return out
}

func TestBuildChosenBelowTargetTakesAll(t *testing.T) {
	c := buildChosen(records(3), 10, 7, 1)
	assert.Equal(t, 3, c.Size())
	for _, r := range records(3) {
		assert.True(t, c.Contains(r.Identity))
	}
}

func TestBuildChosenRespectsTarget(t *testing.T) {
	c := buildChosen(records(50), 10, 7, 1)
	assert.Equal(t, 10, c.Size())

	seen := map[Identity]struct{}{}
	for _, id := range c.Identities {
		_, dup := seen[id]
		require.False(t, dup, "no identity may appear twice")
		seen[id] = struct{}{}
	}
}

func TestBuildChosenDeterministicUnderSeed(t *testing.T) {
	a := buildChosen(records(50), 10, 1234, 1)
	b := buildChosen(records(50), 10, 1234, 2)
	assert.Equal(t, a.Identities, b.Identities, "same candidates and seed give the same draw")

	other := buildChosen(records(50), 10, 5678, 3)
	assert.NotEqual(t, a.Identities, other.Identities, "a different seed gives a different draw")
}

func TestBuildChosenOrderIndependent(t *testing.T) {
	recs := records(50)
	reversed := make([]*Record, len(recs))
	for i, r := range recs {
		reversed[len(recs)-1-i] = r
	}

	a := buildChosen(recs, 10, 99, 1)
	b := buildChosen(reversed, 10, 99, 1)
	assert.Equal(t, a.Identities, b.Identities, "candidate order must not affect the draw")
}

func TestBuildChosenWeightsFavorParticipation(t *testing.T) {
	// One candidate with perfect participation against many silent ones; over
	// many seeds it must be selected far more often than a uniform draw.
	recs := records(20)
	busy := recs[0]
	busy.Score = Score{Rounds: 100, Participated: 100}

	hits := 0
	trials := 200
	for seed := 0; seed < trials; seed++ {
		c := buildChosen(recs, 5, int64(seed), 1)
		if c.Contains(busy.Identity) {
			hits++
		}
	}
	// Uniform selection would give ~50 of 200. The 5x weight should push well
	// past that; 75 keeps the assertion comfortably away from the noise floor.
	assert.Greater(t, hits, 75, "busy validator selected %d/%d times", hits, trials)
}

func TestChosenNilSafety(t *testing.T) {
	var c *Chosen
	assert.Equal(t, 0, c.Size())
	assert.False(t, c.Contains(tid(1)))
}

func TestSampleWeight(t *testing.T) {
	assert.Equal(t, 1.0, sampleWeight(Score{}))
	assert.Equal(t, 5.0, sampleWeight(Score{Rounds: 10, Participated: 10}))
	assert.Equal(t, 3.0, sampleWeight(Score{Rounds: 10, Participated: 5}))
}
