package hashchain_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jmerrifield20/batchledger/internal/hashchain"
)

// Property: replaying any well-formed chain reproduces the stored head.
func TestChainReplayReproducesHead(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("head recomputation is idempotent", prop.ForAll(
		func(n int) bool {
			events := buildChain(t, n)
			h1, err1 := hashchain.Head(hashchain.GenesisHash, events)
			h2, err2 := hashchain.Head(hashchain.GenesisHash, events)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2 && h1 == events[n-1].Hash
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

// Property: dropping any single interior event is detected at that position.
func TestChainGapDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("gaps are integrity violations", prop.ForAll(
		func(n, drop int) bool {
			if drop >= n-1 {
				drop = n - 2
			}
			events := buildChain(t, n)
			gapped := append(events[:drop:drop], events[drop+1:]...)
			res := hashchain.ValidateChain(hashchain.GenesisHash, gapped)
			return !res.Valid && *res.BrokenAt == int64(drop)
		},
		gen.IntRange(3, 30),
		gen.IntRange(0, 28),
	))

	properties.TestingRun(t)
}
