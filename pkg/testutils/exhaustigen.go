package testutils

import "github.com/argus-labs/netcode/pkg/assert"

// Gen walks every combination of the values requested from it. Used to enumerate delivery
// patterns (which packets of a stream are lost) instead of sampling them.
//
// Each pass of `for !g.Done()` produces a sequence of values, each with the bound requested by the
// caller:
//
//	value:  3 1 4 4
//	bound:  5 4 4 4
//
// The next sequence is the smallest one larger than the current that still satisfies the bounds:
// increment the rightmost value that is below its bound and zero everything after it.
//
// See: <https://matklad.github.io/2021/11/07/generate-all-the-things.html>
type Gen struct {
	started bool
	v       [32]struct{ value, bound uint32 }
	p       int
	pMax    int
}

// NewGen creates a new exhaustive generator.
func NewGen() *Gen {
	return &Gen{}
}

// Done reports whether every combination has been produced.
func (g *Gen) Done() bool {
	if !g.started {
		g.started = true
		return false
	}
	for i := g.pMax; i > 0; {
		i--
		if g.v[i].value < g.v[i].bound {
			g.v[i].value++
			g.pMax = i + 1
			g.p = 0
			return false
		}
	}
	return true
}

func (g *Gen) gen(bound uint32) uint32 {
	assert.That(g.p < len(g.v), "exhaustigen: exceeded maximum depth of 32")
	if g.p == g.pMax {
		g.v[g.p] = struct{ value, bound uint32 }{}
		g.pMax++
	}
	g.p++
	g.v[g.p-1].bound = bound
	return g.v[g.p-1].value
}

// Intn returns an int in range [0, bound] (inclusive).
func (g *Gen) Intn(bound int) int {
	return int(g.gen(uint32(bound))) //nolint:gosec // bound is expected to be small in tests
}

// Bool returns an exhaustive boolean value.
func (g *Gen) Bool() bool {
	return g.Intn(1) == 1
}

// LossPattern returns n delivery flags (true = lost) with no run of losses longer than
// maxConsecutive. Across a full Gen loop every such pattern is produced exactly once.
func LossPattern(g *Gen, n, maxConsecutive int) []bool {
	lost := make([]bool, n)
	run := 0
	for i := range lost {
		if run >= maxConsecutive {
			run = 0
			continue
		}
		lost[i] = g.Bool()
		if lost[i] {
			run++
		} else {
			run = 0
		}
	}
	return lost
}
