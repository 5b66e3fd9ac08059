package cuckoo

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dijkstracula/lockfree/reclaim"
)

// splitmix-style mixers; pairwise independent by construction (disjoint
// output ranges).
func mix(seed uint64) func(int) uint64 {
	return func(k int) uint64 {
		x := uint64(k) + seed
		x ^= x >> 30
		x *= 0xbf58476d1ce4e5b9
		x ^= x >> 27
		x *= 0x94d049bb133111eb
		x ^= x >> 31
		return x
	}
}

func goodHashes() []func(int) uint64 {
	h0 := mix(0x9e3779b97f4a7c15)
	h1 := mix(0x2545f4914f6cdd1d)
	return []func(int) uint64{
		func(k int) uint64 { return h0(k) &^ 1 },
		func(k int) uint64 { return h1(k) | 1 },
	}
}

// setAPI lets every test run against both policies.
type setAPI interface {
	Insert(int) bool
	Erase(int) bool
	Contains(int) bool
	Size() int
	Empty() bool
	CellCount() uint64
	Range(func(int) bool)
	quiescentCheck(t *testing.T)
}

type stripedAPI struct{ *StripedSet[int] }
type refinableAPI struct{ *RefinableSet[int] }

func (s stripedAPI) quiescentCheck(t *testing.T)   { checkQuiescent(t, &s.core, s.gen.Load()) }
func (s refinableAPI) quiescentCheck(t *testing.T) { checkQuiescent(t, &s.core, s.gen.Load()) }

// checkQuiescent asserts the at-rest invariants: probe sets within
// threshold, and no key stored in more than one of its homes.
func checkQuiescent(t *testing.T, c *core[int], g *generation[int]) {
	t.Helper()
	seen := map[int]int{}
	for tbl := range g.tables {
		for i := range g.tables[tbl] {
			cell := &g.tables[tbl][i]
			assert.LessOrEqual(t, len(cell.items), c.threshold,
				"table %d cell %d over threshold at quiescence", tbl, i)
			for _, e := range cell.items {
				seen[e.key]++
			}
		}
	}
	for k, n := range seen {
		assert.Equal(t, 1, n, "key %d stored %d times", k, n)
	}
	assert.Equal(t, len(seen), c.Size())
}

func bothPolicies(t *testing.T, hashes []func(int) uint64, opts ...Option) map[string]setAPI {
	t.Helper()
	striped, err := NewStriped(hashes, opts...)
	require.NoError(t, err)
	refinable, err := NewRefinable(hashes, opts...)
	require.NoError(t, err)
	return map[string]setAPI{
		"striped":   stripedAPI{striped},
		"refinable": refinableAPI{refinable},
	}
}

func TestConstructionPreconditions(t *testing.T) {
	one := []func(int) uint64{func(k int) uint64 { return uint64(k) }}
	_, err := NewStriped(one)
	assert.ErrorIs(t, err, reclaim.ErrPreconditionViolation, "k must be at least 2")

	_, err = NewStriped(goodHashes(), WithArity(3))
	assert.ErrorIs(t, err, reclaim.ErrPreconditionViolation, "policy arity must match the hash family")

	_, err = NewRefinable(goodHashes(), WithInitialCells(3))
	assert.ErrorIs(t, err, reclaim.ErrPreconditionViolation, "cell count must be a power of two")

	_, err = NewRefinable(goodHashes(), WithProbeCapacity(1))
	assert.ErrorIs(t, err, reclaim.ErrPreconditionViolation)

	_, err = NewStriped(goodHashes(), WithStripes(48))
	assert.ErrorIs(t, err, reclaim.ErrPreconditionViolation, "stripe count must be a power of two")
}

func TestBasicSetOps(t *testing.T) {
	for name, s := range bothPolicies(t, goodHashes()) {
		t.Run(name, func(t *testing.T) {
			assert.True(t, s.Empty())
			assert.True(t, s.Insert(7))
			assert.False(t, s.Insert(7), "duplicate insert")
			assert.True(t, s.Contains(7))
			assert.False(t, s.Contains(8))
			assert.Equal(t, 1, s.Size())

			assert.True(t, s.Erase(7))
			assert.False(t, s.Erase(7), "double erase")
			assert.False(t, s.Contains(7))
			assert.True(t, s.Empty())
		})
	}
}

// Relocation scenario from the acceptance sheet: k=2, P=4 (so T=3), N=4,
// and 12 keys engineered to exactly fill the quiescent capacity of the
// four home cells; the 12th insert overflows and relocation settles it.
func TestRelocationSettlesOverflow(t *testing.T) {
	colliding := []func(int) uint64{
		func(k int) uint64 { return uint64(k & 1) },
		func(k int) uint64 { return uint64((k>>1)&1) | 8 },
	}
	for name, s := range bothPolicies(t, colliding,
		WithInitialCells(4), WithProbeCapacity(4), WithLoadFactor(1), WithMaxCells(4)) {
		t.Run(name, func(t *testing.T) {
			for k := 0; k < 12; k++ {
				require.True(t, s.Insert(k), "insert %d", k)
			}
			assert.Equal(t, 12, s.Size())
			for k := 0; k < 12; k++ {
				assert.True(t, s.Contains(k), "key %d after relocation", k)
			}
			assert.EqualValues(t, 4, s.CellCount(), "relocation alone must cope, no resize")
			s.quiescentCheck(t)
		})
	}
}

// A failed relocation (or crossed load threshold) must double the table
// and let the insert complete.
func TestResizeGrowsAndPreservesMembership(t *testing.T) {
	for name, s := range bothPolicies(t, goodHashes(),
		WithInitialCells(2), WithProbeCapacity(2), WithLoadFactor(0.9)) {
		t.Run(name, func(t *testing.T) {
			const n = 200
			for k := 0; k < n; k++ {
				require.True(t, s.Insert(k), "insert %d", k)
			}
			assert.Equal(t, n, s.Size())
			assert.Greater(t, s.CellCount(), uint64(2), "table must have doubled")
			for k := 0; k < n; k++ {
				assert.True(t, s.Contains(k), "key %d survived resizes", k)
			}
			s.quiescentCheck(t)
		})
	}
}

func TestRangeSeesAllKeysAtQuiescence(t *testing.T) {
	for name, s := range bothPolicies(t, goodHashes()) {
		t.Run(name, func(t *testing.T) {
			want := map[int]bool{}
			for k := 0; k < 50; k++ {
				require.True(t, s.Insert(k))
				want[k] = true
			}
			got := map[int]bool{}
			s.Range(func(k int) bool {
				got[k] = true
				return true
			})
			assert.Equal(t, want, got)
		})
	}
}

func TestConcurrentMixedWorkload(t *testing.T) {
	for name, s := range bothPolicies(t, goodHashes(),
		WithInitialCells(4), WithProbeCapacity(4)) {
		t.Run(name, func(t *testing.T) {
			const workers = 8
			inserted := make([]int, workers)
			erased := make([]int, workers)
			var g errgroup.Group
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					for i := 0; i < 400; i++ {
						k := rand.IntN(96)
						switch rand.IntN(3) {
						case 0:
							if s.Insert(k) {
								inserted[w]++
							}
						case 1:
							if s.Erase(k) {
								erased[w]++
							}
						default:
							s.Contains(k)
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			net := 0
			for w := 0; w < workers; w++ {
				net += inserted[w] - erased[w]
			}
			assert.Equal(t, net, s.Size())
			s.quiescentCheck(t)
		})
	}
}
