package ellentree

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dijkstracula/lockfree/reclaim"
)

func intCmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func domains(t *testing.T) map[string]reclaim.Domain {
	t.Helper()
	hp, err := reclaim.NewHazardDomain(SlotDemand, 32)
	require.NoError(t, err)
	threaded := reclaim.NewGeneralThreaded()
	t.Cleanup(func() { _ = threaded.Close() })
	return map[string]reclaim.Domain{
		"hazard":       hp,
		"rcu-instant":  reclaim.NewGeneralInstant(),
		"rcu-threaded": threaded,
	}
}

func newTree(t *testing.T, dom reclaim.Domain) *Tree[int, string] {
	t.Helper()
	tr, err := New[int, string](dom, intCmp)
	require.NoError(t, err)
	return tr
}

func inorder(tr *Tree[int, string]) []int {
	var keys []int
	tr.InOrder(func(k int, _ *string) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

func TestNewRejectsStarvedHazardDomain(t *testing.T) {
	hp, err := reclaim.NewHazardDomain(SlotDemand-1, 32)
	require.NoError(t, err)
	_, err = New[int, string](hp, intCmp)
	assert.ErrorIs(t, err, reclaim.ErrResourceExhausted)
}

// Ordering scenario from the acceptance sheet.
func TestInOrderAfterInsertAndErase(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			tr := newTree(t, dom)
			for _, k := range []int{10, 5, 15, 3, 7, 12, 20} {
				require.True(t, tr.Insert(k, "v"))
			}
			assert.Equal(t, []int{3, 5, 7, 10, 12, 15, 20}, inorder(tr))

			require.True(t, tr.Erase(10))
			assert.Equal(t, []int{3, 5, 7, 12, 15, 20}, inorder(tr))
			assert.False(t, tr.Find(10, nil))
			assert.True(t, tr.Find(7, nil))
		})
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	tr := newTree(t, reclaim.NewGeneralInstant())
	assert.True(t, tr.Insert(1, "a"))
	assert.False(t, tr.Insert(1, "b"))
	assert.Equal(t, 1, tr.Size())

	var got string
	require.True(t, tr.Find(1, func(v *string) { got = *v }))
	assert.Equal(t, "a", got)
}

func TestEraseIdempotent(t *testing.T) {
	tr := newTree(t, reclaim.NewGeneralInstant())
	require.True(t, tr.Insert(4, "v"))
	assert.True(t, tr.Erase(4))
	assert.False(t, tr.Erase(4))
	assert.True(t, tr.Empty())
}

func TestEmptyBoundaries(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			tr := newTree(t, dom)
			assert.False(t, tr.Find(1, nil))
			_, _, ok := tr.ExtractMin()
			assert.False(t, ok)
			_, _, ok = tr.ExtractMax()
			assert.False(t, ok)
		})
	}
}

func TestExtractMinMax(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			tr := newTree(t, dom)
			for _, k := range []int{8, 2, 5, 11, 1} {
				require.True(t, tr.Insert(k, "v"))
			}

			k, _, ok := tr.ExtractMin()
			require.True(t, ok)
			assert.Equal(t, 1, k)

			k, _, ok = tr.ExtractMax()
			require.True(t, ok)
			assert.Equal(t, 11, k)

			assert.Equal(t, []int{2, 5, 8}, inorder(tr))

			// Singleton: min and max coincide.
			tr2 := newTree(t, reclaim.NewGeneralInstant())
			require.True(t, tr2.Insert(42, "v"))
			mn, _, ok := tr2.ExtractMin()
			require.True(t, ok)
			require.True(t, tr2.Insert(42, "v"))
			mx, _, ok := tr2.ExtractMax()
			require.True(t, ok)
			assert.Equal(t, mn, mx)
		})
	}
}

func TestExtractBypassesDisposer(t *testing.T) {
	hp, err := reclaim.NewHazardDomain(SlotDemand, 1)
	require.NoError(t, err)
	disposed := map[int]bool{}
	tr, err := New[int, string](hp, intCmp,
		WithDisposer[int, string](func(k int, _ string) { disposed[k] = true }))
	require.NoError(t, err)

	require.True(t, tr.Insert(1, "keep"))
	require.True(t, tr.Insert(2, "drop"))

	v, ok := tr.Extract(1)
	require.True(t, ok)
	assert.Equal(t, "keep", v)
	require.True(t, tr.Erase(2))

	assert.False(t, disposed[1], "extracted payload must not reach the disposer")
	assert.True(t, disposed[2])
}

// Every internal node routes over exactly two children, and the leaves
// read off in sorted order; checked after a randomized workload.
func checkShape(t *testing.T, tr *Tree[int, string]) {
	var walk func(n *node[int, string], leaves *[]int)
	walk = func(n *node[int, string], leaves *[]int) {
		if n.leaf {
			if n.inf == 0 {
				*leaves = append(*leaves, n.key)
			}
			return
		}
		l, r := n.left.Load(), n.right.Load()
		require.NotNil(t, l, "internal node with nil left child")
		require.NotNil(t, r, "internal node with nil right child")
		walk(l, leaves)
		walk(r, leaves)
	}
	var leaves []int
	walk(tr.root, &leaves)
	assert.True(t, sort.IntsAreSorted(leaves), "in-order leaves: %v", leaves)
	for i := 1; i < len(leaves); i++ {
		assert.Less(t, leaves[i-1], leaves[i], "duplicate leaves")
	}
	assert.Len(t, leaves, tr.Size())
}

func TestConcurrentMixPreservesShape(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			tr := newTree(t, dom)
			const workers = 8
			var g errgroup.Group
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					for i := 0; i < 400; i++ {
						k := rand.IntN(64)
						switch rand.IntN(3) {
						case 0:
							tr.Insert(k, "v")
						case 1:
							tr.Erase(k)
						default:
							tr.Find(k, nil)
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			checkShape(t, tr)
		})
	}
}

// Hot contention on few keys maximizes flag/help collisions; the counts
// must still balance.
func TestHelpingUnderHotContention(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			tr := newTree(t, dom)
			const workers = 8
			inserts := make([]int, workers)
			erases := make([]int, workers)
			var g errgroup.Group
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					for i := 0; i < 500; i++ {
						k := rand.IntN(4)
						if rand.IntN(2) == 0 {
							if tr.Insert(k, "v") {
								inserts[w]++
							}
						} else if tr.Erase(k) {
							erases[w]++
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			net := 0
			for w := 0; w < workers; w++ {
				net += inserts[w] - erases[w]
			}
			assert.Equal(t, net, tr.Size())
			checkShape(t, tr)
		})
	}
}

func TestConcurrentExtractMinDrains(t *testing.T) {
	tr := newTree(t, reclaim.NewGeneralInstant())
	const n = 200
	for k := 0; k < n; k++ {
		require.True(t, tr.Insert(k, "v"))
	}
	var g errgroup.Group
	counts := make([]map[int]bool, 4)
	for w := 0; w < 4; w++ {
		counts[w] = map[int]bool{}
		g.Go(func() error {
			for {
				k, _, ok := tr.ExtractMin()
				if !ok {
					return nil
				}
				counts[w][k] = true
			}
		})
	}
	require.NoError(t, g.Wait())

	seen := map[int]int{}
	for _, m := range counts {
		for k := range m {
			seen[k]++
		}
	}
	assert.Len(t, seen, n)
	for k, c := range seen {
		assert.Equal(t, 1, c, "key %d extracted twice", k)
	}
	assert.True(t, tr.Empty())
}
