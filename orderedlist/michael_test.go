package orderedlist

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

// Every list test runs against each reclamation substrate; the container
// contract is substrate-independent.
func domains(t *testing.T) map[string]reclaim.Domain {
	t.Helper()
	hp, err := reclaim.NewHazardDomain(8, 16)
	require.NoError(t, err)
	buf, err := reclaim.NewGeneralBuffered(32)
	require.NoError(t, err)
	threaded := reclaim.NewGeneralThreaded()
	t.Cleanup(func() { _ = threaded.Close() })
	return map[string]reclaim.Domain{
		"hazard":       hp,
		"rcu-instant":  reclaim.NewGeneralInstant(),
		"rcu-buffered": buf,
		"rcu-threaded": threaded,
	}
}

func newList(t *testing.T, dom reclaim.Domain) *List[int, string] {
	t.Helper()
	l, err := New[int, string](dom, intCmp)
	require.NoError(t, err)
	return l
}

func keysOf(l *List[int, string]) []int {
	var keys []int
	it := l.Begin()
	defer it.Close()
	for it.Next() {
		keys = append(keys, it.Node().Key)
	}
	return keys
}

func TestNewRejectsStarvedHazardDomain(t *testing.T) {
	hp, err := reclaim.NewHazardDomain(2, 16)
	require.NoError(t, err)
	_, err = New[int, string](hp, intCmp)
	assert.ErrorIs(t, err, reclaim.ErrResourceExhausted)
}

func TestInsertKeepsOrder(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			l := newList(t, dom)
			for _, k := range []int{5, 3, 8, 1, 9, 2} {
				assert.True(t, l.Insert(&Node[int, string]{Key: k}))
			}
			assert.Equal(t, []int{1, 2, 3, 5, 8, 9}, keysOf(l))
		})
	}
}

func TestInsertIsIdempotentPerKey(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			l := newList(t, dom)
			assert.True(t, l.Insert(&Node[int, string]{Key: 7, Value: "first"}))
			assert.False(t, l.Insert(&Node[int, string]{Key: 7, Value: "second"}))
			assert.Equal(t, 1, l.Size())

			var got string
			require.True(t, l.Find(7, func(n *Node[int, string]) { got = n.Value }))
			assert.Equal(t, "first", got)
		})
	}
}

func TestEraseIsIdempotentPerKey(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			l := newList(t, dom)
			require.True(t, l.Insert(&Node[int, string]{Key: 4}))
			assert.True(t, l.Erase(4))
			assert.False(t, l.Erase(4))
			assert.Equal(t, 0, l.Size())
			assert.True(t, l.Empty())
			assert.False(t, l.Find(4, nil))
		})
	}
}

func TestExtractRoundTrip(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			l := newList(t, dom)
			n := &Node[int, string]{Key: 11, Value: "payload"}
			require.True(t, l.Insert(n))

			got, ok := l.Extract(11)
			require.True(t, ok)
			assert.Same(t, n, got, "extract returns the very node inserted")
			assert.Equal(t, "payload", got.Value)

			_, ok = l.Extract(11)
			assert.False(t, ok)
		})
	}
}

func TestExtractSkipsDisposer(t *testing.T) {
	hp, err := reclaim.NewHazardDomain(8, 1)
	require.NoError(t, err)
	disposed := 0
	l, err := New[int, string](hp, intCmp,
		WithDisposer[int, string](func(*Node[int, string]) { disposed++ }))
	require.NoError(t, err)

	require.True(t, l.Insert(&Node[int, string]{Key: 1}))
	require.True(t, l.Insert(&Node[int, string]{Key: 2}))

	_, ok := l.Extract(1)
	require.True(t, ok)
	require.True(t, l.Erase(2))
	assert.Equal(t, 1, disposed, "only the erased node reaches the disposer")
}

func TestEnsure(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			l := newList(t, dom)

			existed, inserted := l.Ensure(&Node[int, string]{Key: 3, Value: "a"},
				func(existed bool, cur *Node[int, string]) {
					assert.False(t, existed)
				})
			assert.False(t, existed)
			assert.True(t, inserted)

			existed, inserted = l.Ensure(&Node[int, string]{Key: 3, Value: "b"},
				func(existed bool, cur *Node[int, string]) {
					assert.True(t, existed)
					cur.Value = "updated"
				})
			assert.True(t, existed)
			assert.False(t, inserted)
			assert.Equal(t, 1, l.Size())

			var got string
			l.Find(3, func(n *Node[int, string]) { got = n.Value })
			assert.Equal(t, "updated", got)
		})
	}
}

func TestEraseWith(t *testing.T) {
	hp, err := reclaim.NewHazardDomain(8, 16)
	require.NoError(t, err)
	l := newList(t, hp)
	for _, k := range []int{10, 20, 30} {
		require.True(t, l.Insert(&Node[int, string]{Key: k}))
	}
	// Order by decade only: 25 finds and erases 20.
	decade := func(a, b int) int { return intCmp(a/10, b/10) }
	assert.True(t, l.EraseWith(25, decade))
	assert.Equal(t, []int{10, 30}, keysOf(l))
}

func TestEmptyListBoundaries(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			l := newList(t, dom)
			assert.True(t, l.Empty())
			assert.False(t, l.Find(42, nil))
			assert.False(t, l.Erase(42))
			_, ok := l.Extract(42)
			assert.False(t, ok)
		})
	}
}

// Adjacent live nodes must be strictly ordered at any observation point.
func TestAdjacencyInvariantUnderContention(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			l := newList(t, dom)
			const workers = 8
			const opsPerWorker = 400
			const keySpace = 64

			var g errgroup.Group
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					for i := 0; i < opsPerWorker; i++ {
						k := rand.IntN(keySpace)
						switch rand.IntN(3) {
						case 0:
							l.Insert(&Node[int, string]{Key: k})
						case 1:
							l.Erase(k)
						default:
							l.Find(k, nil)
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			keys := keysOf(l)
			assert.True(t, sort.IntsAreSorted(keys), "live nodes out of order: %v", keys)
			for i := 1; i < len(keys); i++ {
				assert.Less(t, keys[i-1], keys[i], "duplicate keys survived")
			}
		})
	}
}

// size() must move by exactly one per successful insert/erase.
func TestSizeTracksSuccessfulOps(t *testing.T) {
	hp, err := reclaim.NewHazardDomain(8, 16)
	require.NoError(t, err)
	l := newList(t, hp)

	const workers = 6
	const perWorker = 200
	var g errgroup.Group
	inserted := make([]int, workers)
	erased := make([]int, workers)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				k := rand.IntN(48)
				if rand.IntN(2) == 0 {
					if l.Insert(&Node[int, string]{Key: k}) {
						inserted[w]++
					}
				} else if l.Erase(k) {
					erased[w]++
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	netInserts := 0
	for w := 0; w < workers; w++ {
		netInserts += inserted[w] - erased[w]
	}
	assert.Equal(t, netInserts, l.Size())
	assert.Len(t, keysOf(l), l.Size())
}

func TestIteratorSkipsDeletedNodes(t *testing.T) {
	hp, err := reclaim.NewHazardDomain(8, 16)
	require.NoError(t, err)
	l := newList(t, hp)
	for k := 0; k < 10; k++ {
		require.True(t, l.Insert(&Node[int, string]{Key: k}))
	}
	for k := 0; k < 10; k += 2 {
		require.True(t, l.Erase(k))
	}
	assert.Equal(t, []int{1, 3, 5, 7, 9}, keysOf(l))
}
