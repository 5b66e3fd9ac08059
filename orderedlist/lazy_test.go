package orderedlist

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dijkstracula/lockfree/reclaim"
)

func newLazy(t *testing.T, dom reclaim.Domain) *LazyList[int, string] {
	t.Helper()
	l, err := NewLazy[int, string](dom, intCmp)
	require.NoError(t, err)
	return l
}

func lazyKeys(l *LazyList[int, string]) []int {
	var keys []int
	for n, _ := l.head.Next(); n != l.tail; n, _ = n.Next() {
		if !n.marked.Load() {
			keys = append(keys, n.Key)
		}
	}
	return keys
}

func TestLazyBasicOps(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			l := newLazy(t, dom)
			for _, k := range []int{5, 3, 8, 3, 1} {
				l.Insert(&LazyNode[int, string]{Key: k})
			}
			assert.Equal(t, []int{1, 3, 5, 8}, lazyKeys(l))
			assert.Equal(t, 4, l.Size())

			assert.True(t, l.Find(3, nil))
			assert.True(t, l.Erase(3))
			assert.False(t, l.Erase(3))
			assert.False(t, l.Find(3, nil))
			assert.Equal(t, []int{1, 5, 8}, lazyKeys(l))
		})
	}
}

func TestLazyExtract(t *testing.T) {
	hp, err := reclaim.NewHazardDomain(8, 1)
	require.NoError(t, err)
	disposed := 0
	l, err := NewLazy[int, string](hp, intCmp,
		WithLazyDisposer[int, string](func(*LazyNode[int, string]) { disposed++ }))
	require.NoError(t, err)

	n := &LazyNode[int, string]{Key: 9, Value: "v"}
	require.True(t, l.Insert(n))
	got, ok := l.Extract(9)
	require.True(t, ok)
	assert.Same(t, n, got)
	assert.Equal(t, 0, disposed, "extracted nodes bypass the disposer")

	require.True(t, l.Insert(&LazyNode[int, string]{Key: 10}))
	require.True(t, l.Erase(10))
	assert.Equal(t, 1, disposed)
}

func TestLazyConcurrentMix(t *testing.T) {
	for name, dom := range domains(t) {
		t.Run(name, func(t *testing.T) {
			l := newLazy(t, dom)
			const workers = 8
			var g errgroup.Group
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					for i := 0; i < 300; i++ {
						k := rand.IntN(32)
						switch rand.IntN(3) {
						case 0:
							l.Insert(&LazyNode[int, string]{Key: k})
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

			keys := lazyKeys(l)
			for i := 1; i < len(keys); i++ {
				assert.Less(t, keys[i-1], keys[i])
			}
			assert.Equal(t, len(keys), l.Size())
		})
	}
}
