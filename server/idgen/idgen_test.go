package idgen

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormat(t *testing.T) {
	id := New()
	assert.Len(t, id, 24)
	assert.Regexp(t, "^[0-9a-f]{24}$", id)
}

func TestNextMonotonic(t *testing.T) {
	g := NewGenerator()
	fixed := time.UnixMilli(1_700_000_000_000)
	g.now = func() time.Time { return fixed }

	var ids []string
	for i := 0; i < 1000; i++ {
		ids = append(ids, g.Next())
	}
	assert.True(t, sort.StringsAreSorted(ids))

	// clock moving backwards must not break ordering
	fixed = fixed.Add(-time.Hour)
	next := g.Next()
	assert.Greater(t, next, ids[len(ids)-1])
}

func TestNextUniqueConcurrent(t *testing.T) {
	g := NewGenerator()
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*perWorker)
}
