//go:build property
// +build property

package budget

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// lruModel mirrors the cache with a linear scan: on insert of a new key at
// capacity, the key with the oldest access step leaves.
type lruModel struct {
	capacity int
	access   map[string]int64
}

func (m *lruModel) put(key string, step int64) {
	if _, ok := m.access[key]; !ok && len(m.access) >= m.capacity {
		oldest, oldestStep := "", int64(1<<62)
		for k, s := range m.access {
			if s < oldestStep {
				oldest, oldestStep = k, s
			}
		}
		delete(m.access, oldest)
	}
	m.access[key] = step
}

func (m *lruModel) get(key string, step int64) bool {
	if _, ok := m.access[key]; !ok {
		return false
	}
	m.access[key] = step
	return true
}

// TestCache_StrictLRUMatchesModel drives the cache and a reference model with
// the same operation sequence and requires identical hit/miss answers and
// identical survivors.
func TestCache_StrictLRUMatchesModel(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	keys := []string{"a", "b", "c", "d", "e", "f"}

	properties.Property("eviction always removes the oldest access", prop.ForAll(
		func(ops []int) bool {
			const capacity = 4
			c := NewCache(capacity, 365*24*time.Hour)
			var step int64
			c.now = func() time.Time { return time.Unix(step, 0) }

			model := &lruModel{capacity: capacity, access: make(map[string]int64)}

			for _, op := range ops {
				step++
				key := keys[(op/2)%len(keys)]
				if op%2 == 0 {
					c.Put(key, Entry{Response: key})
					model.put(key, step)
				} else {
					_, got := c.Get(key)
					if got != model.get(key, step) {
						return false
					}
				}
			}

			if c.Len() != len(model.access) {
				return false
			}
			for _, key := range keys {
				_, inCache := c.entries[key]
				_, inModel := model.access[key]
				if inCache != inModel {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
