package statestore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderedSetEvictsOldestAtCap(t *testing.T) {
	s := newOrderedSet(3)
	s.add("a", nil)
	s.add("b", nil)
	s.add("c", nil)

	evicted, did := s.add("d", nil)
	assert.True(t, did)
	assert.Equal(t, "a", evicted)
	assert.False(t, s.has("a"))
	assert.True(t, s.has("d"))
	assert.Equal(t, []string{"b", "c", "d"}, s.items())
}

func TestOrderedSetDuplicateIsNoop(t *testing.T) {
	s := newOrderedSet(2)
	s.add("a", nil)
	_, did := s.add("a", nil)
	assert.False(t, did)
	assert.Equal(t, []string{"a"}, s.items())
}

func TestOrderedSetSkipsInUseEntry(t *testing.T) {
	s := newOrderedSet(2)
	s.add("a", nil)
	s.add("b", nil)

	inUse := map[string]bool{"a": true}
	evicted, did := s.add("c", func(k string) bool { return inUse[k] })
	assert.True(t, did)
	assert.Equal(t, "b", evicted, "in-use entry a must be skipped in favor of b")
	assert.True(t, s.has("a"))
	assert.True(t, s.has("c"))
}

func TestOrderedSetAllInUseEvictsNothing(t *testing.T) {
	s := newOrderedSet(2)
	s.add("a", nil)
	s.add("b", nil)

	_, did := s.add("c", func(string) bool { return true })
	assert.False(t, did)
	assert.True(t, s.has("a"))
	assert.True(t, s.has("b"))
	assert.False(t, s.has("c"))
}

func TestOrderedMapEvictsOldestAtCap(t *testing.T) {
	m := newOrderedMap(2)
	m.put("a", 1, nil)
	m.put("b", 2, nil)

	evicted, did := m.put("c", 3, nil)
	assert.True(t, did)
	assert.Equal(t, "a", evicted)
	_, ok := m.get("a")
	assert.False(t, ok)
	v, ok := m.get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestOrderedMapOverwriteExistingKeyNoEviction(t *testing.T) {
	m := newOrderedMap(2)
	m.put("a", 1, nil)
	m.put("b", 2, nil)

	_, did := m.put("a", 99, nil)
	assert.False(t, did)
	v, _ := m.get("a")
	assert.Equal(t, 99, v)
}

func TestOrderedMapSkipsInUseEntry(t *testing.T) {
	m := newOrderedMap(2)
	m.put("a", 1, nil)
	m.put("b", 2, nil)

	inUse := map[string]bool{"a": true}
	evicted, did := m.put("c", 3, func(k string) bool { return inUse[k] })
	assert.True(t, did)
	assert.Equal(t, "b", evicted)
}

func TestOrderedSetCapNeverExceeded(t *testing.T) {
	s := newOrderedSet(5)
	for i := 0; i < 50; i++ {
		s.add(fmt.Sprintf("k%d", i), nil)
	}
	assert.LessOrEqual(t, len(s.items()), 5)
}
