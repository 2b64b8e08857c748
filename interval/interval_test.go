package interval

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func collect(s *Set[uint64]) [][2]uint64 {
	var out [][2]uint64
	for start, length := range s.All() {
		out = append(out, [2]uint64{start, length})
	}
	return out
}

func TestInsertCoalesce(t *testing.T) {
	var s Set[uint64]
	s.Insert(10, 10)
	s.Insert(30, 10)
	assert.Equal(t, [][2]uint64{{10, 10}, {30, 10}}, collect(&s))

	// touching spans merge
	s.Insert(20, 10)
	assert.Equal(t, [][2]uint64{{10, 30}}, collect(&s))

	// overlapping insert extends
	s.Insert(35, 20)
	assert.Equal(t, [][2]uint64{{10, 45}}, collect(&s))

	// fully covered insert is a no-op
	s.Insert(12, 3)
	assert.Equal(t, [][2]uint64{{10, 45}}, collect(&s))

	s.Insert(0, 5)
	assert.Equal(t, [][2]uint64{{0, 5}, {10, 45}}, collect(&s))

	s.Insert(0, 0)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, uint64(50), s.Size())
}

func TestErase(t *testing.T) {
	var s Set[uint64]
	s.Insert(0, 100)
	s.Erase(40, 20)
	assert.Equal(t, [][2]uint64{{0, 40}, {60, 40}}, collect(&s))

	s.Erase(0, 10)
	assert.Equal(t, [][2]uint64{{10, 30}, {60, 40}}, collect(&s))

	s.Erase(90, 100)
	assert.Equal(t, [][2]uint64{{10, 30}, {60, 30}}, collect(&s))

	s.Erase(0, 200)
	assert.True(t, s.Empty())
}

func TestIntersect(t *testing.T) {
	var a, b Set[uint64]
	a.Insert(0, 10)
	a.Insert(20, 10)
	a.Insert(40, 10)
	b.Insert(5, 30)

	got := a.Intersect(&b)
	assert.Equal(t, [][2]uint64{{5, 5}, {20, 10}}, collect(got))

	empty := a.Intersect(&Set[uint64]{})
	assert.True(t, empty.Empty())
}

func TestContains(t *testing.T) {
	var s Set[uint64]
	s.Insert(100, 100)
	assert.True(t, s.Contains(100, 100))
	assert.True(t, s.Contains(150, 10))
	assert.False(t, s.Contains(150, 60))
	assert.False(t, s.Contains(0, 10))
}

func TestUnionWithClone(t *testing.T) {
	var a, b Set[uint64]
	a.Insert(0, 10)
	b.Insert(5, 10)
	b.Insert(30, 5)

	c := a.Clone()
	c.UnionWith(&b)
	assert.Equal(t, [][2]uint64{{0, 15}, {30, 5}}, collect(c))
	assert.Equal(t, [][2]uint64{{0, 10}}, collect(&a))
}

func TestString(t *testing.T) {
	var s Set[uint64]
	assert.Equal(t, "[]", s.String())
	s.Insert(4, 8)
	s.Insert(20, 1)
	assert.Equal(t, "[4~8,20~1]", s.String())
}

// Randomized inserts/erases against a naive bitmap model.
func TestRandomizedModel(t *testing.T) {
	const domain = 512
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 100; round++ {
		var s Set[uint64]
		model := make([]bool, domain)
		for op := 0; op < 64; op++ {
			start := uint64(rng.Intn(domain))
			length := uint64(rng.Intn(domain - int(start)))
			if rng.Intn(3) == 0 {
				s.Erase(start, length)
				for i := start; i < start+length; i++ {
					model[i] = false
				}
			} else {
				s.Insert(start, length)
				for i := start; i < start+length; i++ {
					model[i] = true
				}
			}
		}
		got := make([]bool, domain)
		prevEnd := uint64(0)
		first := true
		for start, length := range s.All() {
			assert.Greater(t, length, uint64(0))
			if !first {
				// spans must stay disjoint and non-adjacent
				assert.Greater(t, start, prevEnd)
			}
			first = false
			prevEnd = start + length
			for i := start; i < start+length; i++ {
				got[i] = true
			}
		}
		assert.Equal(t, model, got, "round %d", round)
	}
}
