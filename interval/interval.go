// Package interval provides an ordered, coalesced set of disjoint
// half-open ranges over an unsigned integer domain.
package interval

import (
	"fmt"
	"iter"
	"sort"
	"strings"

	"golang.org/x/exp/constraints"
)

// Span is a single half-open range [Start, End).
type Span[T constraints.Unsigned] struct {
	Start, End T
}

// Set keeps disjoint spans sorted by start offset. Overlapping and
// adjacent inserts are coalesced. The zero value is an empty set.
type Set[T constraints.Unsigned] struct {
	spans []Span[T]
}

func (s *Set[T]) Empty() bool {
	return len(s.spans) == 0
}

// Len returns the number of disjoint spans.
func (s *Set[T]) Len() int {
	return len(s.spans)
}

// Size returns the total length covered by the set.
func (s *Set[T]) Size() (total T) {
	for _, sp := range s.spans {
		total += sp.End - sp.Start
	}
	return
}

func (s *Set[T]) Clear() {
	s.spans = s.spans[:0]
}

// Insert adds [start, start+length), merging with any spans it
// overlaps or touches. Zero-length inserts are no-ops.
func (s *Set[T]) Insert(start, length T) {
	if length == 0 {
		return
	}
	end := start + length
	i := sort.Search(len(s.spans), func(i int) bool {
		return s.spans[i].End >= start
	})
	j := i
	for j < len(s.spans) && s.spans[j].Start <= end {
		if s.spans[j].Start < start {
			start = s.spans[j].Start
		}
		if s.spans[j].End > end {
			end = s.spans[j].End
		}
		j++
	}
	s.spans = append(s.spans[:i], append([]Span[T]{{start, end}}, s.spans[j:]...)...)
}

// Erase removes [start, start+length) from the set, splitting spans
// that straddle the boundary.
func (s *Set[T]) Erase(start, length T) {
	if length == 0 || len(s.spans) == 0 {
		return
	}
	end := start + length
	out := s.spans[:0:0]
	for _, sp := range s.spans {
		if sp.End <= start || sp.Start >= end {
			out = append(out, sp)
			continue
		}
		if sp.Start < start {
			out = append(out, Span[T]{sp.Start, start})
		}
		if sp.End > end {
			out = append(out, Span[T]{end, sp.End})
		}
	}
	s.spans = out
}

// Contains reports whether [start, start+length) lies fully inside the set.
func (s *Set[T]) Contains(start, length T) bool {
	end := start + length
	for _, sp := range s.spans {
		if sp.Start <= start && sp.End >= end {
			return true
		}
	}
	return false
}

// Intersect returns the set-intersection with o as a new set.
func (s *Set[T]) Intersect(o *Set[T]) *Set[T] {
	res := &Set[T]{}
	i, j := 0, 0
	for i < len(s.spans) && j < len(o.spans) {
		a, b := s.spans[i], o.spans[j]
		start := max(a.Start, b.Start)
		end := min(a.End, b.End)
		if start < end {
			res.spans = append(res.spans, Span[T]{start, end})
		}
		if a.End < b.End {
			i++
		} else {
			j++
		}
	}
	return res
}

// UnionWith inserts every span of o into the set.
func (s *Set[T]) UnionWith(o *Set[T]) {
	for _, sp := range o.spans {
		s.Insert(sp.Start, sp.End-sp.Start)
	}
}

// Clone returns a deep copy of the set.
func (s *Set[T]) Clone() *Set[T] {
	c := &Set[T]{spans: make([]Span[T], len(s.spans))}
	copy(c.spans, s.spans)
	return c
}

// All yields (start, length) pairs in ascending offset order.
func (s *Set[T]) All() iter.Seq2[T, T] {
	return func(yield func(T, T) bool) {
		for _, sp := range s.spans {
			if !yield(sp.Start, sp.End-sp.Start) {
				return
			}
		}
	}
}

func (s *Set[T]) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, sp := range s.spans {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d~%d", sp.Start, sp.End-sp.Start)
	}
	b.WriteByte(']')
	return b.String()
}
