// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover provides types for working with coverage feedback.
// The executor reports coverage as a fixed-size byte map; a Set holds
// indices of bits of interest within that map.
package cover

import (
	"sort"

	"golang.org/x/exp/maps"
)

type Set map[uint32]struct{}

func New(bits ...uint32) Set {
	s := make(Set, len(bits))
	for _, b := range bits {
		s[b] = struct{}{}
	}
	return s
}

func (s Set) Add(bit uint32) {
	s[bit] = struct{}{}
}

func (s Set) Has(bit uint32) bool {
	_, ok := s[bit]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

func (s Set) Empty() bool {
	return len(s) == 0
}

func (s Set) Copy() Set {
	c := make(Set, len(s))
	for b := range s {
		c[b] = struct{}{}
	}
	return c
}

func (s *Set) Merge(s1 Set) {
	if s1.Empty() {
		return
	}
	s0 := *s
	if s0 == nil {
		s0 = make(Set, len(s1))
		*s = s0
	}
	for b := range s1 {
		s0[b] = struct{}{}
	}
}

// CoveredBy reports whether every bit in s is set in the coverage map.
func (s Set) CoveredBy(coverage []byte) bool {
	for b := range s {
		if int(b) >= len(coverage) || coverage[b] == 0 {
			return false
		}
	}
	return true
}

func (s Set) Sorted() []uint32 {
	bits := maps.Keys(s)
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })
	return bits
}
