// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cover

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := New(3, 1)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has(1))
	assert.False(t, s.Has(2))
	s.Add(2)
	assert.Equal(t, []uint32{1, 2, 3}, s.Sorted())

	c := s.Copy()
	c.Add(7)
	assert.False(t, s.Has(7))

	var m Set
	m.Merge(c)
	assert.Equal(t, 4, m.Len())
	assert.False(t, m.Empty())
	assert.True(t, Set(nil).Empty())
}

func TestCoveredBy(t *testing.T) {
	s := New(0, 2)
	assert.True(t, s.CoveredBy([]byte{1, 0, 5}))
	assert.False(t, s.CoveredBy([]byte{1, 0, 0}))
	assert.False(t, s.CoveredBy([]byte{1}))
	assert.True(t, New().CoveredBy(nil))
}
