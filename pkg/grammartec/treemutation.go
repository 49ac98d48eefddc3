// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import "io"

// TreeMutation is a non-owning splice view: iteration yields the nodes of
// the base tree with the subtree at the replaced node overlaid by a subtree
// of another tree. It never mutates either operand. Materialization to a
// fresh Tree happens only when a candidate is accepted, because most
// mutation attempts are rejected.
type TreeMutation struct {
	a  *Tree
	na NodeID
	b  *Tree
	nb NodeID

	aLen int // subtree size at na in a
	bLen int // subtree size at nb in b
}

// MutateReplaceFromTree produces the view replacing the subtree at n with
// the subtree of other rooted at nOther.
func (t *Tree) MutateReplaceFromTree(n NodeID, other *Tree, nOther NodeID) *TreeMutation {
	return &TreeMutation{
		a:    t,
		na:   n,
		b:    other,
		nb:   nOther,
		aLen: t.SubTreeSize(n),
		bLen: other.SubTreeSize(nOther),
	}
}

func (m *TreeMutation) Size() int {
	return m.a.Size() - m.aLen + m.bLen
}

// RuleAt resolves node n of the spliced sequence: the prefix of the base
// tree up to the replaced node, then the foreign subtree, then the suffix.
func (m *TreeMutation) RuleAt(n NodeID) RuleIDOrCustom {
	i := int(n)
	switch {
	case i < int(m.na):
		return m.a.rules[i]
	case i < int(m.na)+m.bLen:
		return m.b.rules[int(m.nb)+i-int(m.na)]
	default:
		return m.a.rules[i-m.bLen+m.aLen]
	}
}

func (m *TreeMutation) UnparseTo(ctx *Context, w io.Writer) {
	unparse(m, ctx, w)
}

// ToTree materializes the view. Sizes along the spine from the root to the
// replaced node shift by the size delta of the splice; parents are rebuilt
// in a single pass.
func (m *TreeMutation) ToTree(ctx *Context) *Tree {
	size := m.Size()
	rules := make([]RuleIDOrCustom, 0, size)
	sizes := make([]int, 0, size)

	rules = append(rules, m.a.rules[:m.na]...)
	rules = append(rules, m.b.rules[m.nb:int(m.nb)+m.bLen]...)
	rules = append(rules, m.a.rules[int(m.na)+m.aLen:]...)

	sizes = append(sizes, m.a.sizes[:m.na]...)
	sizes = append(sizes, m.b.sizes[m.nb:int(m.nb)+m.bLen]...)
	sizes = append(sizes, m.a.sizes[int(m.na)+m.aLen:]...)

	// All ancestors of the replaced node precede it in pre-order,
	// so their slots map to the same indices in the new arrays.
	delta := m.bLen - m.aLen
	for n, ok := m.a.GetParent(m.na); ok; n, ok = m.a.GetParent(n) {
		sizes[n] += delta
	}
	return newTreeRaw(rules, sizes)
}
