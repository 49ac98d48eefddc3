// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import (
	"math/rand"
	"sort"
)

// RecursionInfo holds, for one nonterminal of a tree, the recursive pairs
// (outer, inner) where inner is a descendant of outer and both expand the
// same nonterminal. Sampling is weighted by the recursion span
// (the size difference between the two subtrees).
type RecursionInfo struct {
	nt      NTermID
	pairs   [][2]NodeID
	weights []int // cumulative span lengths for weighted sampling
}

func (ri *RecursionInfo) Nonterm() NTermID {
	return ri.nt
}

func (ri *RecursionInfo) NumPairs() int {
	return len(ri.pairs)
}

// GetRandomRecursionPair samples one (outer, inner) pair, weighted by span length.
func (ri *RecursionInfo) GetRandomRecursionPair(rnd *rand.Rand) (NodeID, NodeID) {
	total := ri.weights[len(ri.weights)-1]
	x := rnd.Intn(total)
	i := sort.SearchInts(ri.weights, x+1)
	return ri.pairs[i][0], ri.pairs[i][1]
}

// CalcRecursions computes the recursion info of the tree, one entry per
// nonterminal that recurses. Returns nil if the tree has no recursions.
func (t *Tree) CalcRecursions(ctx *Context) []RecursionInfo {
	byNT := make(map[NTermID]*RecursionInfo)
	var order []NTermID
	for i := range t.rules {
		n := NodeID(i)
		nt := t.Nonterm(n, ctx)
		for p, ok := t.GetParent(n); ok; p, ok = t.GetParent(p) {
			if t.Nonterm(p, ctx) != nt {
				continue
			}
			ri := byNT[nt]
			if ri == nil {
				ri = &RecursionInfo{nt: nt}
				byNT[nt] = ri
				order = append(order, nt)
			}
			ri.pairs = append(ri.pairs, [2]NodeID{p, n})
		}
	}
	var res []RecursionInfo
	for _, nt := range order {
		ri := byNT[nt]
		sum := 0
		ri.weights = make([]int, len(ri.pairs))
		for i, pair := range ri.pairs {
			sum += t.SubTreeSize(pair[0]) - t.SubTreeSize(pair[1])
			ri.weights[i] = sum
		}
		res = append(res, *ri)
	}
	return res
}
