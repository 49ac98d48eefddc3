// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import (
	"fmt"
	"io"
	"math/rand"
)

// Tree is a derivation tree stored as three parallel arrays in pre-order:
// rules[i] is the expansion at node i, sizes[i] the number of nodes in the
// subtree rooted at i (including i), paren[i] the parent of i (0 at the root).
type Tree struct {
	rules []RuleIDOrCustom
	sizes []int
	paren []NodeID
}

// TreeLike is the read-only view shared by Tree and TreeMutation.
type TreeLike interface {
	Size() int
	RuleAt(n NodeID) RuleIDOrCustom
	UnparseTo(ctx *Context, w io.Writer)
}

// NewTree builds a tree from a pre-order rule sequence, deriving sizes and
// parents from the grammar. The sequence must be a complete derivation.
func NewTree(rules []RuleIDOrCustom, ctx *Context) (*Tree, error) {
	t := &Tree{
		rules: rules,
		sizes: make([]int, len(rules)),
		paren: make([]NodeID, len(rules)),
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("empty rule sequence")
	}
	pos, err := t.deriveSizes(NodeID(0), ctx)
	if err != nil {
		return nil, err
	}
	if int(pos) != len(rules) {
		return nil, fmt.Errorf("trailing nodes in rule sequence: consumed %v of %v", pos, len(rules))
	}
	return t, nil
}

func (t *Tree) deriveSizes(n NodeID, ctx *Context) (NodeID, error) {
	if int(n) >= len(t.rules) {
		return 0, fmt.Errorf("truncated rule sequence at node %v", n)
	}
	rc := t.rules[n]
	next := n + 1
	if !rc.IsCustom() {
		for range ctx.Rule(rc.ID()).Nonterms() {
			child := next
			var err error
			next, err = t.deriveSizes(child, ctx)
			if err != nil {
				return 0, err
			}
			t.paren[child] = n
		}
	}
	t.sizes[n] = int(next - n)
	return next, nil
}

// newTreeRaw wraps precomputed rules and sizes, rebuilding parents.
func newTreeRaw(rules []RuleIDOrCustom, sizes []int) *Tree {
	return &Tree{
		rules: rules,
		sizes: sizes,
		paren: calcParents(sizes),
	}
}

// calcParents recovers parent links from subtree sizes in one pass.
func calcParents(sizes []int) []NodeID {
	type frame struct {
		node NodeID
		end  int // index one past the last node of the subtree
	}
	paren := make([]NodeID, len(sizes))
	var stack []frame
	for i := range sizes {
		for len(stack) > 0 && stack[len(stack)-1].end <= i {
			stack = stack[:len(stack)-1]
		}
		if len(stack) > 0 {
			paren[i] = stack[len(stack)-1].node
		}
		stack = append(stack, frame{NodeID(i), i + sizes[i]})
	}
	return paren
}

func (t *Tree) Size() int {
	return len(t.rules)
}

func (t *Tree) SubTreeSize(n NodeID) int {
	return t.sizes[n]
}

func (t *Tree) RuleAt(n NodeID) RuleIDOrCustom {
	return t.rules[n]
}

func (t *Tree) GetRuleID(n NodeID) RuleID {
	return t.rules[n].ID()
}

func (t *Tree) GetRule(n NodeID, ctx *Context) *Rule {
	return ctx.Rule(t.rules[n].ID())
}

// Nonterm returns the nonterminal expanded at node n.
func (t *Tree) Nonterm(n NodeID, ctx *Context) NTermID {
	return ctx.NT(t.rules[n])
}

// GetParent returns the parent of n, or false for the root.
func (t *Tree) GetParent(n NodeID) (NodeID, bool) {
	if n == 0 {
		return 0, false
	}
	return t.paren[n], true
}

func (t *Tree) Clone() *Tree {
	return &Tree{
		rules: append([]RuleIDOrCustom{}, t.rules...),
		sizes: append([]int{}, t.sizes...),
		paren: append([]NodeID{}, t.paren...),
	}
}

func (t *Tree) truncate() {
	t.rules = t.rules[:0]
	t.sizes = t.sizes[:0]
	t.paren = t.paren[:0]
}

// GenerateFromNT regenerates the tree in place from nt within the size budget.
func (t *Tree) GenerateFromNT(nt NTermID, budget int, ctx *Context, rnd *rand.Rand) {
	t.GenerateFromRule(ctx.RandomRuleForNT(rnd, nt, budget), budget, ctx, rnd)
}

// GenerateFromRule regenerates the tree in place starting with rule r.
// The budget is advisory: min-length constraints may force overshoot,
// the result is always a complete derivation.
func (t *Tree) GenerateFromRule(r RuleID, budget int, ctx *Context, rnd *rand.Rand) {
	t.truncate()
	t.generate(r, budget, 0, ctx, rnd)
}

func (t *Tree) generate(r RuleID, budget int, paren NodeID, ctx *Context, rnd *rand.Rand) int {
	n := NodeID(len(t.rules))
	t.rules = append(t.rules, NewRuleID(r))
	t.sizes = append(t.sizes, 0)
	t.paren = append(t.paren, paren)

	// Distribute the budget surplus across the nonterminal children;
	// each child receives at least its min derivation length.
	surplus := budget - ctx.MinLenForRule(r)
	if surplus < 0 {
		surplus = 0
	}
	total := 1
	nts := ctx.Rule(r).Nonterms()
	for i, nt := range nts {
		share := surplus
		if i != len(nts)-1 && surplus > 0 {
			share = rnd.Intn(surplus + 1)
		}
		surplus -= share
		childBudget := ctx.MinLenForNT(nt) + share
		child := ctx.RandomRuleForNT(rnd, nt, childBudget)
		total += t.generate(child, childBudget, n, ctx, rnd)
	}
	t.sizes[n] = total
	return total
}

// UnparseTo emits the tree's terminal bytes in derivation order.
func (t *Tree) UnparseTo(ctx *Context, w io.Writer) {
	unparse(t, ctx, w)
}

// UnparseNodeTo emits the terminal bytes of the subtree rooted at n.
func (t *Tree) UnparseNodeTo(n NodeID, ctx *Context, w io.Writer) {
	cursor := n
	unparseNode(t, ctx, w, &cursor)
}

func unparse(t TreeLike, ctx *Context, w io.Writer) {
	cursor := NodeID(0)
	unparseNode(t, ctx, w, &cursor)
	if int(cursor) != t.Size() {
		panic(fmt.Sprintf("unparse consumed %v of %v nodes", cursor, t.Size()))
	}
}

// unparseNode writes the subtree at *cursor, consuming nodes in pre-order.
// The RHS template of each rule dictates how literals interleave with
// recursive descents into child nodes.
func unparseNode(t TreeLike, ctx *Context, w io.Writer, cursor *NodeID) {
	rc := t.RuleAt(*cursor)
	*cursor++
	if rc.IsCustom() {
		w.Write(rc.Data())
		return
	}
	for _, part := range ctx.Rule(rc.ID()).Parts() {
		if part.IsNonterm() {
			unparseNode(t, ctx, w, cursor)
		} else {
			w.Write(part.Literal)
		}
	}
}
