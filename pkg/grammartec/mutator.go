// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import (
	"math/rand"

	"github.com/xuesu/fuzzuf/pkg/cover"
)

// FTester checks whether the execution of the view still triggers every bit
// in freshBits. Used by minimization.
type FTester func(m *TreeMutation, freshBits cover.Set, ctx *Context) (bool, error)

// FTesterMut executes the view unconditionally and admits its outcome to the
// queue. Used by mutation.
type FTesterMut func(m *TreeMutation, ctx *Context) error

// Mutator implements the mutation and minimization operators over trees.
// It owns a single scratchpad tree reused across operations; the core is
// single-threaded, so aliasing is not a concern.
type Mutator struct {
	scratchpad Tree
	rnd        *rand.Rand
}

func NewMutator(rnd *rand.Rand) *Mutator {
	return &Mutator{rnd: rnd}
}

// MinimizeTree sequentially replaces each subtree in [start, end) with the
// smallest derivation of its nonterminal, keeping replacements the tester
// accepts. Returns true once the scan reaches the end of the tree, false if
// it stopped at end (the caller may resume from there).
func (m *Mutator) MinimizeTree(tree *Tree, bits cover.Set, ctx *Context,
	start, end int, tester FTester) (bool, error) {
	for i := start; i < tree.Size(); {
		n := NodeID(i)
		nt := tree.Nonterm(n, ctx)

		if tree.SubTreeSize(n) > ctx.MinLenForNT(nt) {
			m.scratchpad.GenerateFromNT(nt, ctx.MinLenForNT(nt), ctx, m.rnd)
			t, err := TestAndConvert(tree, n, &m.scratchpad, 0, ctx, bits, tester)
			if err != nil {
				return false, err
			}
			if t != nil {
				*tree = *t
			}
		}

		if i++; i == end {
			return false, nil
		}
	}
	return true, nil
}

// MinimizeRec reduces the amount of recursion by replacing each recursion
// one at a time: a node's subtree is spliced over the nearest ancestor
// sharing its nonterminal. On success the scan restarts at the ancestor
// because indices shifted. Same termination contract as MinimizeTree.
func (m *Mutator) MinimizeRec(tree *Tree, bits cover.Set, ctx *Context,
	start, end int, tester FTester) (bool, error) {
	for i := start; i < tree.Size(); {
		n := NodeID(i)

		if parent, ok := FindParentWithNT(tree, n, ctx); ok {
			t, err := TestAndConvert(tree, parent, tree, n, ctx, bits, tester)
			if err != nil {
				return false, err
			}
			if t != nil {
				*tree = *t
				i = int(parent)
			}
		}

		if i++; i == end {
			return false, nil
		}
	}
	return true, nil
}

// MutRules sequentially replaces each node in [start, end) with subtrees
// generated from every other rule of its nonterminal.
func (m *Mutator) MutRules(tree *Tree, ctx *Context,
	start, end int, tester FTesterMut) (bool, error) {
	for i := start; i < end; i++ {
		if i == tree.Size() {
			return true, nil
		}

		n := NodeID(i)
		oldRule := tree.GetRuleID(n)
		for _, newRule := range ctx.RulesForNT(tree.Nonterm(n, ctx)) {
			if newRule == oldRule {
				continue
			}
			size := ctx.RandomLenForRule(m.rnd, newRule)
			m.scratchpad.GenerateFromRule(newRule, size, ctx, m.rnd)

			repl := tree.MutateReplaceFromTree(n, &m.scratchpad, 0)
			if err := tester(repl, ctx); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// MutRandom picks a random node and replaces it with a randomly generated
// subtree of the same nonterminal, if that nonterminal has any alternative.
func (m *Mutator) MutRandom(tree *Tree, ctx *Context, tester FTesterMut) error {
	n := NodeID(m.rnd.Intn(tree.Size()))
	nt := tree.Nonterm(n, ctx)

	if !ctx.HasMultipleRules(nt) {
		return nil
	}
	size := ctx.RandomLenForNT(m.rnd, nt)
	m.scratchpad.GenerateFromNT(nt, size, ctx, m.rnd)

	repl := tree.MutateReplaceFromTree(n, &m.scratchpad, 0)
	return tester(repl, ctx)
}

// MutRandomRecursion picks a random recursion pair of the tree and repeats
// the recursion body so the replicated span reaches roughly 2^k nodes for a
// uniform k in [1, 10].
func (m *Mutator) MutRandomRecursion(tree *Tree, recursions []RecursionInfo,
	ctx *Context, tester FTesterMut) error {
	if len(recursions) == 0 {
		return nil
	}

	maxNodes := 1 << (1 + m.rnd.Intn(10))

	ri := &recursions[m.rnd.Intn(len(recursions))]
	rec0, rec1 := ri.GetRandomRecursionPair(m.rnd)

	lenPre := int(rec1) - int(rec0)
	lenTotal := tree.SubTreeSize(rec0) - tree.SubTreeSize(rec1)
	lenPost := lenTotal - lenPre
	num := maxNodes / lenTotal
	if num == 0 {
		return nil
	}

	postfix := tree.SubTreeSize(rec1)
	rulesNew := make([]RuleIDOrCustom, 0, num*lenPre+postfix+num*lenPost)
	sizesNew := make([]int, 0, num*lenPre+postfix+num*lenPost)

	// Repeat the pre-span of the recursion.
	for i := 0; i < num*lenPre; i++ {
		rulesNew = append(rulesNew, tree.rules[int(rec0)+i%lenPre])
		sizesNew = append(sizesNew, tree.sizes[int(rec0)+i%lenPre])
	}

	// The original recursion body.
	for i := 0; i < postfix; i++ {
		rulesNew = append(rulesNew, tree.rules[int(rec1)+i])
		sizesNew = append(sizesNew, tree.sizes[int(rec1)+i])
	}

	// Entries that span the recursion (their subtree reaches past the inner
	// node) grow by one replica per remaining copy. Subtrees fully contained
	// in the pre-span keep their size.
	for i := 0; i < num*lenPre; i++ {
		if i%lenPre+sizesNew[i] > lenPre {
			sizesNew[i] += (num - 1 - i/lenPre) * lenTotal
		}
	}

	// Repeat the post-span.
	for i := 0; i < num*lenPost; i++ {
		rulesNew = append(rulesNew, tree.rules[int(rec1)+postfix+i%lenPost])
		sizesNew = append(sizesNew, tree.sizes[int(rec1)+postfix+i%lenPost])
	}

	recursionTree := newTreeRaw(rulesNew, sizesNew)
	repl := tree.MutateReplaceFromTree(rec1, recursionTree, 0)
	return tester(repl, ctx)
}

// MutSplice picks a random node and splices in a subtree of a different
// testcase expanding the same rule, if the chunk store knows one.
func (m *Mutator) MutSplice(tree *Tree, ctx *Context,
	cks *ChunkStore, tester FTesterMut) error {
	n := NodeID(m.rnd.Intn(tree.Size()))
	oldRule := tree.GetRuleID(n)

	replTree, replNode, ok := cks.GetAlternativeTo(oldRule, m.rnd)
	if !ok {
		return nil
	}
	repl := tree.MutateReplaceFromTree(n, replTree, replNode)
	return tester(repl, ctx)
}

// FindParentWithNT returns the nearest ancestor expanding the same
// nonterminal as node.
func FindParentWithNT(tree *Tree, node NodeID, ctx *Context) (NodeID, bool) {
	nt := tree.Nonterm(node, ctx)
	for cur, ok := tree.GetParent(node); ok; cur, ok = tree.GetParent(cur) {
		if tree.Nonterm(cur, ctx) == nt {
			return cur, true
		}
	}
	return 0, false
}

// TestAndConvert builds the splice view, consults the tester, and
// materializes the tree only if the tester accepts.
func TestAndConvert(treeA *Tree, nA NodeID, treeB *Tree, nB NodeID,
	ctx *Context, freshBits cover.Set, tester FTester) (*Tree, error) {
	repl := treeA.MutateReplaceFromTree(nA, treeB, nB)
	ok, err := tester(repl, freshBits, ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return repl.ToTree(ctx), nil
}
