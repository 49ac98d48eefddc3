// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import (
	"bytes"
	"math/rand"

	"github.com/xuesu/fuzzuf/pkg/hash"
)

// ChunkStore is the cross-tree memory used by splicing: subtrees observed in
// admitted inputs, keyed by the rule their root expands. It grows
// monotonically within a run; per-rule entries are capped and the oldest
// evicted on overflow.
type ChunkStore struct {
	trees      []*Tree
	chunks     map[RuleID][]chunk
	seen       map[hash.Sig]struct{}
	maxPerRule int
}

type chunk struct {
	tree int // index into trees
	node NodeID
}

const DefaultChunksPerRule = 512

func NewChunkStore(maxPerRule int) *ChunkStore {
	if maxPerRule <= 0 {
		maxPerRule = DefaultChunksPerRule
	}
	return &ChunkStore{
		chunks:     make(map[RuleID][]chunk),
		seen:       make(map[hash.Sig]struct{}),
		maxPerRule: maxPerRule,
	}
}

// AddTree registers every subtree of t whose serialization has not been seen
// before. The tree is snapshotted once, so the caller may keep mutating t.
func (s *ChunkStore) AddTree(t *Tree, ctx *Context) {
	snapIdx := -1
	buf := new(bytes.Buffer)
	for i := 0; i < t.Size(); i++ {
		n := NodeID(i)
		buf.Reset()
		t.UnparseNodeTo(n, ctx, buf)
		sig := hash.Hash([]byte(ctx.NTName(t.Nonterm(n, ctx))), buf.Bytes())
		if _, ok := s.seen[sig]; ok {
			continue
		}
		s.seen[sig] = struct{}{}
		if snapIdx == -1 {
			snapIdx = len(s.trees)
			s.trees = append(s.trees, t.Clone())
		}
		r := t.GetRuleID(n)
		entries := append(s.chunks[r], chunk{snapIdx, n})
		if len(entries) > s.maxPerRule {
			entries = entries[1:]
		}
		s.chunks[r] = entries
	}
}

// GetAlternativeTo returns a uniformly random stored subtree expanding the
// same rule, or false if none is known.
func (s *ChunkStore) GetAlternativeTo(r RuleID, rnd *rand.Rand) (*Tree, NodeID, bool) {
	entries := s.chunks[r]
	if len(entries) == 0 {
		return nil, 0, false
	}
	c := entries[rnd.Intn(len(entries))]
	return s.trees[c.tree], c.node, true
}

// NumChunks returns the total number of stored chunks, for stats.
func (s *ChunkStore) NumChunks() int {
	n := 0
	for _, entries := range s.chunks {
		n += len(entries)
	}
	return n
}
