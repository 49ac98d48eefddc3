// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"

	"github.com/xuesu/fuzzuf/pkg/executor"
	"github.com/xuesu/fuzzuf/pkg/grammartec"
	"github.com/xuesu/fuzzuf/pkg/osutil"
)

func testContext(t *testing.T) *grammartec.Context {
	ctx := grammartec.NewContext()
	_, err := ctx.AddRule("S", "a{S}")
	require.NoError(t, err)
	_, err = ctx.AddRule("S", "b")
	require.NoError(t, err)
	require.NoError(t, ctx.Initialize(100))
	return ctx
}

func testTree(t *testing.T, ctx *grammartec.Context) *grammartec.Tree {
	tree, err := grammartec.NewTree([]grammartec.RuleIDOrCustom{
		grammartec.NewRuleID(0), grammartec.NewRuleID(1)}, ctx)
	require.NoError(t, err)
	return tree
}

func testQueue(t *testing.T, ctx *grammartec.Context) *Queue {
	workDir := t.TempDir()
	for _, dir := range []string{"queue", "trees"} {
		require.NoError(t, osutil.MkdirAll(filepath.Join(workDir, dir)))
	}
	return NewQueue(workDir)
}

func bits(size int, set ...int) []byte {
	b := make([]byte, size)
	for _, i := range set {
		b[i] = 1
	}
	return b
}

// checkIndex verifies the reverse index invariants: every indexed bit has a
// non-empty id list and every referenced id is a live item with that bit set.
func checkIndex(t *testing.T, q *Queue) {
	t.Helper()
	live := make(map[uint64]*QueueItem)
	for _, item := range q.inputs {
		live[item.ID] = item
	}
	for _, item := range q.processed {
		live[item.ID] = item
	}
	for bit, ids := range q.bitToInputs {
		require.NotEmpty(t, ids, "empty id list for bit %v", bit)
		for _, id := range ids {
			item := live[id]
			require.NotNil(t, item, "bit %v references dead id %v", bit, id)
			require.NotZero(t, item.AllBits[bit], "bit %v not set in item %v", bit, id)
		}
	}
}

func TestQueueAdd(t *testing.T) {
	ctx := testContext(t)
	q := testQueue(t, ctx)

	require.NoError(t, q.Add(testTree(t, ctx), bits(8, 0), executor.Normal, ctx, time.Millisecond))
	require.Equal(t, 1, q.Len())
	item := q.inputs[0]
	assert.Equal(t, uint64(0), item.ID)
	assert.Equal(t, []uint32{0}, item.FreshBits.Sorted())
	assert.Equal(t, []uint64{0}, q.bitToInputs[0])

	// The unparsed input is mirrored on disk with private permissions.
	path := filepath.Join(q.workDir, "queue", "id:000000000,er:0")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A second input with the same coverage is discarded by the freshness gate.
	require.NoError(t, q.Add(testTree(t, ctx), bits(8, 0), executor.Normal, ctx, time.Millisecond))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, uint64(1), q.currentID)
	checkIndex(t, q)
}

func TestQueuePopFinished(t *testing.T) {
	ctx := testContext(t)
	q := testQueue(t, ctx)

	// A(bits{1,2}), B(bits{2,3}), C(bits{3,4}).
	require.NoError(t, q.Add(testTree(t, ctx), bits(8, 1, 2), executor.Normal, ctx, 0))
	require.NoError(t, q.Add(testTree(t, ctx), bits(8, 2, 3), executor.Normal, ctx, 0))
	require.NoError(t, q.Add(testTree(t, ctx), bits(8, 3, 4), executor.Normal, ctx, 0))
	require.Equal(t, 3, q.Len())
	checkIndex(t, q)

	// Pop yields C; bit 4 is deleted, bit 3 retains only B.
	c := q.Pop()
	assert.Equal(t, uint64(2), c.ID)
	assert.NotContains(t, q.bitToInputs, uint32(4))
	assert.Equal(t, []uint64{1}, q.bitToInputs[3])
	checkIndex(t, q)

	// Finished(C): bit 4 is unindexed again, C re-registers to processed.
	q.Finished(c)
	require.Equal(t, 1, q.ProcessedLen())
	assert.Equal(t, []uint32{4}, c.FreshBits.Sorted())
	assert.Equal(t, []uint64{1, 2}, q.bitToInputs[3])
	checkIndex(t, q)

	// NewRound returns survivors to the active bag.
	q.NewRound()
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 0, q.ProcessedLen())
}

func TestQueueFinishedObsolete(t *testing.T) {
	ctx := testContext(t)
	q := testQueue(t, ctx)

	require.NoError(t, q.Add(testTree(t, ctx), bits(8, 1), executor.Normal, ctx, 0))
	item := q.Pop()
	// Another entry covering bit 1 arrives while the item is processed.
	require.NoError(t, q.Add(testTree(t, ctx), bits(8, 1, 2), executor.Normal, ctx, 0))

	path := q.entryPath(item.ID, item.ExitReason)
	require.True(t, osutil.IsExist(path))
	q.Finished(item)
	// The item is obsolete: dropped and its files deleted.
	assert.Equal(t, 0, q.ProcessedLen())
	assert.False(t, osutil.IsExist(path))
	checkIndex(t, q)
}

func TestQueuePopReAdd(t *testing.T) {
	ctx := testContext(t)
	q := testQueue(t, ctx)

	require.NoError(t, q.Add(testTree(t, ctx), bits(8, 1, 2), executor.Normal, ctx, 0))
	before := map[uint32][]uint64{1: {0}, 2: {0}}
	assert.Equal(t, before, q.bitToInputs)

	// Pop then re-Add is idempotent modulo the assigned id.
	item := q.Pop()
	assert.Empty(t, q.bitToInputs)
	require.NoError(t, q.Add(item.Tree, item.AllBits, item.ExitReason, ctx, item.ExecTime))
	assert.Equal(t, map[uint32][]uint64{1: {1}, 2: {1}}, q.bitToInputs)
	assert.Equal(t, []uint32{1, 2}, q.inputs[0].FreshBits.Sorted())
	checkIndex(t, q)
}

func TestQueueWantsBits(t *testing.T) {
	ctx := testContext(t)
	q := testQueue(t, ctx)

	assert.False(t, q.WantsBits(bits(8)))
	assert.True(t, q.WantsBits(bits(8, 5)))
	require.NoError(t, q.Add(testTree(t, ctx), bits(8, 5), executor.Normal, ctx, 0))
	assert.False(t, q.WantsBits(bits(8, 5)))
	assert.True(t, q.WantsBits(bits(8, 5, 6)))
	assert.ElementsMatch(t, []uint32{5}, maps.Keys(q.bitToInputs))
}

func TestQueueAddIOError(t *testing.T) {
	ctx := testContext(t)
	// A work dir without the queue subdirectory makes persistence fail.
	q := NewQueue(filepath.Join(t.TempDir(), "nonexistent"))
	err := q.Add(testTree(t, ctx), bits(8, 0), executor.Normal, ctx, 0)
	require.Error(t, err)
}
