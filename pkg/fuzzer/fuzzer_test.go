// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuesu/fuzzuf/pkg/executor"
	"github.com/xuesu/fuzzuf/pkg/testutil"
)

const testMapSize = 16

// testPUT reports bit 0 for inputs containing 'b' and one depth bit per
// number of leading 'a's, mimicking a target whose control flow depends on
// the recursion depth of the input.
func testPUT(data []byte) *executor.Result {
	cover := make([]byte, testMapSize)
	depth := 0
	for ; depth < len(data) && data[depth] == 'a'; depth++ {
	}
	if bytes.ContainsRune(data, 'b') {
		cover[0] = 1
	}
	if depth > testMapSize-2 {
		depth = testMapSize - 2
	}
	cover[depth+1] = 1
	return &executor.Result{
		Reason:  executor.Normal,
		Cover:   cover,
		Elapsed: time.Microsecond,
	}
}

func testFuzzer(t *testing.T, exec executor.Executor) *Fuzzer {
	ctx := testContext(t)
	f, err := New(&Config{
		Ctx:      ctx,
		Executor: exec,
		WorkDir:  t.TempDir(),
		Rnd:      rand.New(testutil.RandSource(t)),
		Seeds:    20,
		RandomN:  5,
		SpliceN:  5,
	})
	require.NoError(t, err)
	return f
}

func TestFuzzerRounds(t *testing.T) {
	f := testFuzzer(t, &executor.Func{Fn: testPUT, Size: testMapSize})

	// The first round seeds the empty queue with generated trees.
	require.NoError(t, f.round())
	require.False(t, f.queue.IsEmpty())
	checkIndex(t, f.queue)

	for i := 0; i < 30; i++ {
		require.NoError(t, f.round())
		checkIndex(t, f.queue)
	}
	assert.Greater(t, f.queue.NumBits(), 1)
	assert.Greater(t, f.statExecs.Val(), 0)

	// Minimization preserves fresh bits: re-executing every live entry
	// must reproduce a coverage superset of its fresh bits.
	items := append(append([]*QueueItem{}, f.queue.inputs...), f.queue.processed...)
	require.NotEmpty(t, items)
	for _, item := range items {
		buf := new(bytes.Buffer)
		item.Tree.UnparseTo(f.cfg.Ctx, buf)
		res := testPUT(buf.Bytes())
		assert.True(t, item.FreshBits.CoveredBy(res.Cover),
			"item %v lost fresh bits %v (input %q)", item.ID, item.FreshBits.Sorted(), buf.String())
	}
}

func TestFuzzerMinimizes(t *testing.T) {
	f := testFuzzer(t, &executor.Func{Fn: testPUT, Size: testMapSize})
	require.NoError(t, f.round())
	for i := 0; i < 30; i++ {
		require.NoError(t, f.round())
	}
	// The representative of depth bit k (depth k-1) must be exactly k-1 'a's
	// and a 'b': anything longer would report a different depth bit.
	items := append(append([]*QueueItem{}, f.queue.inputs...), f.queue.processed...)
	for _, item := range items {
		if item.State.Phase != PhaseMutate {
			continue // minimization still in progress
		}
		buf := new(bytes.Buffer)
		item.Tree.UnparseTo(f.cfg.Ctx, buf)
		for _, bit := range item.FreshBits.Sorted() {
			if bit == 0 {
				continue
			}
			assert.Equal(t, int(bit)-1, bytes.Count(buf.Bytes(), []byte("a")),
				"item %v is not minimal for bit %v: %q", item.ID, bit, buf.String())
		}
	}
}

func TestFuzzerStop(t *testing.T) {
	f := testFuzzer(t, &executor.Func{Fn: testPUT, Size: testMapSize})
	errc := make(chan error)
	go func() {
		errc <- f.Loop()
	}()
	time.Sleep(50 * time.Millisecond)
	f.Stop()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not observe the stop flag")
	}
	// Shutdown flushed processed items back into the active bag.
	assert.Equal(t, 0, f.queue.ProcessedLen())
}

func TestFuzzerCrashArtifacts(t *testing.T) {
	crash := func(data []byte) *executor.Result {
		return &executor.Result{
			Reason: executor.Crash,
			Cover:  make([]byte, testMapSize),
		}
	}
	f := testFuzzer(t, &executor.Func{Fn: crash, Size: testMapSize})
	require.NoError(t, f.round())
	assert.Greater(t, f.statCrashes.Val(), 0)
	files, err := os.ReadDir(filepath.Join(f.cfg.WorkDir, "crashes"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}

func TestFuzzerTimeouts(t *testing.T) {
	hang := func(data []byte) *executor.Result {
		return &executor.Result{
			Reason: executor.Timeout,
			Cover:  make([]byte, testMapSize),
		}
	}
	f := testFuzzer(t, &executor.Func{Fn: hang, Size: testMapSize})
	require.NoError(t, f.round())
	assert.Greater(t, f.statTimeouts.Val(), 0)
	files, err := os.ReadDir(filepath.Join(f.cfg.WorkDir, "hangs"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}
