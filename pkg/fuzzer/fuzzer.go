// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer implements the Nautilus fuzzing loop: a coverage-indexed
// corpus queue and the per-round minimize/mutate pipeline over grammar trees.
package fuzzer

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xuesu/fuzzuf/pkg/cover"
	"github.com/xuesu/fuzzuf/pkg/executor"
	"github.com/xuesu/fuzzuf/pkg/grammartec"
	"github.com/xuesu/fuzzuf/pkg/log"
	"github.com/xuesu/fuzzuf/pkg/osutil"
	"github.com/xuesu/fuzzuf/pkg/stat"
)

type Config struct {
	Ctx      *grammartec.Context
	Executor executor.Executor
	WorkDir  string
	Rnd      *rand.Rand

	// Seeds is the number of trees generated when the queue runs dry.
	Seeds int
	// MinimizeSteps bounds the number of nodes each minimization phase
	// (subtree, then recursive) may scan in one round, so long minimizations
	// interleave with mutation of other entries.
	MinimizeSteps int
	// Operator weights: how many times each random operator runs per round.
	RandomN    int
	RecursionN int
	SpliceN    int
	// ChunksPerRule caps the splicing memory per rule.
	ChunksPerRule int
	// ExecRetries bounds retries of executor failures (not PUT outcomes).
	ExecRetries int
}

func (cfg *Config) setDefaults() {
	if cfg.Seeds == 0 {
		cfg.Seeds = 100
	}
	if cfg.MinimizeSteps == 0 {
		cfg.MinimizeSteps = 200
	}
	if cfg.RandomN == 0 {
		cfg.RandomN = 50
	}
	if cfg.RecursionN == 0 {
		cfg.RecursionN = 10
	}
	if cfg.SpliceN == 0 {
		cfg.SpliceN = 50
	}
	if cfg.ExecRetries == 0 {
		cfg.ExecRetries = 3
	}
}

// Fuzzer drives the per-round sequence: pop, minimize, mutate, admit.
// The core is single-threaded cooperative; only the executor blocks.
type Fuzzer struct {
	Stats
	cfg      *Config
	queue    *Queue
	chunks   *grammartec.ChunkStore
	mutator  *grammartec.Mutator
	instance string

	stopped    atomic.Bool
	artifactID uint64
	unparseBuf bytes.Buffer
}

func New(cfg *Config) (*Fuzzer, error) {
	cfg.setDefaults()
	if cfg.Ctx == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("fuzzer needs a grammar context and an executor")
	}
	if cfg.Rnd == nil {
		return nil, fmt.Errorf("fuzzer needs a random source")
	}
	for _, dir := range []string{"queue", "trees", "crashes", "hangs"} {
		if err := osutil.MkdirAll(filepath.Join(cfg.WorkDir, dir)); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}
	f := &Fuzzer{
		cfg:      cfg,
		queue:    NewQueue(cfg.WorkDir),
		chunks:   grammartec.NewChunkStore(cfg.ChunksPerRule),
		mutator:  grammartec.NewMutator(cfg.Rnd),
		instance: uuid.NewString(),
	}
	f.Stats = newStats(f)
	log.Logf(0, "fuzzer instance %v, work dir %v", f.instance, cfg.WorkDir)
	return f, nil
}

func (f *Fuzzer) Instance() string {
	return f.instance
}

// Queue exposes the corpus queue; used by stats rendering and tests.
func (f *Fuzzer) Queue() *Queue {
	return f.queue
}

// Stop requests an orderly shutdown. Safe to call from a signal handler
// goroutine; the loop observes the flag between mutation steps and at round
// boundaries.
func (f *Fuzzer) Stop() {
	f.stopped.Store(true)
}

// Loop runs fuzzing rounds until Stop is called or a fatal error occurs.
// On shutdown the processed items are flushed back into the active bag.
func (f *Fuzzer) Loop() error {
	for !f.stopped.Load() {
		if err := f.round(); err != nil {
			return err
		}
	}
	f.queue.NewRound()
	log.Logf(0, "shutting down: %v queue entries, %v coverage bits",
		f.queue.Len(), f.queue.NumBits())
	return nil
}

func (f *Fuzzer) round() error {
	f.statRounds.Add(1)
	if f.queue.IsEmpty() {
		f.queue.NewRound()
	}
	if f.queue.IsEmpty() {
		return f.seed()
	}
	item := f.queue.Pop()
	if err := f.process(item); err != nil {
		return err
	}
	f.queue.Finished(item)
	return nil
}

// seed runs grammar-only generation to fill the empty queue.
func (f *Fuzzer) seed() error {
	ctx := f.cfg.Ctx
	tree := new(grammartec.Tree)
	for i := 0; i < f.cfg.Seeds && !f.stopped.Load(); i++ {
		budget := ctx.RandomLenForNT(f.cfg.Rnd, ctx.Start())
		tree.GenerateFromNT(ctx.Start(), budget, ctx, f.cfg.Rnd)
		res, err := f.execute(tree, f.statExecSeed)
		if err != nil {
			return err
		}
		if f.queue.WantsBits(res.Cover) {
			if err := f.queue.Add(tree.Clone(), res.Cover, res.Reason, ctx, res.Elapsed); err != nil {
				return err
			}
		}
	}
	return nil
}

// process runs the item's pending minimization phase within the per-round
// step budget and, once minimization completes, the mutation battery.
func (f *Fuzzer) process(item *QueueItem) error {
	ctx := f.cfg.Ctx

	if item.State.Phase == PhaseMinimizeSubtree {
		end := item.State.NextNode + f.cfg.MinimizeSteps
		done, err := f.mutator.MinimizeTree(item.Tree, item.FreshBits, ctx,
			item.State.NextNode, end, f.testMinimize)
		if err != nil {
			return err
		}
		if !done {
			item.State.NextNode = end
			return nil
		}
		item.State = MinimizationState{Phase: PhaseMinimizeRec}
	}

	if item.State.Phase == PhaseMinimizeRec {
		end := item.State.NextNode + f.cfg.MinimizeSteps
		done, err := f.mutator.MinimizeRec(item.Tree, item.FreshBits, ctx,
			item.State.NextNode, end, f.testMinimize)
		if err != nil {
			return err
		}
		if !done {
			item.State.NextNode = end
			return nil
		}
		item.State = MinimizationState{Phase: PhaseMutate}
		// Minimized subtrees feed the splicing memory.
		f.chunks.AddTree(item.Tree, ctx)
		log.Logf(1, "minimized id %v to %v nodes", item.ID, item.Tree.Size())
	}

	return f.mutate(item)
}

func (f *Fuzzer) mutate(item *QueueItem) error {
	ctx := f.cfg.Ctx

	if _, err := f.mutator.MutRules(item.Tree, ctx, 0, item.Tree.Size(),
		f.testMutation(f.statExecRules)); err != nil {
		return err
	}
	for i := 0; i < f.cfg.RandomN && !f.stopped.Load(); i++ {
		if err := f.mutator.MutRandom(item.Tree, ctx,
			f.testMutation(f.statExecRandom)); err != nil {
			return err
		}
	}
	recursions := item.Tree.CalcRecursions(ctx)
	for i := 0; i < f.cfg.RecursionN && !f.stopped.Load(); i++ {
		if err := f.mutator.MutRandomRecursion(item.Tree, recursions, ctx,
			f.testMutation(f.statExecRec)); err != nil {
			return err
		}
	}
	for i := 0; i < f.cfg.SpliceN && !f.stopped.Load(); i++ {
		if err := f.mutator.MutSplice(item.Tree, ctx, f.chunks,
			f.testMutation(f.statExecSplice)); err != nil {
			return err
		}
	}
	return nil
}

// testMinimize checks that the candidate still triggers every fresh bit.
func (f *Fuzzer) testMinimize(m *grammartec.TreeMutation, freshBits cover.Set,
	ctx *grammartec.Context) (bool, error) {
	if f.stopped.Load() {
		return false, nil
	}
	res, err := f.execute(m, f.statExecMin)
	if err != nil {
		return false, err
	}
	return freshBits.CoveredBy(res.Cover), nil
}

// testMutation executes the candidate unconditionally and offers the
// outcome to the queue. The tree is materialized only on admission.
func (f *Fuzzer) testMutation(opStat *stat.Val) grammartec.FTesterMut {
	return func(m *grammartec.TreeMutation, ctx *grammartec.Context) error {
		if f.stopped.Load() {
			return nil
		}
		res, err := f.execute(m, opStat)
		if err != nil {
			return err
		}
		if !f.queue.WantsBits(res.Cover) {
			return nil
		}
		return f.queue.Add(m.ToTree(ctx), res.Cover, res.Reason, ctx, res.Elapsed)
	}
}

// execute unparses the candidate and runs the PUT, retrying bounded times on
// executor failures. Crashing and hanging inputs are filed as artifacts.
func (f *Fuzzer) execute(t grammartec.TreeLike, opStat *stat.Val) (*executor.Result, error) {
	f.unparseBuf.Reset()
	t.UnparseTo(f.cfg.Ctx, &f.unparseBuf)
	data := f.unparseBuf.Bytes()

	var res *executor.Result
	var err error
	for attempt := 0; ; attempt++ {
		res, err = f.cfg.Executor.Exec(data)
		if err == nil {
			break
		}
		if attempt >= f.cfg.ExecRetries {
			return nil, fmt.Errorf("executor failed repeatedly: %w", err)
		}
		log.Logf(0, "executor error (attempt %v): %v", attempt, err)
	}
	f.statExecs.Add(1)
	opStat.Add(1)
	f.statExecTime.Add(int(res.Elapsed.Microseconds()))

	switch res.Reason {
	case executor.Crash:
		f.statCrashes.Add(1)
		f.saveArtifact("crashes", data, res.Reason)
	case executor.Hang:
		f.statHangs.Add(1)
		f.saveArtifact("hangs", data, res.Reason)
	case executor.Timeout:
		f.statTimeouts.Add(1)
		f.saveArtifact("hangs", data, res.Reason)
	}
	return res, nil
}

func (f *Fuzzer) saveArtifact(dir string, data []byte, reason executor.ExitReason) {
	name := entryName(f.artifactID, reason)
	f.artifactID++
	path := filepath.Join(f.cfg.WorkDir, dir, name)
	if err := osutil.WritePrivateFile(path, data); err != nil {
		log.Logf(0, "failed to save %v: %v", path, err)
	}
}

// LogStatus emits a periodic status line.
func (f *Fuzzer) LogStatus() {
	log.Logf(0, "execs %v, queue %v+%v, bits %v, crashes %v, exec time ~%vus",
		f.statExecs.Val(), f.queue.Len(), f.queue.ProcessedLen(),
		f.queue.NumBits(), f.statCrashes.Val(), f.statExecTime.Val())
}

// StatusTicker runs LogStatus every period until Stop.
func (f *Fuzzer) StatusTicker(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for range ticker.C {
		if f.stopped.Load() {
			return
		}
		f.LogStatus()
	}
}
