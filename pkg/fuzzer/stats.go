// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"github.com/xuesu/fuzzuf/pkg/stat"
)

type Stats struct {
	statExecs      *stat.Val
	statExecSeed   *stat.Val
	statExecMin    *stat.Val
	statExecRules  *stat.Val
	statExecRandom *stat.Val
	statExecRec    *stat.Val
	statExecSplice *stat.Val
	statExecTime   *stat.Val
	statRounds     *stat.Val
	statCrashes    *stat.Val
	statHangs      *stat.Val
	statTimeouts   *stat.Val
	statQueue      *stat.Val
	statProcessed  *stat.Val
	statBits       *stat.Val
	statChunks     *stat.Val
}

func newStats(f *Fuzzer) Stats {
	return Stats{
		statExecs: stat.New("exec total", "Total test program executions",
			stat.Rate{}, stat.Prometheus("fuzzuf_exec_total")),
		statExecSeed:   stat.New("exec seed", "Executions of generated seed inputs", stat.Rate{}),
		statExecMin:    stat.New("exec minimize", "Executions during minimization", stat.Rate{}),
		statExecRules:  stat.New("exec rules", "Executions of rules mutation candidates", stat.Rate{}),
		statExecRandom: stat.New("exec random", "Executions of random mutation candidates", stat.Rate{}),
		statExecRec:    stat.New("exec recursion", "Executions of random recursion candidates", stat.Rate{}),
		statExecSplice: stat.New("exec splice", "Executions of splicing candidates", stat.Rate{}),
		statExecTime:   stat.New("exec time", "Test program execution time (us)", stat.Distribution{}),
		statRounds:     stat.New("rounds", "Fuzzing rounds", stat.Rate{}),
		statCrashes: stat.New("crashes", "Total crashes observed",
			stat.Prometheus("fuzzuf_crashes_total")),
		statHangs:    stat.New("hangs", "Total hangs observed"),
		statTimeouts: stat.New("timeouts", "Total timeouts observed"),
		statQueue: stat.New("queue", "Active queue entries",
			func() int { return f.queue.Len() }),
		statProcessed: stat.New("processed", "Processed queue entries",
			func() int { return f.queue.ProcessedLen() }),
		statBits: stat.New("coverage bits", "Indexed coverage bits",
			func() int { return f.queue.NumBits() }, stat.Prometheus("fuzzuf_coverage_bits")),
		statChunks: stat.New("chunks", "Subtrees stored for splicing",
			func() int { return f.chunks.NumChunks() }),
	}
}
