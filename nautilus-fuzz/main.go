// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// nautilus-fuzz is a coverage-guided grammar fuzzer. Given a context-free
// grammar it synthesizes derivation trees, runs the target on the unparsed
// bytes and steers mutation by the coverage feedback.
//
//	nautilus-fuzz fuzz     -grammar g.json -workdir wd ./target
//	nautilus-fuzz generate -grammar g.json -workdir wd -n 100
//	nautilus-fuzz minimize -grammar g.json -workdir wd -tree file -bits 1,2 ./target
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xuesu/fuzzuf/pkg/config"
	"github.com/xuesu/fuzzuf/pkg/cover"
	"github.com/xuesu/fuzzuf/pkg/executor"
	"github.com/xuesu/fuzzuf/pkg/fuzzer"
	"github.com/xuesu/fuzzuf/pkg/grammartec"
	"github.com/xuesu/fuzzuf/pkg/log"
	"github.com/xuesu/fuzzuf/pkg/osutil"
	"github.com/xuesu/fuzzuf/pkg/stat"
	"github.com/xuesu/fuzzuf/pkg/tool"
)

// Options mirrors the command line flags; a commented JSON config file
// (-config) may pre-set any of them, explicit flags win.
type Options struct {
	Grammar   string `json:"grammar"`
	WorkDir   string `json:"workdir"`
	TimeoutMS int    `json:"timeout_ms"`
	MemMB     int    `json:"mem_mb"`
	MapSize   int    `json:"map_size"`
	TreeLen   int    `json:"tree_len"`
	Seeds     int    `json:"seeds"`
	HTTP      string `json:"http"`
	Debug     bool   `json:"debug"`

	MinimizeSteps int `json:"minimize_steps"`
	RandomN       int `json:"weight_random"`
	RecursionN    int `json:"weight_recursion"`
	SpliceN       int `json:"weight_splice"`
	ChunksPerRule int `json:"chunks_per_rule"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "fuzz":
		runFuzz(args)
	case "generate":
		runGenerate(args)
	case "minimize":
		runMinimize(args)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: nautilus-fuzz {fuzz|generate|minimize} [flags] [target...]\n")
	os.Exit(tool.ExitConfig)
}

func parseFlags(cmd string, args []string, extra func(*flag.FlagSet)) (*Options, []string) {
	flags := flag.NewFlagSet("nautilus-fuzz "+cmd, flag.ContinueOnError)
	flags.String("config", "", "commented JSON config file")
	opts := &Options{
		TimeoutMS:     1000,
		MemMB:         2048,
		MapSize:       1 << 16,
		TreeLen:       1000,
		Seeds:         100,
		MinimizeSteps: 200,
		RandomN:       50,
		RecursionN:    10,
		SpliceN:       50,
	}
	// Pre-scan for -config so flags override file values.
	for i, arg := range args {
		file := ""
		if arg == "-config" && i+1 < len(args) {
			file = args[i+1]
		} else if strings.HasPrefix(arg, "-config=") {
			file = arg[len("-config="):]
		}
		if file != "" {
			if err := config.LoadFile(file, opts); err != nil {
				tool.Exitf(tool.ExitConfig, "%v", err)
			}
		}
	}
	flags.StringVar(&opts.Grammar, "grammar", opts.Grammar, "grammar file (required)")
	flags.StringVar(&opts.WorkDir, "workdir", opts.WorkDir, "working directory (required)")
	flags.IntVar(&opts.TimeoutMS, "timeout", opts.TimeoutMS, "per-execution timeout (ms)")
	flags.IntVar(&opts.MemMB, "mem", opts.MemMB, "target memory limit (MB)")
	flags.IntVar(&opts.MapSize, "mapsize", opts.MapSize, "coverage map size (bytes)")
	flags.IntVar(&opts.TreeLen, "treelen", opts.TreeLen, "tree generation size cap")
	flags.IntVar(&opts.Seeds, "seeds", opts.Seeds, "trees generated when the queue runs dry")
	flags.StringVar(&opts.HTTP, "http", opts.HTTP, "serve stats and /metrics on this address")
	flags.BoolVar(&opts.Debug, "debug", opts.Debug, "forward target output to the log")
	flags.IntVar(&opts.MinimizeSteps, "minimize-steps", opts.MinimizeSteps, "per-round minimization step budget")
	flags.IntVar(&opts.RandomN, "weight-random", opts.RandomN, "random mutations per round")
	flags.IntVar(&opts.RecursionN, "weight-recursion", opts.RecursionN, "recursion mutations per round")
	flags.IntVar(&opts.SpliceN, "weight-splice", opts.SpliceN, "splice mutations per round")
	flags.IntVar(&opts.ChunksPerRule, "chunks-per-rule", opts.ChunksPerRule, "splicing memory cap per rule")
	if extra != nil {
		extra(flags)
	}
	if err := flags.Parse(args); err != nil {
		os.Exit(tool.ExitConfig)
	}
	if opts.Grammar == "" || opts.WorkDir == "" {
		tool.Exitf(tool.ExitConfig, "both -grammar and -workdir are required")
	}
	return opts, flags.Args()
}

func loadGrammar(opts *Options) *grammartec.Context {
	ctx, err := grammartec.LoadGrammar(opts.Grammar, opts.TreeLen)
	if err != nil {
		tool.Exitf(tool.ExitGrammar, "%v", err)
	}
	return ctx
}

func makeExecutor(opts *Options, argv []string) executor.Executor {
	if len(argv) == 0 {
		tool.Exitf(tool.ExitConfig, "no target command line given")
	}
	exec, err := executor.NewCmdExecutor(executor.CmdConfig{
		Argv:       argv,
		Timeout:    time.Duration(opts.TimeoutMS) * time.Millisecond,
		MemLimitMB: opts.MemMB,
		MapSize:    opts.MapSize,
		Debug:      opts.Debug,
	})
	if err != nil {
		tool.Exitf(tool.ExitExecutor, "failed to set up executor: %v", err)
	}
	return exec
}

func runFuzz(args []string) {
	opts, argv := parseFlags("fuzz", args, nil)
	log.EnableLogCaching(1000, 1<<20)
	ctx := loadGrammar(opts)
	exec := makeExecutor(opts, argv)
	defer exec.Close()

	f, err := fuzzer.New(&fuzzer.Config{
		Ctx:           ctx,
		Executor:      exec,
		WorkDir:       opts.WorkDir,
		Rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
		Seeds:         opts.Seeds,
		MinimizeSteps: opts.MinimizeSteps,
		RandomN:       opts.RandomN,
		RecursionN:    opts.RecursionN,
		SpliceN:       opts.SpliceN,
		ChunksPerRule: opts.ChunksPerRule,
	})
	if err != nil {
		tool.Exitf(tool.ExitConfig, "%v", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, _ := errgroup.WithContext(sigCtx)
	g.Go(f.Loop)
	g.Go(func() error {
		<-sigCtx.Done()
		log.Logf(0, "shutdown requested")
		f.Stop()
		return nil
	})
	go f.StatusTicker(10 * time.Second)
	if opts.HTTP != "" {
		go serveHTTP(opts.HTTP, f)
	}
	if err := g.Wait(); err != nil {
		tool.Exitf(tool.ExitExecutor, "%v", err)
	}
}

func serveHTTP(addr string, f *fuzzer.Fuzzer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "fuzzer instance %v\n\n", f.Instance())
		for _, v := range stat.Collect() {
			fmt.Fprintf(w, "%-20v %v\n", v.Name, v.Value)
		}
	})
	handler := handlers.CompressHandler(handlers.CombinedLoggingHandler(log.VerboseWriter(2), mux))
	log.Logf(0, "serving stats on http://%v", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Logf(0, "failed to serve stats: %v", err)
	}
}

func runGenerate(args []string) {
	var n int
	opts, _ := parseFlags("generate", args, func(flags *flag.FlagSet) {
		flags.IntVar(&n, "n", 100, "number of trees to generate")
	})
	ctx := loadGrammar(opts)
	dir := filepath.Join(opts.WorkDir, "generated")
	if err := osutil.MkdirAll(dir); err != nil {
		tool.Exitf(tool.ExitConfig, "%v", err)
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	type generated struct {
		name string
		data []byte
	}
	results := make([]generated, n)
	tree := new(grammartec.Tree)
	for i := 0; i < n; i++ {
		budget := ctx.RandomLenForNT(rnd, ctx.Start())
		tree.GenerateFromNT(ctx.Start(), budget, ctx, rnd)
		buf := new(strings.Builder)
		tree.UnparseTo(ctx, buf)
		results[i] = generated{
			name: filepath.Join(dir, fmt.Sprintf("id:%09d", i)),
			data: []byte(buf.String()),
		}
	}
	g := new(errgroup.Group)
	g.SetLimit(16)
	for _, res := range results {
		res := res
		g.Go(func() error {
			return osutil.WriteFile(res.name, res.data)
		})
	}
	if err := g.Wait(); err != nil {
		tool.Exitf(tool.ExitConfig, "failed to write generated inputs: %v", err)
	}
	log.Logf(0, "generated %v inputs in %v", n, dir)
}

func runMinimize(args []string) {
	var treeFile, bitsArg string
	opts, argv := parseFlags("minimize", args, func(flags *flag.FlagSet) {
		flags.StringVar(&treeFile, "tree", "", "serialized derivation to minimize (from <workdir>/trees)")
		flags.StringVar(&bitsArg, "bits", "", "comma-separated coverage bits to preserve")
	})
	if treeFile == "" || bitsArg == "" {
		tool.Exitf(tool.ExitConfig, "both -tree and -bits are required")
	}
	ctx := loadGrammar(opts)
	exec := makeExecutor(opts, argv)
	defer exec.Close()

	data, err := os.ReadFile(treeFile)
	if err != nil {
		tool.Exitf(tool.ExitConfig, "%v", err)
	}
	tree, err := grammartec.DeserializeTree(data, ctx)
	if err != nil {
		tool.Exitf(tool.ExitConfig, "failed to load derivation: %v", err)
	}
	bits := make(cover.Set)
	for _, s := range strings.Split(bitsArg, ",") {
		bit, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			tool.Exitf(tool.ExitConfig, "bad bit index %q: %v", s, err)
		}
		bits.Add(uint32(bit))
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	mut := grammartec.NewMutator(rnd)
	tester := func(m *grammartec.TreeMutation, fresh cover.Set, c *grammartec.Context) (bool, error) {
		buf := new(strings.Builder)
		m.UnparseTo(c, buf)
		res, err := exec.Exec([]byte(buf.String()))
		if err != nil {
			return false, err
		}
		return fresh.CoveredBy(res.Cover), nil
	}
	if _, err := mut.MinimizeTree(tree, bits, ctx, 0, tree.Size()+1, tester); err != nil {
		tool.Exitf(tool.ExitExecutor, "%v", err)
	}
	if _, err := mut.MinimizeRec(tree, bits, ctx, 0, tree.Size()+1, tester); err != nil {
		tool.Exitf(tool.ExitExecutor, "%v", err)
	}

	out := filepath.Join(opts.WorkDir, "minimized")
	buf := new(strings.Builder)
	tree.UnparseTo(ctx, buf)
	if err := osutil.WriteFile(out, []byte(buf.String())); err != nil {
		tool.Exitf(tool.ExitConfig, "%v", err)
	}
	log.Logf(0, "minimized to %v nodes (%v bytes), saved to %v", tree.Size(), buf.Len(), out)
}
