// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package executor

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xuesu/fuzzuf/pkg/log"
	"github.com/xuesu/fuzzuf/pkg/osutil"
)

// Environment variables through which the instrumented PUT finds the
// coverage shared memory. The region is passed as an inherited fd.
const (
	ShmFdEnv   = "FUZZUF_SHM_FD"
	MapSizeEnv = "FUZZUF_MAP_SIZE"
)

// CmdConfig describes how to launch the PUT.
type CmdConfig struct {
	Argv       []string // "@@" is substituted with an input file path
	Timeout    time.Duration
	MemLimitMB int
	MapSize    int
	Debug      bool // forward PUT output to the log
}

// CmdExecutor launches the PUT as a child process per execution. The
// coverage map lives in a memfd region created once and zeroed before
// every run; the PUT inherits it as an open fd.
type CmdExecutor struct {
	cfg       CmdConfig
	shm       *os.File
	mem       []byte
	inputFile string // non-empty iff argv contains @@
}

func NewCmdExecutor(cfg CmdConfig) (*CmdExecutor, error) {
	if len(cfg.Argv) == 0 {
		return nil, fmt.Errorf("empty PUT command line")
	}
	if cfg.MapSize <= 0 {
		return nil, fmt.Errorf("bad coverage map size %v", cfg.MapSize)
	}
	if err := osutil.IsAccessible(cfg.Argv[0]); err != nil {
		return nil, err
	}
	shm, err := osutil.CreateSharedMemFile(cfg.MapSize)
	if err != nil {
		return nil, err
	}
	mem, err := osutil.MapSharedMemFile(shm, cfg.MapSize)
	if err != nil {
		shm.Close()
		return nil, err
	}
	e := &CmdExecutor{
		cfg: cfg,
		shm: shm,
		mem: mem,
	}
	for _, arg := range cfg.Argv[1:] {
		if arg == "@@" {
			e.inputFile, err = osutil.TempFile("", "fuzzuf-input-")
			if err != nil {
				e.Close()
				return nil, err
			}
			break
		}
	}
	return e, nil
}

func (e *CmdExecutor) MapSize() int {
	return e.cfg.MapSize
}

func (e *CmdExecutor) Close() error {
	if e.inputFile != "" {
		os.Remove(e.inputFile)
	}
	osutil.UnmapSharedMemFile(e.mem)
	return e.shm.Close()
}

// Exec runs the PUT once on data. The returned error indicates a failure to
// launch the PUT, distinct from the PUT crashing or timing out.
func (e *CmdExecutor) Exec(data []byte) (*Result, error) {
	for i := range e.mem {
		e.mem[i] = 0
	}

	argv := e.cfg.Argv
	if e.inputFile != "" {
		if err := osutil.WriteFile(e.inputFile, data); err != nil {
			return nil, fmt.Errorf("failed to write input file: %w", err)
		}
		argv = append([]string{}, argv...)
		for i, arg := range argv {
			if arg == "@@" {
				argv[i] = e.inputFile
			}
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if e.inputFile == "" {
		cmd.Stdin = bytes.NewReader(data)
	}
	if e.cfg.Debug {
		cmd.Stdout = log.VerboseWriter(2)
		cmd.Stderr = log.VerboseWriter(2)
	}
	// ExtraFiles entries start at fd 3 in the child.
	cmd.ExtraFiles = []*os.File{e.shm}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%v=3", ShmFdEnv),
		fmt.Sprintf("%v=%v", MapSizeEnv, e.cfg.MapSize))
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %v: %w", argv[0], err)
	}
	e.setMemLimit(cmd.Process.Pid)

	timedout := make(chan bool, 1)
	done := make(chan bool)
	timer := time.NewTimer(e.cfg.Timeout)
	go func() {
		select {
		case <-timer.C:
			timedout <- true
			unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		case <-done:
			timedout <- false
			timer.Stop()
		}
	}()
	err := cmd.Wait()
	close(done)
	elapsed := time.Since(start)

	res := &Result{
		Reason:  Normal,
		Cover:   e.mem,
		Elapsed: elapsed,
	}
	if <-timedout {
		res.Reason = Timeout
		return res, nil
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to wait for %v: %w", argv[0], err)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			res.Reason = Crash
		}
	}
	return res, nil
}

func (e *CmdExecutor) setMemLimit(pid int) {
	if e.cfg.MemLimitMB <= 0 {
		return
	}
	limit := uint64(e.cfg.MemLimitMB) << 20
	rlim := &unix.Rlimit{Cur: limit, Max: limit}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, rlim, nil); err != nil {
		// The process may already be gone, this is not fatal.
		log.Logf(3, "failed to set memory limit for pid %v: %v", pid, err)
	}
}
