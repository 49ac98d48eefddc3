// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(argv ...string) CmdConfig {
	return CmdConfig{
		Argv:    argv,
		Timeout: 5 * time.Second,
		MapSize: 1 << 12,
	}
}

func TestCmdExecutorNormal(t *testing.T) {
	e, err := NewCmdExecutor(testConfig("/bin/cat"))
	require.NoError(t, err)
	defer e.Close()
	res, err := e.Exec([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, Normal, res.Reason)
	assert.Len(t, res.Cover, 1<<12)
}

func TestCmdExecutorCrash(t *testing.T) {
	e, err := NewCmdExecutor(testConfig("/bin/sh", "-c", "kill -SEGV $$"))
	require.NoError(t, err)
	defer e.Close()
	res, err := e.Exec(nil)
	require.NoError(t, err)
	assert.Equal(t, Crash, res.Reason)
}

func TestCmdExecutorNonzeroExit(t *testing.T) {
	// A nonzero exit code is a normal outcome, not a crash.
	e, err := NewCmdExecutor(testConfig("/bin/sh", "-c", "exit 7"))
	require.NoError(t, err)
	defer e.Close()
	res, err := e.Exec(nil)
	require.NoError(t, err)
	assert.Equal(t, Normal, res.Reason)
}

func TestCmdExecutorTimeout(t *testing.T) {
	cfg := testConfig("/bin/sh", "-c", "sleep 10")
	cfg.Timeout = 100 * time.Millisecond
	e, err := NewCmdExecutor(cfg)
	require.NoError(t, err)
	defer e.Close()
	start := time.Now()
	res, err := e.Exec(nil)
	require.NoError(t, err)
	assert.Equal(t, Timeout, res.Reason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCmdExecutorInputFile(t *testing.T) {
	e, err := NewCmdExecutor(testConfig("/bin/cat", "@@"))
	require.NoError(t, err)
	defer e.Close()
	res, err := e.Exec([]byte("via file"))
	require.NoError(t, err)
	assert.Equal(t, Normal, res.Reason)
}

func TestCmdExecutorSetupErrors(t *testing.T) {
	_, err := NewCmdExecutor(testConfig())
	assert.Error(t, err)
	_, err = NewCmdExecutor(testConfig("/nonexistent/binary"))
	assert.Error(t, err)
	cfg := testConfig("/bin/cat")
	cfg.MapSize = 0
	_, err = NewCmdExecutor(cfg)
	assert.Error(t, err)
}
