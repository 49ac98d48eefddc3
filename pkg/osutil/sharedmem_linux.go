// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateSharedMemFile creates a memfd-backed file of the given size
// suitable for sharing a coverage map with a child process.
func CreateSharedMemFile(size int) (*os.File, error) {
	// The name is irrelevant and can even be the same for all such files.
	fd, err := unix.MemfdCreate("fuzzuf-shared-mem", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to do memfd_create: %v", err)
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("/proc/self/fd/%d", fd))
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate shared mem file: %v", err)
	}
	return f, nil
}

// MapSharedMemFile maps the file created by CreateSharedMemFile into memory.
func MapSharedMemFile(f *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap shared mem file: %v", err)
	}
	return mem, nil
}

func UnmapSharedMemFile(mem []byte) error {
	return unix.Munmap(mem)
}
