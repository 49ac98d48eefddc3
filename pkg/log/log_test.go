// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package log

import (
	"strings"
	"testing"
)

func TestCaching(t *testing.T) {
	EnableLogCaching(4, 1<<10)
	for i, msg := range []string{"one", "two", "three", "four", "five"} {
		Logf(0, "msg %v: %v", i, msg)
	}
	out := CachedLogOutput()
	if strings.Contains(out, "one") {
		t.Fatalf("oldest entry was not evicted:\n%v", out)
	}
	for _, want := range []string{"two", "three", "four", "five"} {
		if !strings.Contains(out, want) {
			t.Fatalf("cached output misses %q:\n%v", want, out)
		}
	}
}
