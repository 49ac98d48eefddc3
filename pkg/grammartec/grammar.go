// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import (
	"fmt"
	"os"

	"github.com/xuesu/fuzzuf/pkg/config"
	"github.com/xuesu/fuzzuf/pkg/log"
)

// LoadGrammar reads a Nautilus-style grammar file: a JSON array of
// [LHS, RHS] string pairs (lines starting with # are comments). {NAME} in an
// RHS references a nonterminal, backslash escapes literal braces. The LHS of
// the first rule is the start symbol.
func LoadGrammar(filename string, maxLen int) (*Context, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read grammar: %w", err)
	}
	ctx, err := LoadGrammarData(data, maxLen)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	return ctx, nil
}

func LoadGrammarData(data []byte, maxLen int) (*Context, error) {
	var entries [][2]string
	if err := config.LoadData(data, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("grammar has no rules")
	}
	ctx := NewContext()
	for _, e := range entries {
		if e[0] == "" {
			return nil, fmt.Errorf("rule with empty nonterminal name")
		}
		if _, err := ctx.AddRule(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	if err := ctx.Initialize(maxLen); err != nil {
		return nil, err
	}
	log.Logf(1, "loaded grammar: %v nonterminals, %v rules, start %v",
		ctx.NumNonterms(), ctx.NumRules(), ctx.NTName(ctx.Start()))
	return ctx, nil
}
