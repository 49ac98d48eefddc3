// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuesu/fuzzuf/pkg/testutil"
)

func buildContext(t *testing.T, maxLen int, rules [][2]string) *Context {
	ctx := NewContext()
	for _, r := range rules {
		_, err := ctx.AddRule(r[0], r[1])
		require.NoError(t, err)
	}
	require.NoError(t, ctx.Initialize(maxLen))
	return ctx
}

func TestMinLenFixpoint(t *testing.T) {
	ctx := buildContext(t, 100, [][2]string{
		{"S", "a{S}"},
		{"S", "b"},
		{"E", "{E}+{E}"},
		{"E", "n"},
		{"P", "x{E}y{S}"},
	})
	s, _ := ctx.NTID("S")
	e, _ := ctx.NTID("E")
	p, _ := ctx.NTID("P")
	assert.Equal(t, 1, ctx.MinLenForNT(s))
	assert.Equal(t, 2, ctx.MinLenForRule(RuleID(0))) // S -> a{S}
	assert.Equal(t, 1, ctx.MinLenForRule(RuleID(1))) // S -> b
	assert.Equal(t, 1, ctx.MinLenForNT(e))
	assert.Equal(t, 3, ctx.MinLenForRule(RuleID(2))) // E -> {E}+{E}
	assert.Equal(t, 3, ctx.MinLenForNT(p))           // P + min(E) + min(S)
}

func TestUnreachableNonterm(t *testing.T) {
	ctx := NewContext()
	_, err := ctx.AddRule("S", "a{L}")
	require.NoError(t, err)
	_, err = ctx.AddRule("L", "x{L}") // no finite derivation
	require.NoError(t, err)
	err = ctx.Initialize(100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "L")
}

func TestRuleFormatParsing(t *testing.T) {
	ctx := NewContext()
	r, err := ctx.AddRule("S", `a\{literal\}{S}tail`)
	require.NoError(t, err)
	rule := ctx.Rule(r)
	require.Len(t, rule.Parts(), 3)
	assert.Equal(t, []byte("a{literal}"), rule.Parts()[0].Literal)
	assert.True(t, rule.Parts()[1].IsNonterm())
	assert.Equal(t, []byte("tail"), rule.Parts()[2].Literal)
	assert.Equal(t, 1, rule.NumNonterms())

	_, err = ctx.AddRule("S", "{unterminated")
	assert.Error(t, err)
	_, err = ctx.AddRule("S", "{}")
	assert.Error(t, err)
	_, err = ctx.AddRule("S", "dangling}")
	assert.Error(t, err)
}

func TestRandomLenBounds(t *testing.T) {
	ctx := buildContext(t, 10, [][2]string{
		{"S", "a{S}"},
		{"S", "b"},
	})
	rnd := rand.New(testutil.RandSource(t))
	s, _ := ctx.NTID("S")
	for i := 0; i < testutil.IterCount(); i++ {
		l := ctx.RandomLenForNT(rnd, s)
		assert.GreaterOrEqual(t, l, 1)
		assert.LessOrEqual(t, l, 10)
	}
}

func TestRandomRuleForNT(t *testing.T) {
	ctx := buildContext(t, 100, [][2]string{
		{"S", "a{S}"},
		{"S", "b"},
	})
	rnd := rand.New(testutil.RandSource(t))
	s, _ := ctx.NTID("S")
	// Budget 1 only fits the terminal rule.
	for i := 0; i < 50; i++ {
		assert.Equal(t, RuleID(1), ctx.RandomRuleForNT(rnd, s, 1))
	}
	// A larger budget samples both rules.
	seen := make(map[RuleID]bool)
	for i := 0; i < 100; i++ {
		seen[ctx.RandomRuleForNT(rnd, s, 5)] = true
	}
	assert.Len(t, seen, 2)
}

func TestHasMultipleRules(t *testing.T) {
	ctx := buildContext(t, 100, [][2]string{
		{"S", "a{S}"},
		{"S", "b"},
		{"T", "t"},
	})
	s, _ := ctx.NTID("S")
	tt, _ := ctx.NTID("T")
	assert.True(t, ctx.HasMultipleRules(s))
	assert.False(t, ctx.HasMultipleRules(tt))
}

func TestLoadGrammarData(t *testing.T) {
	data := []byte(`
# expression grammar
[
	["E", "{E}+{E}"],
	["E", "n"]
]
`)
	ctx, err := LoadGrammarData(data, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, ctx.NumRules())
	assert.Equal(t, "E", ctx.NTName(ctx.Start()))

	_, err = LoadGrammarData([]byte(`[]`), 100)
	assert.Error(t, err)
	_, err = LoadGrammarData([]byte(`[["S", "{Missing}"]]`), 100)
	assert.Error(t, err)
}
