// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package grammartec implements the grammar and derivation tree machinery
// of the Nautilus algorithm: rule contexts, flat derivation trees, splice
// views, recursion detection, cross-tree chunk memory, and the mutation
// operators built on top of them.
package grammartec

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// Context is the registry of nonterminals and rules, plus precomputed
// per-nonterminal metadata. It is immutable after Initialize.
type Context struct {
	rules     []Rule
	ntIDs     map[string]NTermID
	ntNames   []string
	rulesByNT [][]RuleID

	// Computed by Initialize.
	minLenNT   []int
	minLenRule []int
	maxLen     int
	ready      bool

	start NTermID // LHS of the first rule
}

func NewContext() *Context {
	return &Context{
		ntIDs: make(map[string]NTermID),
		start: noNonterm,
	}
}

func (c *Context) aquireNTID(name string) NTermID {
	if id, ok := c.ntIDs[name]; ok {
		return id
	}
	id := NTermID(len(c.ntNames))
	c.ntIDs[name] = id
	c.ntNames = append(c.ntNames, name)
	c.rulesByNT = append(c.rulesByNT, nil)
	return id
}

// AddRule registers a production. The RHS uses the Nautilus template syntax:
// {NAME} references a nonterminal, backslash escapes literal braces.
func (c *Context) AddRule(lhs, format string) (RuleID, error) {
	if c.ready {
		panic("AddRule after Initialize")
	}
	nt := c.aquireNTID(lhs)
	parts, err := parseRuleFormat(c, format)
	if err != nil {
		return 0, err
	}
	r := RuleID(len(c.rules))
	var nonterms []NTermID
	for _, part := range parts {
		if part.IsNonterm() {
			nonterms = append(nonterms, part.Nonterm)
		}
	}
	c.rules = append(c.rules, Rule{nonterm: nt, parts: parts, nonterms: nonterms})
	c.rulesByNT[nt] = append(c.rulesByNT[nt], r)
	if c.start == noNonterm {
		c.start = nt
	}
	return r, nil
}

// Initialize computes the per-nonterminal metadata and freezes the context.
// maxLen caps the tree size budget handed out by the random length samplers.
// Nonterminals with no finite derivation fail the load.
func (c *Context) Initialize(maxLen int) error {
	if c.ready {
		panic("Context already initialized")
	}
	if len(c.rules) == 0 {
		return fmt.Errorf("grammar has no rules")
	}
	c.maxLen = maxLen
	c.minLenNT = make([]int, len(c.ntNames))
	c.minLenRule = make([]int, len(c.rules))
	for i := range c.minLenNT {
		c.minLenNT[i] = math.MaxInt
	}
	for i := range c.minLenRule {
		c.minLenRule[i] = math.MaxInt
	}
	// Fixed-point iteration over the min derivation lengths.
	for changed := true; changed; {
		changed = false
		for i := range c.rules {
			l := 1
			for _, nt := range c.rules[i].nonterms {
				if c.minLenNT[nt] == math.MaxInt {
					l = math.MaxInt
					break
				}
				l += c.minLenNT[nt]
			}
			if l < c.minLenRule[i] {
				c.minLenRule[i] = l
				changed = true
			}
			if nt := c.rules[i].nonterm; l < c.minLenNT[nt] {
				c.minLenNT[nt] = l
				changed = true
			}
		}
	}
	var dead []string
	for nt, l := range c.minLenNT {
		if l == math.MaxInt {
			dead = append(dead, c.ntNames[nt])
		}
	}
	if len(dead) != 0 {
		sort.Strings(dead)
		return fmt.Errorf("grammar contains nonterminals with no finite derivation: %v",
			strings.Join(dead, ", "))
	}
	c.ready = true
	return nil
}

func (c *Context) NumRules() int {
	return len(c.rules)
}

func (c *Context) NumNonterms() int {
	return len(c.ntNames)
}

// Start returns the grammar's start symbol (the LHS of the first rule).
func (c *Context) Start() NTermID {
	return c.start
}

func (c *Context) NTID(name string) (NTermID, bool) {
	id, ok := c.ntIDs[name]
	return id, ok
}

func (c *Context) NTName(nt NTermID) string {
	return c.ntNames[nt]
}

func (c *Context) Rule(r RuleID) *Rule {
	return &c.rules[r]
}

// NT resolves the nonterminal a (possibly custom) rule expands.
func (c *Context) NT(r RuleIDOrCustom) NTermID {
	return c.rules[r.ID()].nonterm
}

func (c *Context) RulesForNT(nt NTermID) []RuleID {
	return c.rulesByNT[nt]
}

// HasMultipleRules reports whether nt has more than one production.
func (c *Context) HasMultipleRules(nt NTermID) bool {
	return len(c.rulesByNT[nt]) > 1
}

func (c *Context) MinLenForNT(nt NTermID) int {
	c.check()
	return c.minLenNT[nt]
}

func (c *Context) MinLenForRule(r RuleID) int {
	c.check()
	return c.minLenRule[r]
}

// RandomLenForNT returns a tree size budget in [min_len_for_nt, maxLen].
func (c *Context) RandomLenForNT(rnd *rand.Rand, nt NTermID) int {
	return c.randomLen(rnd, c.MinLenForNT(nt))
}

// RandomLenForRule returns a tree size budget in [min_len_for_rule, maxLen].
func (c *Context) RandomLenForRule(rnd *rand.Rand, r RuleID) int {
	return c.randomLen(rnd, c.MinLenForRule(r))
}

func (c *Context) randomLen(rnd *rand.Rand, min int) int {
	if min >= c.maxLen {
		return min
	}
	return min + rnd.Intn(c.maxLen-min+1)
}

// RandomRuleForNT samples uniformly among nt's rules whose min derivation
// fits the budget; if none fit, among the min-length rules.
func (c *Context) RandomRuleForNT(rnd *rand.Rand, nt NTermID, budget int) RuleID {
	c.check()
	var fitting []RuleID
	for _, r := range c.rulesByNT[nt] {
		if c.minLenRule[r] <= budget {
			fitting = append(fitting, r)
		}
	}
	if len(fitting) == 0 {
		for _, r := range c.rulesByNT[nt] {
			if c.minLenRule[r] == c.minLenNT[nt] {
				fitting = append(fitting, r)
			}
		}
	}
	return fitting[rnd.Intn(len(fitting))]
}

func (c *Context) check() {
	if !c.ready {
		panic("Context used before Initialize")
	}
}
