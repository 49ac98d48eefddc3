// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import (
	"bytes"
	"fmt"
	"strings"
)

const noNonterm = NTermID(-1)

// RulePart is one element of a rule's RHS: either a terminal byte string
// or a nonterminal reference.
type RulePart struct {
	Literal []byte
	Nonterm NTermID // noNonterm for terminals
}

func (p RulePart) IsNonterm() bool {
	return p.Nonterm != noNonterm
}

// Rule is a single production: an LHS nonterminal and an ordered RHS
// of terminals and nonterminal references.
type Rule struct {
	nonterm  NTermID
	parts    []RulePart
	nonterms []NTermID // RHS nonterminals in order, cached
}

func (r *Rule) Nonterm() NTermID {
	return r.nonterm
}

func (r *Rule) Parts() []RulePart {
	return r.parts
}

// Nonterms returns the rule's RHS nonterminals in derivation order.
func (r *Rule) Nonterms() []NTermID {
	return r.nonterms
}

func (r *Rule) NumNonterms() int {
	return len(r.nonterms)
}

// parseRuleFormat parses the Nautilus RHS template syntax: {NAME} references
// a nonterminal, \{ and \} escape literal braces, \\ escapes a backslash.
func parseRuleFormat(ctx *Context, format string) ([]RulePart, error) {
	var parts []RulePart
	lit := new(bytes.Buffer)
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, RulePart{Literal: append([]byte{}, lit.Bytes()...), Nonterm: noNonterm})
			lit.Reset()
		}
	}
	for i := 0; i < len(format); i++ {
		switch ch := format[i]; ch {
		case '\\':
			if i+1 == len(format) {
				return nil, fmt.Errorf("truncated escape in rule %q", format)
			}
			i++
			lit.WriteByte(format[i])
		case '{':
			end := strings.IndexByte(format[i:], '}')
			if end == -1 {
				return nil, fmt.Errorf("unterminated nonterminal reference in rule %q", format)
			}
			name := format[i+1 : i+end]
			if name == "" {
				return nil, fmt.Errorf("empty nonterminal reference in rule %q", format)
			}
			flush()
			parts = append(parts, RulePart{Nonterm: ctx.aquireNTID(name)})
			i += end
		case '}':
			return nil, fmt.Errorf("unbalanced '}' in rule %q", format)
		default:
			lit.WriteByte(ch)
		}
	}
	flush()
	return parts, nil
}

// DescribeRule renders a rule for diagnostics, e.g. E -> "a"{E}.
func (c *Context) DescribeRule(r RuleID) string {
	rule := c.Rule(r)
	buf := new(strings.Builder)
	fmt.Fprintf(buf, "%v ->", c.NTName(rule.nonterm))
	for _, part := range rule.parts {
		if part.IsNonterm() {
			fmt.Fprintf(buf, " {%v}", c.NTName(part.Nonterm))
		} else {
			fmt.Fprintf(buf, " %q", part.Literal)
		}
	}
	return buf.String()
}
