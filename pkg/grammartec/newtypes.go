// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import "fmt"

// NTermID identifies an interned nonterminal.
type NTermID int

// RuleID identifies a production in load order.
type RuleID int

// NodeID is an index into a Tree's flat arrays.
// It is stable only within one Tree value.
type NodeID int

// RuleIDOrCustom is either a grammar rule reference or a "custom" leaf
// carrying a literal byte string produced at runtime (script expansions).
// Custom rules are only valid as leaves.
type RuleIDOrCustom struct {
	id     RuleID
	data   []byte
	custom bool
}

func NewRuleID(id RuleID) RuleIDOrCustom {
	return RuleIDOrCustom{id: id}
}

func NewCustom(id RuleID, data []byte) RuleIDOrCustom {
	return RuleIDOrCustom{id: id, data: data, custom: true}
}

func (r RuleIDOrCustom) ID() RuleID {
	return r.id
}

func (r RuleIDOrCustom) IsCustom() bool {
	return r.custom
}

// Data returns the literal bytes of a custom leaf.
func (r RuleIDOrCustom) Data() []byte {
	if !r.custom {
		panic(fmt.Sprintf("rule %v has no custom data", r.id))
	}
	return r.data
}
