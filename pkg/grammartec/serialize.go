// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package grammartec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Trees are persisted as their pre-order rule sequence; sizes and parents
// are rederived from the grammar on load. Custom leaves carry their literal
// bytes inline.

const customMarker = uint64(1 << 63)

// Serialize encodes the tree's rule sequence.
func (t *Tree) Serialize() []byte {
	buf := new(bytes.Buffer)
	var tmp [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
	}
	putUvarint(uint64(t.Size()))
	for _, rc := range t.rules {
		if rc.IsCustom() {
			putUvarint(uint64(rc.ID()) | customMarker)
			data := rc.Data()
			putUvarint(uint64(len(data)))
			buf.Write(data)
		} else {
			putUvarint(uint64(rc.ID()))
		}
	}
	return buf.Bytes()
}

// DeserializeTree decodes a rule sequence and rebuilds the tree against ctx.
func DeserializeTree(data []byte, ctx *Context) (*Tree, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree size: %w", err)
	}
	if count == 0 || count > uint64(len(data)) {
		return nil, fmt.Errorf("bad tree size %v", count)
	}
	rules := make([]RuleIDOrCustom, 0, count)
	for i := uint64(0); i < count; i++ {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule %v: %w", i, err)
		}
		id := RuleID(v &^ customMarker)
		if int(id) >= ctx.NumRules() {
			return nil, fmt.Errorf("unknown rule id %v", id)
		}
		if v&customMarker != 0 {
			n, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read custom data len: %w", err)
			}
			custom := make([]byte, n)
			if _, err := io.ReadFull(r, custom); err != nil {
				return nil, fmt.Errorf("failed to read custom data: %w", err)
			}
			rules = append(rules, NewCustom(id, custom))
		} else {
			rules = append(rules, NewRuleID(id))
		}
	}
	return NewTree(rules, ctx)
}
