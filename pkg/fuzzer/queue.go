// Copyright 2025 fuzzuf project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/xuesu/fuzzuf/pkg/cover"
	"github.com/xuesu/fuzzuf/pkg/executor"
	"github.com/xuesu/fuzzuf/pkg/grammartec"
	"github.com/xuesu/fuzzuf/pkg/log"
	"github.com/xuesu/fuzzuf/pkg/osutil"
)

// MinimizationPhase tracks how far an item's processing has progressed.
// Long minimizations are interleaved across rounds, so the phase and the
// resume index live on the item itself.
type MinimizationPhase int

const (
	PhaseMinimizeSubtree MinimizationPhase = iota
	PhaseMinimizeRec
	PhaseMutate
)

func (p MinimizationPhase) String() string {
	switch p {
	case PhaseMinimizeSubtree:
		return "minimize-subtree"
	case PhaseMinimizeRec:
		return "minimize-rec"
	case PhaseMutate:
		return "mutate"
	}
	return "unknown"
}

type MinimizationState struct {
	Phase    MinimizationPhase
	NextNode int
}

// QueueItem is one corpus entry: the first input that triggered at least one
// never-before-seen coverage bit.
type QueueItem struct {
	ID         uint64
	Tree       *grammartec.Tree
	FreshBits  cover.Set
	AllBits    []byte
	ExitReason executor.ExitReason
	ExecTime   time.Duration
	State      MinimizationState
}

// Queue is the coverage-indexed corpus: one representative per coverage bit,
// a LIFO active bag driving the minimize/mutate pipeline, and a reverse
// index from bits to entries so stale entries can be retired once a strictly
// better representative exists. Entries are mirrored on disk under
// <workdir>/queue/; the serialized derivation goes to <workdir>/trees/.
type Queue struct {
	workDir     string
	inputs      []*QueueItem
	processed   []*QueueItem
	bitToInputs map[uint32][]uint64
	currentID   uint64
}

func NewQueue(workDir string) *Queue {
	return &Queue{
		workDir:     workDir,
		bitToInputs: make(map[uint32][]uint64),
	}
}

func (q *Queue) IsEmpty() bool {
	return len(q.inputs) == 0
}

func (q *Queue) Len() int {
	return len(q.inputs)
}

func (q *Queue) ProcessedLen() int {
	return len(q.processed)
}

// NumBits returns the number of indexed coverage bits.
func (q *Queue) NumBits() int {
	return len(q.bitToInputs)
}

// WantsBits reports whether the coverage map sets any bit that is not yet
// indexed. This is the admission freshness gate; callers use it to avoid
// materializing rejected candidates.
func (q *Queue) WantsBits(allBits []byte) bool {
	for i, b := range allBits {
		if b == 0 {
			continue
		}
		if _, ok := q.bitToInputs[uint32(i)]; !ok {
			return true
		}
	}
	return false
}

// register indexes every active bit of allBits under id and returns the set
// of bits that were not indexed before.
func (q *Queue) register(allBits []byte, id uint64) cover.Set {
	fresh := make(cover.Set)
	for i, b := range allBits {
		if b == 0 {
			continue
		}
		bit := uint32(i)
		if _, ok := q.bitToInputs[bit]; !ok {
			fresh.Add(bit)
		}
		q.bitToInputs[bit] = append(q.bitToInputs[bit], id)
	}
	return fresh
}

// Add offers an executed candidate to the queue. Candidates that bring no
// unindexed bit are discarded silently. Admitted candidates are persisted
// to disk; persistence failure is returned to the caller and must abort the
// run, or the bit index would no longer match the on-disk corpus.
func (q *Queue) Add(tree *grammartec.Tree, allBits []byte, reason executor.ExitReason,
	ctx *grammartec.Context, execTime time.Duration) error {
	if !q.WantsBits(allBits) {
		return nil
	}
	allBits = append([]byte{}, allBits...)
	fresh := q.register(allBits, q.currentID)

	buf := new(bytes.Buffer)
	tree.UnparseTo(ctx, buf)
	path := q.entryPath(q.currentID, reason)
	if err := osutil.WritePrivateFile(path, buf.Bytes()); err != nil {
		return fmt.Errorf("cannot save tree: %w", err)
	}
	if err := osutil.WritePrivateFile(q.treePath(q.currentID, reason), tree.Serialize()); err != nil {
		return fmt.Errorf("cannot save tree derivation: %w", err)
	}
	log.Logf(1, "queue: added id %v (%v fresh bits, %v bytes, %v)",
		q.currentID, fresh.Len(), buf.Len(), reason)

	q.inputs = append(q.inputs, &QueueItem{
		ID:         q.currentID,
		Tree:       tree,
		FreshBits:  fresh,
		AllBits:    allBits,
		ExitReason: reason,
		ExecTime:   execTime,
	})
	if q.currentID == math.MaxUint64 {
		q.currentID = 0
	} else {
		q.currentID++
	}
	return nil
}

// Pop removes and returns the most recent active item. Every reverse-index
// entry referencing it is cleaned up; bits left without a representative are
// dropped from the index so the item's bits count as unindexed again.
func (q *Queue) Pop() *QueueItem {
	if q.IsEmpty() {
		panic("pop from empty queue")
	}
	item := q.inputs[len(q.inputs)-1]
	q.inputs = q.inputs[:len(q.inputs)-1]

	for bit, ids := range q.bitToInputs {
		n := 0
		for _, id := range ids {
			if id != item.ID {
				ids[n] = id
				n++
			}
		}
		if n == 0 {
			delete(q.bitToInputs, bit)
		} else {
			q.bitToInputs[bit] = ids[:n]
		}
	}
	return item
}

// Finished returns a processed item to the queue. If every bit the item
// represents is meanwhile covered by another live entry, the item is
// obsolete: its files are deleted and it is dropped. Otherwise its fresh
// bits are recomputed, re-registered, and it is filed to processed.
func (q *Queue) Finished(item *QueueItem) {
	if !q.WantsBits(item.AllBits) {
		os.Remove(q.entryPath(item.ID, item.ExitReason))
		os.Remove(q.treePath(item.ID, item.ExitReason))
		log.Logf(1, "queue: dropped obsolete id %v", item.ID)
		return
	}
	item.FreshBits = q.register(item.AllBits, item.ID)
	q.processed = append(q.processed, item)
}

// NewRound returns the processed items to the active bag. Called when the
// active bag drains; gives survivors another pass.
func (q *Queue) NewRound() {
	q.inputs = append(q.inputs, q.processed...)
	q.processed = q.processed[:0]
}

func (q *Queue) entryPath(id uint64, reason executor.ExitReason) string {
	return filepath.Join(q.workDir, "queue", entryName(id, reason))
}

func (q *Queue) treePath(id uint64, reason executor.ExitReason) string {
	return filepath.Join(q.workDir, "trees", entryName(id, reason))
}

func entryName(id uint64, reason executor.ExitReason) string {
	return fmt.Sprintf("id:%09d,er:%d", id, int(reason))
}
