// Package config loads SBN's typed configuration: the protocol/filter
// module tables, the peer table, scheduler tuning, and the RemapTable
// (spec.md §6). Table-loading mechanics (the out-of-scope collaborator
// named in spec.md §1) live here; the core only ever touches the resulting
// typed Go values.
package config

import (
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/google/orderedcode"
	"github.com/pkg/errors"

	"github.com/cometbft/sbn/internal/sbnsync"
	"github.com/cometbft/sbn/sbntypes"
)

// DefaultAction is what a RemapTable does with a MID that has no explicit
// row for a given processor (spec.md §6).
type DefaultAction int

const (
	// DefaultDrop silently drops messages with no matching row.
	DefaultDrop DefaultAction = iota
	// DefaultPassThrough forwards messages with no matching row unchanged.
	DefaultPassThrough
)

// RemapRow is one (processor, from-MID) -> to-MID mapping. ToMID == 0 means
// "drop messages with this from-MID destined for this processor"
// (spec.md §6 — we resolve the documented historical ambiguity in favor of
// DROP per spec.md's explicit text; see DESIGN.md "Open Question
// decisions").
type RemapRow struct {
	ProcessorID sbntypes.ProcessorID
	FromMID     sbntypes.MID
	ToMID       sbntypes.MID
}

// remapKey returns an order-preserving byte encoding of (ProcessorID,
// FromMID) via orderedcode, so the table's sortedness invariant can be
// checked/maintained with a plain byte comparison instead of a bespoke
// comparator.
func remapKey(processorID sbntypes.ProcessorID, fromMID sbntypes.MID) string {
	key, err := orderedcode.Append(nil, int64(processorID), int64(fromMID))
	if err != nil {
		// orderedcode.Append only fails on unsupported operand types; both
		// operands here are always int64, so this is unreachable.
		panic(err)
	}
	return string(key)
}

// RemapTable is the ordered, (processorID, fromMID)-unique list of row
// mappings plus a default action (spec.md §3, §6).
type RemapTable struct {
	mu      sbnsync.RWMutex
	rows    []RemapRow
	byKey   map[string]int // remapKey -> index into rows
	Default DefaultAction
}

// ErrDuplicateRemapRow is returned when Load or Add would create two rows
// with the same (ProcessorID, FromMID) key.
var ErrDuplicateRemapRow = errors.New("config: duplicate (processor, from-MID) in remap table")

// NewRemapTable builds an empty table with the given default action.
func NewRemapTable(def DefaultAction) *RemapTable {
	return &RemapTable{byKey: make(map[string]int), Default: def}
}

// Add inserts a row, keeping rows sorted on (ProcessorID, FromMID) and
// rejecting duplicates (spec.md §3 invariant).
func (t *RemapTable) Add(row RemapRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(row)
}

func (t *RemapTable) addLocked(row RemapRow) error {
	key := remapKey(row.ProcessorID, row.FromMID)
	if _, dup := t.byKey[key]; dup {
		return ErrDuplicateRemapRow
	}
	t.rows = append(t.rows, row)
	sort.Slice(t.rows, func(i, j int) bool {
		ki := remapKey(t.rows[i].ProcessorID, t.rows[i].FromMID)
		kj := remapKey(t.rows[j].ProcessorID, t.rows[j].FromMID)
		return ki < kj
	})
	t.reindexLocked()
	return nil
}

func (t *RemapTable) reindexLocked() {
	t.byKey = make(map[string]int, len(t.rows))
	for i, r := range t.rows {
		t.byKey[remapKey(r.ProcessorID, r.FromMID)] = i
	}
}

// Delete removes the row for (processorID, fromMID), if present.
func (t *RemapTable) Delete(processorID sbntypes.ProcessorID, fromMID sbntypes.MID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := remapKey(processorID, fromMID)
	idx, ok := t.byKey[key]
	if !ok {
		return
	}
	t.rows = append(t.rows[:idx], t.rows[idx+1:]...)
	t.reindexLocked()
}

// Lookup finds the row for (processorID, fromMID). ok is false if there is
// no explicit row, in which case the caller should apply Default.
func (t *RemapTable) Lookup(processorID sbntypes.ProcessorID, fromMID sbntypes.MID) (toMID sbntypes.MID, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, found := t.byKey[remapKey(processorID, fromMID)]
	if !found {
		return 0, false
	}
	return t.rows[idx].ToMID, true
}

// Rows returns a copy of the table's rows, in sorted order.
func (t *RemapTable) Rows() []RemapRow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RemapRow, len(t.rows))
	copy(out, t.rows)
	return out
}

// remapFile is the on-disk TOML shape for a RemapTable, loaded directly via
// BurntSushi/toml (rather than viper) because the sortedness/uniqueness
// invariant needs to be enforced immediately at load time, row by row.
type remapFile struct {
	Default string      `toml:"default"`
	Rows    []remapRowT `toml:"row"`
}

type remapRowT struct {
	ProcessorID uint32 `toml:"processor_id"`
	FromMID     uint32 `toml:"from_mid"`
	ToMID       uint32 `toml:"to_mid"`
}

// LoadRemapTable reads and normalizes a RemapTable from a TOML file path.
func LoadRemapTable(path string) (*RemapTable, error) {
	var rf remapFile
	if _, err := toml.DecodeFile(path, &rf); err != nil {
		return nil, errors.Wrapf(err, "config: decoding remap table %s", path)
	}

	def := DefaultDrop
	switch rf.Default {
	case "", "DROP":
		def = DefaultDrop
	case "PASS_THROUGH":
		def = DefaultPassThrough
	default:
		return nil, errors.Errorf("config: unknown remap table default action %q", rf.Default)
	}

	t := NewRemapTable(def)
	for _, row := range rf.Rows {
		r := RemapRow{
			ProcessorID: sbntypes.ProcessorID(row.ProcessorID),
			FromMID:     sbntypes.MID(row.FromMID),
			ToMID:       sbntypes.MID(row.ToMID),
		}
		if err := t.Add(r); err != nil {
			return nil, errors.Wrapf(err, "config: remap row processor=%d from=%#x", r.ProcessorID, r.FromMID)
		}
	}
	return t, nil
}
