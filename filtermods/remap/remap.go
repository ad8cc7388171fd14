// Package remap implements SBN's MID-translation filter module: a
// (processorID, fromMID) -> toMID lookup applied to both data-flow
// filtering and subscription-MID translation (spec.md §4.3, §6).
//
// Grounded on original_source/modules/filter/remap/fsw/src/sbn_f_remap.c
// (SBN_F_Remap): a mutex-guarded sorted table, binary search by
// (ProcessorID, FromMID), ToMID == 0x0000 (found row) means "drop this
// message" (SBN_IF_EMPTY), and a configurable default action for rows with
// no explicit entry (SBN_REMAP_DEFAULT_IGNORE / SBN_REMAP_DEFAULT_SEND).
package remap

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cometbft/sbn/config"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/sbntypes"
)

// cacheCapacity bounds the hot-path LRU sitting in front of RemapTable's
// lock-guarded keyed lookup — a fixed spacecraft config rarely has more than a few
// hundred distinct (processor, MID) pairs in active traffic at once.
const cacheCapacity = 512

type cacheKey struct {
	processorID sbntypes.ProcessorID
	mid         sbntypes.MID
}

type cacheEntry struct {
	toMID sbntypes.MID
	drop  bool
}

// Module is the remap filter: wraps a *config.RemapTable behind the
// module.FilterModule contract, with an LRU cache absorbing repeated
// lookups for the same (processor, MID) pair on the data-flow hot path.
type Module struct {
	table *config.RemapTable
	cache *lru.Cache[cacheKey, cacheEntry]
}

func init() {
	module.RegisterFilter("remap", func(d module.FilterDeps) module.FilterModule {
		return New(d.RemapTable)
	})
}

// New builds a remap filter module bound to table.
func New(table *config.RemapTable) *Module {
	cache, err := lru.New[cacheKey, cacheEntry](cacheCapacity)
	if err != nil {
		// New only errors for a non-positive size; cacheCapacity is a
		// positive constant, so this is unreachable.
		panic(err)
	}
	return &Module{table: table, cache: cache}
}

// InitModule is a no-op version gate: the remap table format has not
// changed since its original introduction.
func (m *Module) InitModule(string) error { return nil }

func (m *Module) resolve(processorID sbntypes.ProcessorID, mid sbntypes.MID) (sbntypes.MID, bool) {
	key := cacheKey{processorID, mid}
	if entry, ok := m.cache.Get(key); ok {
		if entry.drop {
			return 0, false
		}
		return entry.toMID, true
	}

	toMID, ok := m.table.Lookup(processorID, mid)
	if !ok {
		if m.table.Default == config.DefaultPassThrough {
			m.cache.Add(key, cacheEntry{toMID: mid})
			return mid, true
		}
		m.cache.Add(key, cacheEntry{drop: true})
		return 0, false
	}
	if toMID == 0 {
		m.cache.Add(key, cacheEntry{drop: true})
		return 0, false
	}
	m.cache.Add(key, cacheEntry{toMID: toMID})
	return toMID, true
}

// FilterSend rewrites msg.MID per the remap table for the destination
// peer, or drops it (FilterIfEmpty) when the table says DROP.
func (m *Module) FilterSend(msg *module.Message, ctx module.FilterContext) module.FilterResult {
	toMID, ok := m.resolve(ctx.ProcessorID, msg.MID)
	if !ok {
		return module.FilterIfEmpty
	}
	msg.MID = toMID
	return module.FilterSuccess
}

// FilterRecv applies the same translation to inbound messages, keyed by
// the originating peer's processor ID.
func (m *Module) FilterRecv(msg *module.Message, ctx module.FilterContext) module.FilterResult {
	toMID, ok := m.resolve(ctx.ProcessorID, msg.MID)
	if !ok {
		return module.FilterIfEmpty
	}
	msg.MID = toMID
	return module.FilterSuccess
}

// RemapMID applies the table directly to a subscription MID crossing the
// peer boundary (spec.md §4.3).
func (m *Module) RemapMID(mid sbntypes.MID, ctx module.FilterContext) (sbntypes.MID, bool) {
	return m.resolve(ctx.ProcessorID, mid)
}
