// Package identity implements SBN's no-op, log-only filter module: every
// hook passes the message through unchanged, logging the MID it saw.
// Useful on a peer's chain for tracing traffic without altering it.
//
// Grounded on original_source/modules/filter/test/fsw/src/sbn_filt_test.c
// (SBN_Filter_Test): logs the CCSDS stream ID and always returns success.
package identity

import (
	"github.com/cometbft/sbn/internal/log"
	"github.com/cometbft/sbn/module"
	"github.com/cometbft/sbn/sbntypes"
)

// Module is the pass-through logging filter.
type Module struct {
	log log.Logger
}

func init() {
	module.RegisterFilter("identity", func(d module.FilterDeps) module.FilterModule {
		return New(d.Log)
	})
}

// New builds an identity filter that logs through l. A nil l logs nowhere.
func New(l log.Logger) *Module {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Module{log: l}
}

func (m *Module) InitModule(string) error { return nil }

// FilterSend logs the outgoing MID and passes the message through.
func (m *Module) FilterSend(msg *module.Message, ctx module.FilterContext) module.FilterResult {
	m.log.Debug("filter send", "mid", msg.MID, "processor_id", ctx.ProcessorID, "direction", ctx.Direction.String())
	return module.FilterSuccess
}

// FilterRecv logs the incoming MID and passes the message through.
func (m *Module) FilterRecv(msg *module.Message, ctx module.FilterContext) module.FilterResult {
	m.log.Debug("filter recv", "mid", msg.MID, "processor_id", ctx.ProcessorID, "direction", ctx.Direction.String())
	return module.FilterSuccess
}

// RemapMID passes the MID through unchanged.
func (m *Module) RemapMID(mid sbntypes.MID, _ module.FilterContext) (sbntypes.MID, bool) {
	return mid, true
}
