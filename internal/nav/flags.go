package nav

import (
	"math"
	"sync/atomic"
)

// Flags is the state shared between the frame loop and the operator task.
// Each field is independently atomic; there is no cross-field consistency.
type Flags struct {
	armed     atomic.Bool
	guided    atomic.Bool
	connected atomic.Bool
	search    atomic.Bool
	altitude  atomic.Uint64
}

// FlagSnapshot is a point-in-time copy of Flags.
type FlagSnapshot struct {
	Armed           bool    `json:"armed"`
	Guided          bool    `json:"guided"`
	Connected       bool    `json:"connected"`
	SearchEnabled   bool    `json:"search_enabled"`
	AltitudeTargetM float64 `json:"altitude_target_m"`
}

func (f *Flags) Armed() bool             { return f.armed.Load() }
func (f *Flags) SetArmed(v bool)         { f.armed.Store(v) }
func (f *Flags) Guided() bool            { return f.guided.Load() }
func (f *Flags) SetGuided(v bool)        { f.guided.Store(v) }
func (f *Flags) Connected() bool         { return f.connected.Load() }
func (f *Flags) SetConnected(v bool)     { f.connected.Store(v) }
func (f *Flags) SearchEnabled() bool     { return f.search.Load() }
func (f *Flags) SetSearchEnabled(v bool) { f.search.Store(v) }

func (f *Flags) AltitudeTarget() float64 {
	return math.Float64frombits(f.altitude.Load())
}

func (f *Flags) SetAltitudeTarget(m float64) {
	f.altitude.Store(math.Float64bits(m))
}

// Active reports whether the machine may issue motion commands.
func (f *Flags) Active() bool {
	return f.Armed() && f.Guided() && f.SearchEnabled()
}

func (f *Flags) Snapshot() FlagSnapshot {
	return FlagSnapshot{
		Armed:           f.Armed(),
		Guided:          f.Guided(),
		Connected:       f.Connected(),
		SearchEnabled:   f.SearchEnabled(),
		AltitudeTargetM: f.AltitudeTarget(),
	}
}
