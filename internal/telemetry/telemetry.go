// Package telemetry turns raw realtime blocks into named channel
// values. Non-computed channels decode straight from block bytes per
// the definition's layout; computed channels then resolve by bounded
// re-evaluation, which handles chains of computed channels reading
// other computed channels without building a dependency graph.
package telemetry

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/openefi/megalink/internal/expr"
	"github.com/openefi/megalink/internal/ini"
	"github.com/openefi/megalink/internal/tune"
)

const (
	// maxPasses caps computed-channel re-evaluation. Two passes resolve
	// a two-level chain; the cap leaves headroom without letting a
	// genuine cycle spin. A cycle is not detected: it simply stops
	// changing and keeps its last value.
	maxPasses = 5

	// tolerance is the movement below which a pass counts as settled.
	tolerance = 1e-6
)

// Snapshot is one decoded sample: every resolvable channel by name.
type Snapshot struct {
	At     time.Time
	Values map[string]float64
}

// Evaluator decodes realtime blocks for one definition. It is safe for
// repeated use from a single streaming goroutine.
type Evaluator struct {
	raw       []*ini.OutputChannel
	computed  []*ini.OutputChannel
	bigEndian bool
	log       zerolog.Logger
}

// NewEvaluator pre-sorts the definition's channels into directly
// decoded and computed sets.
func NewEvaluator(def *ini.Definition, log zerolog.Logger) *Evaluator {
	e := &Evaluator{bigEndian: def.BigEndian, log: log}
	for _, name := range def.ChannelOrder {
		ch := def.Channels[name]
		if ch.Computed() {
			e.computed = append(e.computed, ch)
		} else {
			e.raw = append(e.raw, ch)
		}
	}
	return e
}

// Decode produces a snapshot from one realtime block. Channels whose
// bytes fall outside the block, and computed channels still unresolved
// after the pass cap, are omitted rather than failing the whole sample;
// omissions are logged at debug level.
func (e *Evaluator) Decode(block []byte) Snapshot {
	values := make(expr.Context, len(e.raw)+len(e.computed))
	skipped := 0
	for _, ch := range e.raw {
		v, err := tune.FieldValue(block, ch.Offset, ch.Class, ch.Type, ch.BitLo, ch.BitHi,
			ch.Scale, ch.Translate, e.bigEndian || ch.BigEndian)
		if err != nil {
			skipped++
			continue
		}
		values[ch.Name] = v
	}

	for pass := 0; pass < maxPasses && len(e.computed) > 0; pass++ {
		changed := false
		for _, ch := range e.computed {
			v, err := ch.Expr.Eval(values)
			if err != nil {
				// Dependencies may land on a later pass.
				continue
			}
			old, ok := values[ch.Name]
			if !ok || math.Abs(v-old) > tolerance {
				values[ch.Name] = v
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	unresolved := 0
	for _, ch := range e.computed {
		if _, ok := values[ch.Name]; !ok {
			unresolved++
		}
	}
	if skipped > 0 || unresolved > 0 {
		e.log.Debug().Int("skipped", skipped).Int("unresolved", unresolved).
			Int("block", len(block)).Msg("channels omitted from snapshot")
	}
	return Snapshot{At: time.Now(), Values: values}
}
