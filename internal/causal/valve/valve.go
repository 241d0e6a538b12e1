// Package valve ships one concrete StatusWatermarkValve implementation, so
// the input processor and force-feeder can be exercised end to end. It is a
// reference default, not a requirement: both processors depend only on
// contract.Valve.
package valve

import (
	"math"

	"github.com/justtrackio/flink-causal-replay/internal/causal/contract"
)

// StatusWatermarkValve tracks the last watermark and active/idle status seen
// per input channel, forwarding the aggregated minimum watermark (and the
// task-wide idle/active transition) to an output handler whenever it
// advances. Mirrors Flink's StatusWatermarkValve.
type StatusWatermarkValve struct {
	output contract.ValveOutputHandler

	channelWatermarks map[int]int64
	channelActive     map[int]bool
	numChannels       int
	numActive         int

	lastEmittedWatermark int64
	hasEmittedWatermark  bool
	taskActive           bool
}

// New builds a valve over numChannels input channels, all initially active.
func New(output contract.ValveOutputHandler, numChannels int) *StatusWatermarkValve {
	v := &StatusWatermarkValve{
		output:            output,
		channelWatermarks: make(map[int]int64, numChannels),
		channelActive:     make(map[int]bool, numChannels),
		numChannels:       numChannels,
		numActive:         numChannels,
		taskActive:        true,
	}
	for ch := 0; ch < numChannels; ch++ {
		v.channelActive[ch] = true
	}
	return v
}

// InputWatermark records channel's new watermark and, if every active channel
// has now advanced past the last emitted value, forwards the new minimum.
func (v *StatusWatermarkValve) InputWatermark(w contract.Watermark, channel int) error {
	if prev, ok := v.channelWatermarks[channel]; ok && w.Timestamp <= prev {
		return nil
	}
	v.channelWatermarks[channel] = w.Timestamp

	min := int64(math.MaxInt64)
	for ch, active := range v.channelActive {
		if !active {
			continue
		}
		ts, ok := v.channelWatermarks[ch]
		if !ok {
			// an active channel hasn't emitted a watermark yet; can't advance.
			return nil
		}
		if ts < min {
			min = ts
		}
	}

	if v.hasEmittedWatermark && min <= v.lastEmittedWatermark {
		return nil
	}

	v.lastEmittedWatermark = min
	v.hasEmittedWatermark = true

	if err := v.output.HandleWatermark(contract.Watermark{Timestamp: min}); err != nil {
		return err
	}
	return nil
}

// InputStreamStatus records channel's idle/active transition, forwarding a
// task-wide status change when it flips the number of active channels
// between zero and nonzero.
func (v *StatusWatermarkValve) InputStreamStatus(s contract.StreamStatus, channel int) error {
	wasActive := v.channelActive[channel]
	if wasActive == s.Active {
		return nil
	}
	v.channelActive[channel] = s.Active
	if s.Active {
		v.numActive++
	} else {
		v.numActive--
	}

	taskShouldBeActive := v.numActive > 0
	if taskShouldBeActive == v.taskActive {
		return nil
	}
	v.taskActive = taskShouldBeActive

	if err := v.output.HandleStreamStatus(contract.StreamStatus{Active: taskShouldBeActive}); err != nil {
		return err
	}
	return nil
}
