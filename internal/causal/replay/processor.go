// Package replay implements the force-feeder input processor active during
// recovery: instead of choosing a channel by buffer arrival, it consults the
// recovery manager's determinant stream to pick the next channel
// deterministically, re-appending its own Order determinants as it goes so
// the causal log stays continuous across the replay/live transition.
package replay

import (
	"context"
	"fmt"
	"sync"

	"github.com/justtrackio/flink-causal-replay/internal/causal/contract"
	"github.com/justtrackio/flink-causal-replay/internal/causal/epoch"
	"github.com/justtrackio/gosoline/pkg/log"
)

// ChannelSelector is the subset of the recovery manager the force-feeder
// needs: the ability to pop the next Order determinant off the main thread
// log.
type ChannelSelector interface {
	ReplayNextChannel() (byte, error)
}

// Processor is the replay variant of the input processor.
type Processor struct {
	logger log.Logger
	lock   *sync.Mutex

	deserializers  []contract.RecordDeserializer
	barrierHandler contract.BarrierHandler
	valve          contract.Valve
	operator       contract.Operator
	counter        *epoch.Tracker
	recordsIn      contract.RecordCounter
	recovery       ChannelSelector
	logSink        contract.CausalLogSink

	currentChannel int
	pinnedBuffers  []contract.Buffer
	finished       bool
}

// New builds a force-feeder input processor. If recordsIn is nil, a local
// fallback counter is substituted and a warning logged, matching the live
// processor's construction-time behavior.
func New(
	logger log.Logger,
	lock *sync.Mutex,
	deserializers []contract.RecordDeserializer,
	barrierHandler contract.BarrierHandler,
	valve contract.Valve,
	operator contract.Operator,
	counter *epoch.Tracker,
	recovery ChannelSelector,
	logSink contract.CausalLogSink,
	recordsIn contract.RecordCounter,
) *Processor {
	logger = logger.WithChannel("causal-replay")
	if recordsIn == nil {
		logger.Warn(context.Background(), "operator metric group unavailable at construction, falling back to a local counter")
		recordsIn = &localCounter{}
	}

	return &Processor{
		logger:         logger,
		lock:           lock,
		deserializers:  deserializers,
		barrierHandler: barrierHandler,
		valve:          valve,
		operator:       operator,
		counter:        counter,
		recordsIn:      recordsIn,
		recovery:       recovery,
		logSink:        logSink,
		currentChannel: -1,
		pinnedBuffers:  make([]contract.Buffer, len(deserializers)),
	}
}

// ProcessInput drives one unit of forward progress. It pops exactly one
// Order determinant per call, then reads from that channel's deserializer
// until a stream element falls out, re-pinning the channel on every call so
// the sequence of channels read matches the determinant log exactly rather
// than whatever channel happened to be active last. Each channel's
// deserializer keeps its read position between calls.
func (p *Processor) ProcessInput(ctx context.Context) (bool, error) {
	if p.finished {
		return false, nil
	}

	channel, err := p.recovery.ReplayNextChannel()
	if err != nil {
		return false, fmt.Errorf("replay next channel: %w", err)
	}
	p.currentChannel = int(channel)
	deserializer := p.deserializers[p.currentChannel]

	for {
		if p.pinnedBuffers[p.currentChannel] == nil {
			if err := p.fillBuffer(ctx, p.currentChannel); err != nil {
				return false, err
			}
			if p.finished {
				return false, nil
			}
		}

		result, err := deserializer.GetNextRecord()
		if err != nil {
			return false, fmt.Errorf("deserialize record on channel %d: %w", p.currentChannel, err)
		}
		if result.BufferConsumed {
			if buf := p.pinnedBuffers[p.currentChannel]; buf != nil {
				buf.Recycle()
				p.pinnedBuffers[p.currentChannel] = nil
			}
		}

		if result.Element != nil {
			if rec, ok := result.Element.(contract.Record); ok && rec.UpstreamDelta != nil {
				if err := p.logSink.ApplyUpstreamDelta(rec.UpstreamDelta); err != nil {
					return false, fmt.Errorf("apply upstream causal log delta: %w", err)
				}
			}
			if err := p.logSink.AppendOrder(byte(p.currentChannel)); err != nil {
				return false, fmt.Errorf("append order determinant: %w", err)
			}

			processed, err := p.dispatch(result.Element)
			if err != nil {
				return false, err
			}
			if processed {
				return true, nil
			}
			continue
		}

		if result.BufferConsumed {
			continue
		}

		return true, nil
	}
}

// fillBuffer pulls buffers or events from the barrier handler until target's
// channel has one pinned. Buffers that arrive for other channels along the
// way are loaded and pinned too, since the determinant log may ask for them
// on a later call.
func (p *Processor) fillBuffer(ctx context.Context, target int) error {
	for p.pinnedBuffers[target] == nil {
		boe, err := p.barrierHandler.GetNextNonBlocked(ctx)
		if err != nil {
			return fmt.Errorf("get next buffer or event: %w", err)
		}
		if boe == nil {
			p.finished = true
			if !p.barrierHandler.IsFinished() {
				return contract.ErrTrailingBarrierData
			}
			return nil
		}

		if boe.Buffer != nil {
			if err := p.deserializers[boe.Channel].SetNextBuffer(boe.Buffer); err != nil {
				return fmt.Errorf("set next buffer on channel %d: %w", boe.Channel, err)
			}
			p.pinnedBuffers[boe.Channel] = boe.Buffer
			continue
		}

		if boe.Event == nil || boe.Event.Kind != contract.EventEndOfPartition {
			return contract.ErrUnexpectedEvent
		}
	}
	return nil
}

// dispatch delivers one stream element under the task lock, exactly like the
// live processor. The reference implementation this is modeled on skips the
// lock for Watermark/StreamStatus during replay; we take it uniformly
// instead, since Go's sync.Mutex is non-reentrant and no measured benefit
// justifies the asymmetry (see design notes).
func (p *Processor) dispatch(el contract.StreamElement) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	defer p.counter.Increment()

	switch e := el.(type) {
	case contract.Watermark:
		if err := p.valve.InputWatermark(e, p.currentChannel); err != nil {
			return false, fmt.Errorf("%w: %v", contract.ErrValveCallback, err)
		}
		return false, nil
	case contract.StreamStatus:
		if err := p.valve.InputStreamStatus(e, p.currentChannel); err != nil {
			return false, fmt.Errorf("%w: %v", contract.ErrValveCallback, err)
		}
		return false, nil
	case contract.LatencyMarker:
		return false, p.operator.ProcessLatencyMarker(e)
	case contract.Record:
		p.recordsIn.Inc()
		p.operator.SetKeyContextElement1(e)
		if err := p.operator.ProcessElement(e); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("causal: unknown stream element type %T", el)
	}
}

// Cleanup releases any pinned buffers and clears every deserializer.
func (p *Processor) Cleanup() error {
	for i, buf := range p.pinnedBuffers {
		if buf != nil {
			buf.Recycle()
			p.pinnedBuffers[i] = nil
		}
	}
	for _, d := range p.deserializers {
		d.Clear()
	}
	return nil
}

// localCounter is the fallback numRecordsIn substitute used when the
// operator's own metric group couldn't be resolved.
type localCounter struct {
	n int64
}

func (c *localCounter) Inc() {
	c.n++
}
