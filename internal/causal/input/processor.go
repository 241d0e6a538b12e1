// Package input implements the live stream input processor: the pull loop
// that demultiplexes buffers into elements and dispatches them to the
// operator and valve under the task lock, while advancing the record
// counter once per element.
package input

import (
	"context"
	"fmt"
	"sync"

	"github.com/justtrackio/flink-causal-replay/internal/causal/contract"
	"github.com/justtrackio/flink-causal-replay/internal/causal/epoch"
	"github.com/justtrackio/gosoline/pkg/log"
)

// Processor is the live variant of the input processor: it chooses the next
// channel to read by buffer arrival order, as reported by the barrier
// handler.
type Processor struct {
	logger log.Logger
	lock   *sync.Mutex

	deserializers  []contract.RecordDeserializer
	barrierHandler contract.BarrierHandler
	valve          contract.Valve
	operator       contract.Operator
	counter        *epoch.Tracker
	recordsIn      contract.RecordCounter

	currentChannel int
	current        contract.RecordDeserializer
	currentBuffer  contract.Buffer
	finished       bool
}

// New builds a live input processor. If recordsIn is nil (the operator's
// metric group was unavailable at construction time), a local fallback
// counter is substituted and a warning logged, rather than failing.
func New(
	logger log.Logger,
	lock *sync.Mutex,
	deserializers []contract.RecordDeserializer,
	barrierHandler contract.BarrierHandler,
	valve contract.Valve,
	operator contract.Operator,
	counter *epoch.Tracker,
	recordsIn contract.RecordCounter,
) *Processor {
	logger = logger.WithChannel("causal-input")
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
		currentChannel: -1,
	}
}

// ProcessInput drives one unit of forward progress. It returns false only
// once the upstream is definitively finished.
func (p *Processor) ProcessInput(ctx context.Context) (bool, error) {
	if p.finished {
		return false, nil
	}

	for {
		if p.current != nil {
			result, err := p.current.GetNextRecord()
			if err != nil {
				return false, fmt.Errorf("deserialize record on channel %d: %w", p.currentChannel, err)
			}
			if result.BufferConsumed {
				p.current = nil
				if p.currentBuffer != nil {
					p.currentBuffer.Recycle()
					p.currentBuffer = nil
				}
			}
			if result.Element != nil {
				if err := p.dispatch(result.Element); err != nil {
					return false, err
				}
				return true, nil
			}
			if result.BufferConsumed {
				continue
			}
			return true, nil
		}

		boe, err := p.barrierHandler.GetNextNonBlocked(ctx)
		if err != nil {
			return false, fmt.Errorf("get next buffer or event: %w", err)
		}
		if boe == nil {
			p.finished = true
			if !p.barrierHandler.IsFinished() {
				return false, contract.ErrTrailingBarrierData
			}
			return false, nil
		}

		if boe.Buffer != nil {
			p.currentChannel = boe.Channel
			p.current = p.deserializers[boe.Channel]
			p.currentBuffer = boe.Buffer
			if err := p.current.SetNextBuffer(boe.Buffer); err != nil {
				return false, fmt.Errorf("set next buffer on channel %d: %w", boe.Channel, err)
			}
			continue
		}

		if boe.Event == nil || boe.Event.Kind != contract.EventEndOfPartition {
			return false, contract.ErrUnexpectedEvent
		}
	}
}

// dispatch delivers one stream element to the operator or valve under the
// task lock, incrementing the record counter exactly once.
func (p *Processor) dispatch(el contract.StreamElement) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	defer p.counter.Increment()

	switch e := el.(type) {
	case contract.Watermark:
		if err := p.valve.InputWatermark(e, p.currentChannel); err != nil {
			return fmt.Errorf("%w: %v", contract.ErrValveCallback, err)
		}
		return nil
	case contract.StreamStatus:
		if err := p.valve.InputStreamStatus(e, p.currentChannel); err != nil {
			return fmt.Errorf("%w: %v", contract.ErrValveCallback, err)
		}
		return nil
	case contract.LatencyMarker:
		return p.operator.ProcessLatencyMarker(e)
	case contract.Record:
		p.recordsIn.Inc()
		p.operator.SetKeyContextElement1(e)
		return p.operator.ProcessElement(e)
	default:
		return fmt.Errorf("causal: unknown stream element type %T", el)
	}
}

// Cleanup releases any pinned buffers and clears every deserializer. Safe to
// call multiple times.
func (p *Processor) Cleanup() error {
	if p.currentBuffer != nil {
		p.currentBuffer.Recycle()
		p.currentBuffer = nil
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
