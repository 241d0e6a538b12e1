package input

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/justtrackio/flink-causal-replay/internal/causal/contract"
	"github.com/justtrackio/flink-causal-replay/internal/causal/epoch"
	"github.com/justtrackio/gosoline/pkg/log"
)

type fakeBuffer struct {
	recycled bool
}

func (b *fakeBuffer) Recycle() { b.recycled = true }

type fakeDeserializer struct {
	results []contract.DeserializationResult
	errs    []error
	pos     int
	cleared bool
}

func (d *fakeDeserializer) SetNextBuffer(buf contract.Buffer) error { return nil }

func (d *fakeDeserializer) GetNextRecord() (contract.DeserializationResult, error) {
	if d.pos >= len(d.results) {
		return contract.DeserializationResult{}, errors.New("fakeDeserializer: exhausted")
	}
	r := d.results[d.pos]
	var err error
	if d.pos < len(d.errs) {
		err = d.errs[d.pos]
	}
	d.pos++
	return r, err
}

func (d *fakeDeserializer) Clear() { d.cleared = true }

type fakeBarrierHandler struct {
	items    []*contract.BufferOrEvent
	pos      int
	finished bool
}

func (b *fakeBarrierHandler) GetNextNonBlocked(ctx context.Context) (*contract.BufferOrEvent, error) {
	if b.pos >= len(b.items) {
		return nil, nil
	}
	item := b.items[b.pos]
	b.pos++
	return item, nil
}

func (b *fakeBarrierHandler) IsFinished() bool { return b.finished }

type fakeOperator struct {
	elements []contract.Record
	marks    []contract.Watermark
	latency  []contract.LatencyMarker
}

func (o *fakeOperator) SetKeyContextElement1(r contract.Record) {}

func (o *fakeOperator) ProcessElement(r contract.Record) error {
	o.elements = append(o.elements, r)
	return nil
}

func (o *fakeOperator) ProcessWatermark(w contract.Watermark) error {
	o.marks = append(o.marks, w)
	return nil
}

func (o *fakeOperator) ProcessLatencyMarker(lm contract.LatencyMarker) error {
	o.latency = append(o.latency, lm)
	return nil
}

type fakeValve struct {
	watermarks []contract.Watermark
}

func (v *fakeValve) InputWatermark(w contract.Watermark, channel int) error {
	v.watermarks = append(v.watermarks, w)
	return nil
}

func (v *fakeValve) InputStreamStatus(s contract.StreamStatus, channel int) error { return nil }

func newTestProcessor(t *testing.T, deserializers []contract.RecordDeserializer, barrier contract.BarrierHandler, operator contract.Operator, valve contract.Valve) (*Processor, *epoch.Tracker) {
	t.Helper()
	counter := epoch.NewTracker()
	p := New(log.NewCliLogger(), &sync.Mutex{}, deserializers, barrier, valve, operator, counter, nil)
	return p, counter
}

func TestProcessInputDispatchesRecordAndIncrementsCounter(t *testing.T) {
	des := &fakeDeserializer{
		results: []contract.DeserializationResult{
			{Element: contract.Record{Channel: 0, Payload: "hello"}},
		},
	}
	barrier := &fakeBarrierHandler{
		items: []*contract.BufferOrEvent{
			{Channel: 0, Buffer: &fakeBuffer{}},
		},
	}
	op := &fakeOperator{}
	p, counter := newTestProcessor(t, []contract.RecordDeserializer{des}, barrier, op, &fakeValve{})

	more, err := p.ProcessInput(context.Background())
	if err != nil {
		t.Fatalf("ProcessInput: %v", err)
	}
	if !more {
		t.Fatalf("expected more input")
	}
	if len(op.elements) != 1 || op.elements[0].Payload != "hello" {
		t.Fatalf("expected record dispatched, got %+v", op.elements)
	}
	if counter.Count() != 1 {
		t.Fatalf("expected counter at 1, got %d", counter.Count())
	}
}

func TestProcessInputRecyclesConsumedBuffer(t *testing.T) {
	buf := &fakeBuffer{}
	des := &fakeDeserializer{
		results: []contract.DeserializationResult{
			{Element: contract.Record{Channel: 0, Payload: "hello"}, BufferConsumed: true},
		},
	}
	barrier := &fakeBarrierHandler{
		items: []*contract.BufferOrEvent{
			{Channel: 0, Buffer: buf},
		},
	}
	p, _ := newTestProcessor(t, []contract.RecordDeserializer{des}, barrier, &fakeOperator{}, &fakeValve{})

	if _, err := p.ProcessInput(context.Background()); err != nil {
		t.Fatalf("ProcessInput: %v", err)
	}
	if !buf.recycled {
		t.Fatalf("expected the consumed buffer to be recycled")
	}
}

func TestProcessInputFinishesWhenBarrierDrained(t *testing.T) {
	barrier := &fakeBarrierHandler{finished: true}
	p, _ := newTestProcessor(t, nil, barrier, &fakeOperator{}, &fakeValve{})

	more, err := p.ProcessInput(context.Background())
	if err != nil {
		t.Fatalf("ProcessInput: %v", err)
	}
	if more {
		t.Fatalf("expected finished")
	}

	more, err = p.ProcessInput(context.Background())
	if err != nil || more {
		t.Fatalf("expected subsequent calls to stay finished, got more=%v err=%v", more, err)
	}
}

func TestProcessInputTrailingBarrierDataIsFatal(t *testing.T) {
	barrier := &fakeBarrierHandler{finished: false}
	p, _ := newTestProcessor(t, nil, barrier, &fakeOperator{}, &fakeValve{})

	_, err := p.ProcessInput(context.Background())
	if !errors.Is(err, contract.ErrTrailingBarrierData) {
		t.Fatalf("expected ErrTrailingBarrierData, got %v", err)
	}
}

func TestProcessInputUnexpectedEventIsFatal(t *testing.T) {
	barrier := &fakeBarrierHandler{
		items: []*contract.BufferOrEvent{
			{Channel: 0, Event: &contract.Event{Kind: contract.EventOther}},
		},
	}
	p, _ := newTestProcessor(t, nil, barrier, &fakeOperator{}, &fakeValve{})

	_, err := p.ProcessInput(context.Background())
	if !errors.Is(err, contract.ErrUnexpectedEvent) {
		t.Fatalf("expected ErrUnexpectedEvent, got %v", err)
	}
}

func TestCleanupClearsDeserializers(t *testing.T) {
	des := &fakeDeserializer{}
	p, _ := newTestProcessor(t, []contract.RecordDeserializer{des}, &fakeBarrierHandler{finished: true}, &fakeOperator{}, &fakeValve{})

	if err := p.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !des.cleared {
		t.Fatalf("expected deserializer cleared")
	}
}
