// Package contract defines the interfaces the input processor, force-feeder,
// and recovery manager depend on from their surrounding task runtime: the
// operator, the watermark/status valve, the checkpoint barrier handler, the
// per-channel record deserializer, and the in-flight output subpartitions.
// None of these are implemented here; the causal-replay core only consumes
// them. Package valve ships one concrete, minimal Valve implementation for
// end-to-end testing.
package contract

import (
	"context"
	"errors"

	"github.com/justtrackio/flink-causal-replay/internal/causal/determinant"
)

var (
	// ErrUnexpectedDeterminant is returned when a replay operation expected a
	// specific determinant variant and found another.
	ErrUnexpectedDeterminant = errors.New("causal: unexpected determinant variant")
	// ErrUnexpectedEvent is returned when a non-EndOfPartition event arrives on
	// the channel stream.
	ErrUnexpectedEvent = errors.New("causal: unexpected event in channel stream")
	// ErrTrailingBarrierData is returned when the barrier handler reports more
	// data after the input processor believed it was finished.
	ErrTrailingBarrierData = errors.New("causal: barrier handler not drained at end of input")
	// ErrReplayLengthMismatch is returned when a replayed byte length does not
	// match the authoritative causal log length.
	ErrReplayLengthMismatch = errors.New("causal: replayed length does not match authoritative log length")
	// ErrRecordCountOvershot is returned when the record counter advances past
	// an async determinant's target without the determinant firing.
	ErrRecordCountOvershot = errors.New("causal: record counter passed an async determinant's target")
	// ErrValveCallback wraps a failure from a valve output callback.
	ErrValveCallback = errors.New("causal: valve callback failed")
	// ErrInFlightLogRequestIO is a non-fatal class covering failed attempts to
	// re-request an in-flight output log from upstream.
	ErrInFlightLogRequestIO = errors.New("causal: in-flight log request failed")
)

// StreamElement is the sum type dispatched by the input processor: Record,
// Watermark, StreamStatus, or LatencyMarker.
type StreamElement interface {
	isStreamElement()
}

// Record is a single deserialized record read from one channel. UpstreamDelta,
// when present, is a causal-log delta embedded by an upstream vertex that the
// force-feeder must apply to its own log before replaying further.
type Record struct {
	Channel       int
	Payload       any
	UpstreamDelta []byte
}

func (Record) isStreamElement() {}

// Watermark is a single channel's watermark event.
type Watermark struct {
	Timestamp int64
}

func (Watermark) isStreamElement() {}

// StreamStatus reports a channel's idle/active transition.
type StreamStatus struct {
	Active bool
}

func (StreamStatus) isStreamElement() {}

// LatencyMarker carries a latency-tracking marker injected upstream.
type LatencyMarker struct {
	MarkedTimeMillis int64
	VertexID         [16]byte
	SubtaskIndex     int
}

func (LatencyMarker) isStreamElement() {}

// Buffer is a pooled network buffer handed to a RecordDeserializer.
type Buffer interface {
	Recycle()
}

// DeserializationResult reports the outcome of one GetNextRecord call. The two
// fields are independent signals and may both be set on the same call: a
// buffer can be fully consumed in the same call that yields the final record
// it contained.
type DeserializationResult struct {
	Element        StreamElement
	BufferConsumed bool
}

// RecordDeserializer reconstructs StreamElements from the buffers pinned to
// one channel.
type RecordDeserializer interface {
	SetNextBuffer(buf Buffer) error
	GetNextRecord() (DeserializationResult, error)
	// Clear releases any buffer currently pinned to this deserializer.
	Clear()
}

// EventKind enumerates the channel events the input processor tolerates.
type EventKind int

const (
	EventEndOfPartition EventKind = iota
	EventOther
)

// Event is a non-buffer message on the channel stream.
type Event struct {
	Kind EventKind
}

// BufferOrEvent is one item pulled from the barrier handler: exactly one of
// Buffer or Event is set.
type BufferOrEvent struct {
	Channel int
	Buffer  Buffer
	Event   *Event
}

// BarrierHandler delivers the demultiplexed, barrier-aligned stream of
// buffers and events. GetNextNonBlocked returns (nil, nil) once the upstream
// is fully drained.
type BarrierHandler interface {
	GetNextNonBlocked(ctx context.Context) (*BufferOrEvent, error)
	IsFinished() bool
}

// Operator is the minimal surface of the downstream operator the input
// processor and force-feeder dispatch into.
type Operator interface {
	SetKeyContextElement1(r Record)
	ProcessElement(r Record) error
	ProcessWatermark(w Watermark) error
	ProcessLatencyMarker(lm LatencyMarker) error
}

// ValveOutputHandler receives the valve's aggregated decisions. Its methods
// are always invoked with the caller's task lock already held, so
// implementations must never attempt to acquire the task lock themselves.
type ValveOutputHandler interface {
	HandleWatermark(w Watermark) error
	HandleStreamStatus(s StreamStatus) error
}

// Valve aggregates per-channel watermarks and stream status into a single
// task-wide decision, forwarding to a ValveOutputHandler when it advances.
type Valve interface {
	InputWatermark(w Watermark, channel int) error
	InputStreamStatus(s StreamStatus, channel int) error
}

// RecordCounter is the operator metric group's numRecordsIn counter. A nil
// RecordCounter is replaced by a local fallback at construction time.
type RecordCounter interface {
	Inc()
}

// CausalLogSink is the force-feeder's handle on its own causal log: it
// re-appends Order determinants as it replays, and applies deltas an upstream
// vertex embedded in a record.
type CausalLogSink interface {
	AppendOrder(channel byte) error
	ApplyUpstreamDelta(delta []byte) error
}

// JobCausalLog is the authoritative source of log lengths used to validate
// that a full replay consumed exactly as many bytes as were recorded.
type JobCausalLog interface {
	MainThreadLogLength() int
	SubpartitionLogLength(partition determinant.DatasetID, subpartition byte) int
}

// Subpartition is one output subpartition whose in-flight log a
// SubpartitionRecoveryThread rebuilds.
type Subpartition interface {
	SetRecoveringInFlightState(recovering bool)
	BuildAndLogBuffer(length int32) error
	RequestReplay(checkpointID int64, buffersToSkip int) error
	NotifyDataAvailable()
}

// AsyncBufferBuiltSink receives BufferBuilt determinants that were recorded
// asynchronously on the main thread log (see determinant.KindAsync), once the
// record counter reaches the scheduled target.
type AsyncBufferBuiltSink interface {
	HandleAsyncBufferBuilt(d determinant.Determinant) error
}
