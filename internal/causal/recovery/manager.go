// Package recovery implements the causal-replay recovery state machine:
// WaitingConnections -> Replaying -> Running. Entering Replaying spawns one
// supervised goroutine per output subpartition to rebuild its in-flight log
// in parallel, while the main thread replays its own determinant log
// on demand as the force-feeder and operator pull from it.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/justtrackio/flink-causal-replay/internal/causal/contract"
	"github.com/justtrackio/flink-causal-replay/internal/causal/determinant"
	"github.com/justtrackio/gosoline/pkg/coffin"
	"github.com/justtrackio/gosoline/pkg/log"
)

// State is a recovery manager's position in the WaitingConnections ->
// Replaying -> Running state graph.
type State int

const (
	StateWaitingConnections State = iota
	StateReplaying
	StateRunning
)

// SubpartitionRef is the composite (dataset, subpartition index) key Go has
// no built-in two-key map for.
type SubpartitionRef struct {
	Partition    determinant.DatasetID
	Subpartition byte
}

// VertexCausalLogDelta is the payload delivered to recovery once the
// upstream causal log shipping completes.
type VertexCausalLogDelta struct {
	MainThreadDelta    []byte
	HasMainThreadDelta bool
	PartitionDeltas    map[SubpartitionRef][]byte
}

type inFlightLogRequest struct {
	checkpointID  int64
	buffersToSkip int
}

// Manager drives the WaitingConnections/Replaying/Running transitions for
// one task. It is safe for concurrent use by the replay processor's main
// goroutine and the subpartition recovery goroutines it spawns.
type Manager struct {
	logger log.Logger

	lock  sync.Mutex
	state State

	jobCausalLog contract.JobCausalLog
	recordCount  func() int64
	asyncSink    contract.AsyncBufferBuiltSink

	subpartitions map[SubpartitionRef]contract.Subpartition
	recoveringNow map[SubpartitionRef]bool
	unanswered    map[SubpartitionRef]inFlightLogRequest

	mainCursor               *determinant.Cursor
	mainThreadRecoveryBuffer []byte
	nextDeterminant          determinant.Determinant
	hasNext                  bool

	numberRecovering atomic.Int32

	recoveryCoffin coffin.Coffin

	readyOnce    sync.Once
	readyToReady chan struct{}
}

// NewManager builds a recovery manager in the WaitingConnections state.
// recordCount supplies the task's current record counter (epoch.Tracker's
// Count method) for CheckAsyncEvent's comparison.
func NewManager(logger log.Logger, jobCausalLog contract.JobCausalLog, recordCount func() int64, asyncSink contract.AsyncBufferBuiltSink) *Manager {
	return &Manager{
		logger:        logger.WithChannel("causal-recovery"),
		state:         StateWaitingConnections,
		jobCausalLog:  jobCausalLog,
		recordCount:   recordCount,
		asyncSink:     asyncSink,
		subpartitions: make(map[SubpartitionRef]contract.Subpartition),
		recoveringNow: make(map[SubpartitionRef]bool),
		unanswered:    make(map[SubpartitionRef]inFlightLogRequest),
		readyToReady:  make(chan struct{}),
	}
}

// RegisterSubpartition associates an output subpartition with its ref so a
// later VertexCausalLogDelta can address it.
func (m *Manager) RegisterSubpartition(ref SubpartitionRef, sp contract.Subpartition) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.subpartitions[ref] = sp
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// ReadyToReplay completes once the Replaying state has finished its entry
// sequence (main thread determinants prepared; subpartition recovery
// goroutines spawned, not necessarily finished).
func (m *Manager) ReadyToReplay() <-chan struct{} {
	return m.readyToReady
}

// WaitForSubpartitionRecovery blocks until every spawned
// SubpartitionRecoveryThread has finished. Not required before
// ReadyToReplay fires; offered for callers (tests, graceful shutdown) that
// need a join point.
func (m *Manager) WaitForSubpartitionRecovery() error {
	m.lock.Lock()
	cfn := m.recoveryCoffin
	m.lock.Unlock()

	if cfn == nil {
		return nil
	}
	return cfn.Wait()
}

// NumberOfRecoveringSubpartitions reports how many subpartition recovery
// goroutines are currently in flight. No lock protects it; it is read
// independently of the subpartition map it tracks.
func (m *Manager) NumberOfRecoveringSubpartitions() int32 {
	return m.numberRecovering.Load()
}

// EnterReplaying transitions WaitingConnections -> Replaying: it spawns one
// supervised goroutine per partition delta to rebuild that subpartition's
// in-flight log, prepares the main thread's first determinant, and signals
// ReadyToReplay once that entry sequence completes.
func (m *Manager) EnterReplaying(ctx context.Context, delta VertexCausalLogDelta) error {
	m.lock.Lock()
	m.state = StateReplaying

	if delta.HasMainThreadDelta {
		m.mainThreadRecoveryBuffer = delta.MainThreadDelta
	} else {
		m.mainThreadRecoveryBuffer = nil
	}
	m.mainCursor = determinant.NewCursor(m.mainThreadRecoveryBuffer)
	m.lock.Unlock()

	cfn, cfnCtx := coffin.WithContext(ctx)

	m.lock.Lock()
	m.recoveryCoffin = cfn
	m.lock.Unlock()

	for ref, buf := range delta.PartitionDeltas {
		ref, buf := ref, buf

		m.lock.Lock()
		sp, ok := m.subpartitions[ref]
		m.lock.Unlock()
		if !ok {
			return fmt.Errorf("recovery: no subpartition registered for %+v", ref)
		}

		cfn.GoWithContext(cfnCtx, func(cfnCtx context.Context) error {
			return m.runSubpartitionRecovery(cfnCtx, ref, sp, buf)
		})
	}

	m.lock.Lock()
	err := m.prepareNextLocked()
	if err == nil && !m.hasNext {
		err = m.finishReplayingLocked()
	}
	m.lock.Unlock()
	if err != nil {
		return err
	}

	m.readyOnce.Do(func() { close(m.readyToReady) })
	return nil
}

func (m *Manager) prepareNextLocked() error {
	d, ok, err := determinant.DecodeNext(m.mainCursor)
	if err != nil {
		return fmt.Errorf("decode next main-thread determinant: %w", err)
	}
	m.nextDeterminant = d
	m.hasNext = ok
	return nil
}

func (m *Manager) advanceLocked() error {
	if err := m.prepareNextLocked(); err != nil {
		return err
	}
	if !m.hasNext {
		return m.finishReplayingLocked()
	}
	return nil
}

func (m *Manager) finishReplayingLocked() error {
	if m.mainThreadRecoveryBuffer != nil {
		want := m.jobCausalLog.MainThreadLogLength()
		if len(m.mainThreadRecoveryBuffer) != want {
			return fmt.Errorf("%w: main thread consumed %d bytes, log length %d",
				contract.ErrReplayLengthMismatch, len(m.mainThreadRecoveryBuffer), want)
		}
	}
	m.mainThreadRecoveryBuffer = nil
	m.state = StateRunning
	return nil
}

func (m *Manager) describeNextLocked() string {
	if !m.hasNext {
		return "<end of log>"
	}
	return fmt.Sprintf("kind %d", m.nextDeterminant.Kind)
}

// ReplayNextChannel pops the next determinant, which must be an Order, and
// returns its channel.
func (m *Manager) ReplayNextChannel() (byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.hasNext || m.nextDeterminant.Kind != determinant.KindOrder {
		return 0, fmt.Errorf("%w: expected Order, got %s", contract.ErrUnexpectedDeterminant, m.describeNextLocked())
	}
	channel := m.nextDeterminant.Channel
	if err := m.advanceLocked(); err != nil {
		return 0, err
	}
	return channel, nil
}

// ReplayNextTimestamp pops the next determinant, which must be a Timestamp.
func (m *Manager) ReplayNextTimestamp() (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.hasNext || m.nextDeterminant.Kind != determinant.KindTimestamp {
		return 0, fmt.Errorf("%w: expected Timestamp, got %s", contract.ErrUnexpectedDeterminant, m.describeNextLocked())
	}
	ts := m.nextDeterminant.TimestampMillis
	if err := m.advanceLocked(); err != nil {
		return 0, err
	}
	return ts, nil
}

// ReplayRandomInt pops the next determinant, which must be an RNG.
func (m *Manager) ReplayRandomInt() (int32, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.hasNext || m.nextDeterminant.Kind != determinant.KindRNG {
		return 0, fmt.Errorf("%w: expected RNG, got %s", contract.ErrUnexpectedDeterminant, m.describeNextLocked())
	}
	n := m.nextDeterminant.RandomInt
	if err := m.advanceLocked(); err != nil {
		return 0, err
	}
	return n, nil
}

// CheckAsyncEvent drives any Async-wrapped determinants sitting at the front
// of the main thread log whose target record count has been reached,
// dispatching their wrapped BufferBuilt payload to the async sink.
func (m *Manager) CheckAsyncEvent() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for m.hasNext && m.nextDeterminant.Kind == determinant.KindAsync {
		current := m.recordCount()
		target := int64(m.nextDeterminant.RecordCount)

		if current > target {
			return fmt.Errorf("%w: counter at %d passed target %d", contract.ErrRecordCountOvershot, current, target)
		}
		if current < target {
			return nil
		}

		async := m.nextDeterminant
		if err := m.advanceLocked(); err != nil {
			return err
		}
		if async.Inner == nil {
			return fmt.Errorf("recovery: async determinant at record count %d missing wrapped determinant", target)
		}
		if err := m.asyncSink.HandleAsyncBufferBuilt(*async.Inner); err != nil {
			return fmt.Errorf("handle async buffer built at record count %d: %w", target, err)
		}
	}
	return nil
}

// NotifyNewInputChannel handles a late-arriving input channel's request to
// resend its in-flight buffers. If the relevant subpartition is still
// recovering, the request is deferred until that goroutine finishes;
// otherwise it is sent immediately. I/O failure is logged and returned as a
// non-fatal ErrInFlightLogRequestIO.
func (m *Manager) NotifyNewInputChannel(ctx context.Context, ref SubpartitionRef, checkpointID int64, buffersAlreadyRemoved int) error {
	m.lock.Lock()
	sp, ok := m.subpartitions[ref]
	if !ok {
		m.lock.Unlock()
		return fmt.Errorf("recovery: no subpartition registered for %+v", ref)
	}
	if m.recoveringNow[ref] {
		m.unanswered[ref] = inFlightLogRequest{checkpointID: checkpointID, buffersToSkip: buffersAlreadyRemoved}
		m.lock.Unlock()
		return nil
	}
	m.lock.Unlock()

	if err := sp.RequestReplay(checkpointID, buffersAlreadyRemoved); err != nil {
		m.logger.Warn(ctx, "in-flight log request failed for %+v: %v", ref, err)
		return fmt.Errorf("%w: %v", contract.ErrInFlightLogRequestIO, err)
	}
	return nil
}

// runSubpartitionRecovery is the body of one SubpartitionRecoveryThread: it
// rebuilds ref's in-flight output log from buf, one BufferBuilt determinant
// at a time, with no coordination with any other subpartition's goroutine.
func (m *Manager) runSubpartitionRecovery(ctx context.Context, ref SubpartitionRef, sp contract.Subpartition, buf []byte) error {
	m.numberRecovering.Add(1)
	m.lock.Lock()
	m.recoveringNow[ref] = true
	m.lock.Unlock()

	defer m.numberRecovering.Add(-1)

	sp.SetRecoveringInFlightState(true)

	cursor := determinant.NewCursor(buf)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("subpartition recovery for %+v interrupted: %w", ref, err)
		}
		d, ok, err := determinant.DecodeNext(cursor)
		if err != nil {
			return fmt.Errorf("decode subpartition determinant for %+v: %w", ref, err)
		}
		if !ok {
			break
		}
		if d.Kind != determinant.KindBufferBuilt {
			return fmt.Errorf("%w: expected BufferBuilt for %+v, got kind %d", contract.ErrUnexpectedDeterminant, ref, d.Kind)
		}
		if err := sp.BuildAndLogBuffer(d.Length); err != nil {
			return fmt.Errorf("rebuild buffer for %+v: %w", ref, err)
		}
	}

	want := m.jobCausalLog.SubpartitionLogLength(ref.Partition, ref.Subpartition)
	if len(buf) != want {
		return fmt.Errorf("%w: subpartition %+v consumed %d bytes, log length %d",
			contract.ErrReplayLengthMismatch, ref, len(buf), want)
	}

	m.lock.Lock()
	pending, hasPending := m.unanswered[ref]
	delete(m.unanswered, ref)
	delete(m.recoveringNow, ref)
	m.lock.Unlock()

	if hasPending {
		if err := sp.RequestReplay(pending.checkpointID, pending.buffersToSkip); err != nil {
			m.logger.Warn(ctx, "deferred in-flight log request failed for %+v: %v", ref, err)
		}
	}

	sp.SetRecoveringInFlightState(false)
	sp.NotifyDataAvailable()

	return nil
}
