// Package determinant implements the tagged binary codec for the non-deterministic
// decisions a task thread records during live processing and replays on recovery.
package determinant

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnknownKind is returned when Encode is asked to serialize an unrecognized Kind.
var ErrUnknownKind = errors.New("determinant: unknown kind")

// ErrCorruptLog is returned when decoding encounters an unknown tag or a truncated payload.
var ErrCorruptLog = errors.New("determinant: corrupt log")

// Kind identifies which of the five wire variants (plus the async wrapper) a
// Determinant carries.
type Kind byte

const (
	KindOrder       Kind = 0
	KindRandomEmit  Kind = 1
	KindTimestamp   Kind = 2
	KindRNG         Kind = 3
	KindBufferBuilt Kind = 4
	// KindAsync wraps another determinant with the record count at which it must
	// fire. Not part of the original five-tag wire table; additive, see SPEC_FULL.
	KindAsync Kind = 5
)

// DatasetID is the 16-byte intermediate dataset identifier referenced by
// BufferBuilt determinants. Byte-compatible with a github.com/google/uuid.UUID.
type DatasetID [16]byte

// NewDatasetID generates a fresh random dataset id.
func NewDatasetID() DatasetID {
	return DatasetID(uuid.New())
}

// Determinant is a single sum type over the five recorded non-deterministic
// decisions, encoded and decoded by exhaustive match on Kind rather than
// virtual dispatch over five concrete types.
type Determinant struct {
	Kind Kind

	// Order, RandomEmit
	Channel byte

	// Timestamp
	TimestampMillis int64

	// RNG
	RandomInt int32

	// BufferBuilt
	Dataset      DatasetID
	Subpartition byte
	Length       int32

	// Async
	RecordCount int32
	Inner       *Determinant
}

func NewOrder(channel byte) Determinant {
	return Determinant{Kind: KindOrder, Channel: channel}
}

func NewRandomEmit(channel byte) Determinant {
	return Determinant{Kind: KindRandomEmit, Channel: channel}
}

func NewTimestamp(millis int64) Determinant {
	return Determinant{Kind: KindTimestamp, TimestampMillis: millis}
}

func NewRNG(n int32) Determinant {
	return Determinant{Kind: KindRNG, RandomInt: n}
}

func NewBufferBuilt(dataset DatasetID, subpartition byte, length int32) Determinant {
	return Determinant{Kind: KindBufferBuilt, Dataset: dataset, Subpartition: subpartition, Length: length}
}

func NewAsync(recordCount int32, inner Determinant) Determinant {
	cp := inner
	return Determinant{Kind: KindAsync, RecordCount: recordCount, Inner: &cp}
}

// Encode serializes a single determinant, tag byte first, matching the wire
// table byte-for-byte. Unlike the reference Java encoder this never omits the
// tag byte for any variant, including Order.
func Encode(d Determinant) ([]byte, error) {
	switch d.Kind {
	case KindOrder, KindRandomEmit:
		return []byte{byte(d.Kind), d.Channel}, nil
	case KindTimestamp:
		buf := make([]byte, 9)
		buf[0] = byte(d.Kind)
		binary.BigEndian.PutUint64(buf[1:], uint64(d.TimestampMillis))
		return buf, nil
	case KindRNG:
		buf := make([]byte, 5)
		buf[0] = byte(d.Kind)
		binary.BigEndian.PutUint32(buf[1:], uint32(d.RandomInt))
		return buf, nil
	case KindBufferBuilt:
		buf := make([]byte, 1+16+1+4)
		buf[0] = byte(d.Kind)
		copy(buf[1:17], d.Dataset[:])
		buf[17] = d.Subpartition
		binary.BigEndian.PutUint32(buf[18:], uint32(d.Length))
		return buf, nil
	case KindAsync:
		if d.Inner == nil {
			return nil, fmt.Errorf("%w: async determinant missing wrapped determinant", ErrUnknownKind)
		}
		inner, err := Encode(*d.Inner)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 5+len(inner))
		buf[0] = byte(d.Kind)
		binary.BigEndian.PutUint32(buf[1:5], uint32(d.RecordCount))
		copy(buf[5:], inner)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, d.Kind)
	}
}

// Cursor tracks a decode position within a determinant byte stream.
type Cursor struct {
	data []byte
	pos  int
}

func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Remaining reports how many undecoded bytes are left.
func (c *Cursor) Remaining() int {
	return len(c.data) - c.pos
}

// DecodeNext decodes one determinant starting at the cursor's position. It
// returns ok=false with no error at a clean end of stream.
func DecodeNext(c *Cursor) (Determinant, bool, error) {
	if c.Remaining() == 0 {
		return Determinant{}, false, nil
	}

	tag := Kind(c.data[c.pos])
	switch tag {
	case KindOrder, KindRandomEmit:
		if c.Remaining() < 2 {
			return Determinant{}, false, fmt.Errorf("%w: truncated order/random-emit determinant", ErrCorruptLog)
		}
		d := Determinant{Kind: tag, Channel: c.data[c.pos+1]}
		c.pos += 2
		return d, true, nil
	case KindTimestamp:
		if c.Remaining() < 9 {
			return Determinant{}, false, fmt.Errorf("%w: truncated timestamp determinant", ErrCorruptLog)
		}
		ms := int64(binary.BigEndian.Uint64(c.data[c.pos+1 : c.pos+9]))
		c.pos += 9
		return Determinant{Kind: tag, TimestampMillis: ms}, true, nil
	case KindRNG:
		if c.Remaining() < 5 {
			return Determinant{}, false, fmt.Errorf("%w: truncated rng determinant", ErrCorruptLog)
		}
		n := int32(binary.BigEndian.Uint32(c.data[c.pos+1 : c.pos+5]))
		c.pos += 5
		return Determinant{Kind: tag, RandomInt: n}, true, nil
	case KindBufferBuilt:
		if c.Remaining() < 1+16+1+4 {
			return Determinant{}, false, fmt.Errorf("%w: truncated buffer-built determinant", ErrCorruptLog)
		}
		var dataset DatasetID
		copy(dataset[:], c.data[c.pos+1:c.pos+17])
		subpartition := c.data[c.pos+17]
		length := int32(binary.BigEndian.Uint32(c.data[c.pos+18 : c.pos+22]))
		c.pos += 22
		return Determinant{Kind: tag, Dataset: dataset, Subpartition: subpartition, Length: length}, true, nil
	case KindAsync:
		if c.Remaining() < 5 {
			return Determinant{}, false, fmt.Errorf("%w: truncated async determinant", ErrCorruptLog)
		}
		recordCount := int32(binary.BigEndian.Uint32(c.data[c.pos+1 : c.pos+5]))
		c.pos += 5
		inner, ok, err := DecodeNext(c)
		if err != nil {
			return Determinant{}, false, err
		}
		if !ok {
			return Determinant{}, false, fmt.Errorf("%w: async determinant missing wrapped determinant", ErrCorruptLog)
		}
		return Determinant{Kind: tag, RecordCount: recordCount, Inner: &inner}, true, nil
	default:
		return Determinant{}, false, fmt.Errorf("%w: unknown tag %d", ErrCorruptLog, tag)
	}
}

// DecodeAll decodes a full buffer to EOF.
func DecodeAll(data []byte) ([]Determinant, error) {
	c := NewCursor(data)
	var out []Determinant
	for {
		d, ok, err := DecodeNext(c)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, d)
	}
}
