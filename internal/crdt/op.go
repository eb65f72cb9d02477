package crdt

import (
	"errors"
	"fmt"
)

// Replica id stamped on state loaded from a stored snapshot. Hydrated
// registers carry clock 0 so any live edit wins over them, and the
// session knows not to broadcast or persist hydration again.
const HydrationReplica = "hydration"

// Stamp orders concurrent writes: a Lamport clock plus the originating
// replica id as a deterministic tie-break.
type Stamp struct {
	Clock   uint64 `json:"clock"`
	Replica string `json:"replica"`
}

// After reports whether s wins over other under last-writer-wins.
func (s Stamp) After(other Stamp) bool {
	if s.Clock != other.Clock {
		return s.Clock > other.Clock
	}
	return s.Replica > other.Replica
}

type OpType string

const (
	OpInsertBlock  OpType = "insert_block"
	OpSetFields    OpType = "set_fields"
	OpRemoveBlock  OpType = "remove_block"
	OpSetRank      OpType = "set_rank"
	OpSetDayFields OpType = "set_day_fields"
)

// Op is one self-contained document mutation. Ops are broadcast verbatim
// to peers and replayed on their replicas; applying the same set of ops in
// any order yields the same state.
type Op struct {
	Type    OpType            `json:"type"`
	Stamp   Stamp             `json:"stamp"`
	DayKey  string            `json:"day_key,omitempty"`
	BlockID string            `json:"block_id,omitempty"`
	Rank    float64           `json:"rank,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Inverse records how to revert a local mutation. It is applied later as
// a brand-new local mutation, never as a replay of the historical op: a
// removed block comes back under a fresh id because tombstones are
// terminal.
type Inverse struct {
	Type    OpType
	DayKey  string
	BlockID string
	Rank    float64
	Fields  map[string]string
}

var (
	ErrBlockNotFound = errors.New("block not found")
	ErrBlockDeleted  = errors.New("block deleted")
	ErrBlockExists   = errors.New("block already exists")
	ErrBadOp         = errors.New("malformed operation")
)

func (o *Op) validate() error {
	switch o.Type {
	case OpInsertBlock:
		if o.BlockID == "" || o.DayKey == "" {
			return fmt.Errorf("%w: %s missing block or day key", ErrBadOp, o.Type)
		}
	case OpSetFields, OpRemoveBlock:
		if o.BlockID == "" {
			return fmt.Errorf("%w: %s missing block id", ErrBadOp, o.Type)
		}
	case OpSetRank:
		if o.BlockID == "" || o.DayKey == "" {
			return fmt.Errorf("%w: %s missing block or day key", ErrBadOp, o.Type)
		}
	case OpSetDayFields:
		if o.DayKey == "" {
			return fmt.Errorf("%w: %s missing day key", ErrBadOp, o.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadOp, o.Type)
	}
	if o.Stamp.Replica == "" {
		return fmt.Errorf("%w: missing stamp replica", ErrBadOp)
	}
	return nil
}
