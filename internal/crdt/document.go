package crdt

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"tripsync-server/internal/domain"
)

// Block field names accepted by insert and set operations.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStartTime   = "start_time"
	FieldEndTime     = "end_time"
	FieldType        = "type"
	FieldCategory    = "category"
)

// Day label field names.
const (
	FieldLabel = "label"
	FieldNote  = "note"
)

var blockFields = map[string]bool{
	FieldTitle:       true,
	FieldDescription: true,
	FieldStartTime:   true,
	FieldEndTime:     true,
	FieldType:        true,
	FieldCategory:    true,
}

var dayFields = map[string]bool{
	FieldLabel: true,
	FieldNote:  true,
}

const rankStep = 1024.0

// register is a last-writer-wins cell for one scalar field.
type register struct {
	value string
	stamp Stamp
}

type blockState struct {
	id string
	// dayKey is set once at insert. A block arriving via an out-of-order
	// set op before its insert sits here with an empty dayKey and is not
	// rendered until the insert lands.
	dayKey string
	rank   float64
	rankAt Stamp
	fields map[string]*register
}

type dayState struct {
	date   string
	fields map[string]*register
}

// Document is one replica of a trip's itinerary. Mutating methods are not
// safe for concurrent use; each session drives its replica from a single
// goroutine.
type Document struct {
	replica    string
	clock      uint64
	days       map[string]*dayState
	blocks     map[string]*blockState
	tombstones map[string]bool
}

func NewDocument(replica string) *Document {
	return &Document{
		replica:    replica,
		days:       make(map[string]*dayState),
		blocks:     make(map[string]*blockState),
		tombstones: make(map[string]bool),
	}
}

func (d *Document) tick() Stamp {
	d.clock++
	return Stamp{Clock: d.clock, Replica: d.replica}
}

// Empty reports whether the document holds no days and no blocks.
func (d *Document) Empty() bool {
	return len(d.days) == 0 && len(d.blocks) == 0
}

// InsertBlock creates a new block at index within the given day, creating
// the day if this is the first block referencing that date. It returns the
// generated block id, the op to broadcast, and the inverse for undo.
func (d *Document) InsertBlock(dayKey string, index int, fields map[string]string) (string, Op, Inverse, error) {
	if dayKey == "" {
		return "", Op{}, Inverse{}, fmt.Errorf("%w: empty day key", ErrBadOp)
	}
	if err := validateBlockFields(fields, nil); err != nil {
		return "", Op{}, Inverse{}, err
	}

	ordered := d.orderedBlocks(dayKey)
	if index < 0 {
		index = 0
	}
	if index > len(ordered) {
		index = len(ordered)
	}
	rank := d.rankBetween(ordered, index)

	id := uuid.New().String()
	op, inv, err := d.insertAt(dayKey, id, rank, fields)
	if err != nil {
		return "", Op{}, Inverse{}, err
	}
	return id, op, inv, nil
}

// insertAt places a block with a caller-chosen id and rank. Undo of a
// remove re-enters through here with a fresh id and the captured rank.
func (d *Document) insertAt(dayKey, id string, rank float64, fields map[string]string) (Op, Inverse, error) {
	if d.tombstones[id] {
		return Op{}, Inverse{}, fmt.Errorf("%w: %s", ErrBlockDeleted, id)
	}
	if _, ok := d.blocks[id]; ok {
		return Op{}, Inverse{}, fmt.Errorf("%w: %s", ErrBlockExists, id)
	}

	stamp := d.tick()
	d.ensureDay(dayKey)

	b := &blockState{id: id, dayKey: dayKey, rank: rank, rankAt: stamp, fields: make(map[string]*register)}
	for name, value := range fields {
		b.fields[name] = &register{value: value, stamp: stamp}
	}
	d.blocks[id] = b

	op := Op{Type: OpInsertBlock, Stamp: stamp, DayKey: dayKey, BlockID: id, Rank: rank, Fields: copyFields(fields)}
	inv := Inverse{Type: OpRemoveBlock, BlockID: id}
	return op, inv, nil
}

// SetBlockFields updates a subset of a block's fields. Unrelated fields
// are untouched, so concurrent edits to different fields of the same
// block never clobber each other.
func (d *Document) SetBlockFields(blockID string, fields map[string]string) (Op, Inverse, error) {
	if len(fields) == 0 {
		return Op{}, Inverse{}, fmt.Errorf("%w: no fields to set", ErrBadOp)
	}
	if d.tombstones[blockID] {
		return Op{}, Inverse{}, fmt.Errorf("%w: %s", ErrBlockDeleted, blockID)
	}
	b, ok := d.blocks[blockID]
	if !ok || b.dayKey == "" {
		return Op{}, Inverse{}, fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	if err := validateBlockFields(fields, b); err != nil {
		return Op{}, Inverse{}, err
	}

	prev := make(map[string]string, len(fields))
	stamp := d.tick()
	for name, value := range fields {
		if r, ok := b.fields[name]; ok {
			prev[name] = r.value
			r.value = value
			r.stamp = stamp
		} else {
			prev[name] = ""
			b.fields[name] = &register{value: value, stamp: stamp}
		}
	}

	op := Op{Type: OpSetFields, Stamp: stamp, BlockID: blockID, Fields: copyFields(fields)}
	inv := Inverse{Type: OpSetFields, BlockID: blockID, Fields: prev}
	return op, inv, nil
}

// RemoveBlock tombstones a block. Deletion is terminal: no later op can
// bring the same id back.
func (d *Document) RemoveBlock(blockID string) (Op, Inverse, error) {
	if d.tombstones[blockID] {
		return Op{}, Inverse{}, fmt.Errorf("%w: %s", ErrBlockDeleted, blockID)
	}
	b, ok := d.blocks[blockID]
	if !ok || b.dayKey == "" {
		return Op{}, Inverse{}, fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}

	captured := make(map[string]string, len(b.fields))
	for name, r := range b.fields {
		captured[name] = r.value
	}
	dayKey, rank := b.dayKey, b.rank

	stamp := d.tick()
	d.tombstones[blockID] = true
	delete(d.blocks, blockID)

	op := Op{Type: OpRemoveBlock, Stamp: stamp, BlockID: blockID}
	inv := Inverse{Type: OpInsertBlock, DayKey: dayKey, Rank: rank, Fields: captured}
	return op, inv, nil
}

// ReorderBlock moves the block at fromIndex to toIndex within a day by
// assigning it a new rank. The broadcast op carries the absolute rank so
// remote application is independent of the remote's current ordering.
func (d *Document) ReorderBlock(dayKey string, fromIndex, toIndex int) (Op, Inverse, error) {
	ordered := d.orderedBlocks(dayKey)
	if fromIndex < 0 || fromIndex >= len(ordered) {
		return Op{}, Inverse{}, fmt.Errorf("%w: from index %d out of range", ErrBadOp, fromIndex)
	}
	if toIndex < 0 {
		toIndex = 0
	}
	if toIndex >= len(ordered) {
		toIndex = len(ordered) - 1
	}

	moving := ordered[fromIndex]
	rest := make([]*blockState, 0, len(ordered)-1)
	rest = append(rest, ordered[:fromIndex]...)
	rest = append(rest, ordered[fromIndex+1:]...)
	rank := d.rankBetween(rest, toIndex)

	prevRank := moving.rank
	stamp := d.tick()
	moving.rank = rank
	moving.rankAt = stamp

	op := Op{Type: OpSetRank, Stamp: stamp, DayKey: dayKey, BlockID: moving.id, Rank: rank}
	inv := Inverse{Type: OpSetRank, DayKey: dayKey, BlockID: moving.id, Rank: prevRank}
	return op, inv, nil
}

// SetDayFields updates a day's free-form label fields, creating the day
// if it does not exist yet.
func (d *Document) SetDayFields(dayKey string, fields map[string]string) (Op, Inverse, error) {
	if dayKey == "" || len(fields) == 0 {
		return Op{}, Inverse{}, fmt.Errorf("%w: day fields", ErrBadOp)
	}
	for name := range fields {
		if !dayFields[name] {
			return Op{}, Inverse{}, fmt.Errorf("%w: unknown day field %q", domain.ErrValidation, name)
		}
	}

	day := d.ensureDay(dayKey)
	prev := make(map[string]string, len(fields))
	stamp := d.tick()
	for name, value := range fields {
		if r, ok := day.fields[name]; ok {
			prev[name] = r.value
			r.value = value
			r.stamp = stamp
		} else {
			prev[name] = ""
			day.fields[name] = &register{value: value, stamp: stamp}
		}
	}

	op := Op{Type: OpSetDayFields, Stamp: stamp, DayKey: dayKey, Fields: copyFields(fields)}
	inv := Inverse{Type: OpSetDayFields, DayKey: dayKey, Fields: prev}
	return op, inv, nil
}

// ApplyInverse replays an inverse as a new local mutation and returns the
// resulting op plus the inverse of the inverse (the redo entry).
func (d *Document) ApplyInverse(inv Inverse) (Op, Inverse, error) {
	switch inv.Type {
	case OpRemoveBlock:
		return d.RemoveBlock(inv.BlockID)
	case OpInsertBlock:
		// Fresh id: the original id is tombstoned forever.
		op, redo, err := d.insertAt(inv.DayKey, uuid.New().String(), inv.Rank, inv.Fields)
		return op, redo, err
	case OpSetFields:
		return d.SetBlockFields(inv.BlockID, inv.Fields)
	case OpSetRank:
		b, ok := d.blocks[inv.BlockID]
		if !ok {
			return Op{}, Inverse{}, fmt.Errorf("%w: %s", ErrBlockNotFound, inv.BlockID)
		}
		prevRank := b.rank
		stamp := d.tick()
		b.rank = inv.Rank
		b.rankAt = stamp
		op := Op{Type: OpSetRank, Stamp: stamp, DayKey: inv.DayKey, BlockID: inv.BlockID, Rank: inv.Rank}
		redo := Inverse{Type: OpSetRank, DayKey: inv.DayKey, BlockID: inv.BlockID, Rank: prevRank}
		return op, redo, nil
	case OpSetDayFields:
		return d.SetDayFields(inv.DayKey, inv.Fields)
	default:
		return Op{}, Inverse{}, fmt.Errorf("%w: inverse type %q", ErrBadOp, inv.Type)
	}
}

// ApplyRemote merges a peer's op into this replica. Application is
// idempotent and order-independent; a malformed op is rejected without
// touching state so the caller can drop and log it.
func (d *Document) ApplyRemote(op Op) error {
	if err := op.validate(); err != nil {
		return err
	}
	if op.Stamp.Clock > d.clock {
		d.clock = op.Stamp.Clock
	}

	switch op.Type {
	case OpInsertBlock:
		if d.tombstones[op.BlockID] {
			return nil // delete is terminal
		}
		b, ok := d.blocks[op.BlockID]
		if !ok {
			b = &blockState{id: op.BlockID, fields: make(map[string]*register)}
			d.blocks[op.BlockID] = b
		}
		if b.dayKey == "" {
			b.dayKey = op.DayKey
			d.ensureDay(op.DayKey)
		}
		if op.Stamp.After(b.rankAt) {
			b.rank = op.Rank
			b.rankAt = op.Stamp
		}
		mergeFields(b.fields, op.Fields, op.Stamp)

	case OpSetFields:
		if d.tombstones[op.BlockID] {
			return nil
		}
		b, ok := d.blocks[op.BlockID]
		if !ok {
			// Set arrived before its insert; hold the fields until it does.
			b = &blockState{id: op.BlockID, fields: make(map[string]*register)}
			d.blocks[op.BlockID] = b
		}
		mergeFields(b.fields, op.Fields, op.Stamp)

	case OpRemoveBlock:
		d.tombstones[op.BlockID] = true
		delete(d.blocks, op.BlockID)

	case OpSetRank:
		if d.tombstones[op.BlockID] {
			return nil
		}
		b, ok := d.blocks[op.BlockID]
		if !ok {
			b = &blockState{id: op.BlockID, fields: make(map[string]*register)}
			d.blocks[op.BlockID] = b
		}
		if b.dayKey == "" && op.DayKey != "" {
			b.dayKey = op.DayKey
			d.ensureDay(op.DayKey)
		}
		if op.Stamp.After(b.rankAt) {
			b.rank = op.Rank
			b.rankAt = op.Stamp
		}

	case OpSetDayFields:
		day := d.ensureDay(op.DayKey)
		mergeFields(day.fields, op.Fields, op.Stamp)
	}

	return nil
}

// Hydrate populates an empty document from a stored snapshot. Hydrated
// registers carry clock-zero stamps under the hydration replica id, so
// every replica hydrating the same snapshot is identical and any live
// edit wins over hydrated values.
func (d *Document) Hydrate(days []domain.Day) error {
	if !d.Empty() {
		return fmt.Errorf("hydrate: document not empty")
	}
	base := Stamp{Clock: 0, Replica: HydrationReplica}
	for _, day := range days {
		ds := d.ensureDay(day.Date)
		if day.Label != "" {
			ds.fields[FieldLabel] = &register{value: day.Label, stamp: base}
		}
		if day.Note != "" {
			ds.fields[FieldNote] = &register{value: day.Note, stamp: base}
		}
		for i, blk := range day.Blocks {
			b := &blockState{
				id:     blk.ID,
				dayKey: day.Date,
				rank:   float64(i+1) * rankStep,
				rankAt: base,
				fields: map[string]*register{
					FieldTitle:       {value: blk.Title, stamp: base},
					FieldDescription: {value: blk.Description, stamp: base},
					FieldStartTime:   {value: blk.StartTime, stamp: base},
					FieldEndTime:     {value: blk.EndTime, stamp: base},
					FieldType:        {value: blk.Type, stamp: base},
					FieldCategory:    {value: blk.Category, stamp: base},
				},
			}
			d.blocks[blk.ID] = b
		}
	}
	return nil
}

// Snapshot serializes the converged state: days ascending by date, blocks
// ordered by rank with the block id as a deterministic tie-break.
func (d *Document) Snapshot() []domain.Day {
	keys := make([]string, 0, len(d.days))
	for k := range d.days {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.Day, 0, len(keys))
	for _, key := range keys {
		ds := d.days[key]
		day := domain.Day{
			Date:   key,
			Label:  fieldValue(ds.fields, FieldLabel),
			Note:   fieldValue(ds.fields, FieldNote),
			Blocks: []domain.Block{},
		}
		for _, b := range d.orderedBlocks(key) {
			day.Blocks = append(day.Blocks, domain.Block{
				ID:          b.id,
				Title:       fieldValue(b.fields, FieldTitle),
				Description: fieldValue(b.fields, FieldDescription),
				StartTime:   fieldValue(b.fields, FieldStartTime),
				EndTime:     fieldValue(b.fields, FieldEndTime),
				Type:        fieldValue(b.fields, FieldType),
				Category:    fieldValue(b.fields, FieldCategory),
			})
		}
		out = append(out, day)
	}
	return out
}

// BlockExists reports whether the block is live (inserted, not deleted).
func (d *Document) BlockExists(blockID string) bool {
	b, ok := d.blocks[blockID]
	return ok && b.dayKey != ""
}

func (d *Document) ensureDay(key string) *dayState {
	if ds, ok := d.days[key]; ok {
		return ds
	}
	ds := &dayState{date: key, fields: make(map[string]*register)}
	d.days[key] = ds
	return ds
}

func (d *Document) orderedBlocks(dayKey string) []*blockState {
	var list []*blockState
	for _, b := range d.blocks {
		if b.dayKey == dayKey {
			list = append(list, b)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].rank != list[j].rank {
			return list[i].rank < list[j].rank
		}
		return list[i].id < list[j].id
	})
	return list
}

// rankBetween picks a rank landing the new block at index within ordered.
func (d *Document) rankBetween(ordered []*blockState, index int) float64 {
	switch {
	case len(ordered) == 0:
		return rankStep
	case index <= 0:
		return ordered[0].rank - rankStep
	case index >= len(ordered):
		return ordered[len(ordered)-1].rank + rankStep
	default:
		return (ordered[index-1].rank + ordered[index].rank) / 2
	}
}

func mergeFields(dst map[string]*register, src map[string]string, stamp Stamp) {
	for name, value := range src {
		if r, ok := dst[name]; ok {
			if stamp.After(r.stamp) {
				r.value = value
				r.stamp = stamp
			}
		} else {
			dst[name] = &register{value: value, stamp: stamp}
		}
	}
}

func fieldValue(fields map[string]*register, name string) string {
	if r, ok := fields[name]; ok {
		return r.value
	}
	return ""
}

func copyFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// validateBlockFields checks names, enums, and the time pair. When b is
// non-nil the prospective start/end pair is computed against its current
// values so a lone end_time edit is still range-checked.
func validateBlockFields(fields map[string]string, b *blockState) error {
	for name := range fields {
		if !blockFields[name] {
			return fmt.Errorf("%w: unknown block field %q", domain.ErrValidation, name)
		}
	}
	if v, ok := fields[FieldType]; ok && v != "" {
		if err := domain.ValidateBlockType(v); err != nil {
			return err
		}
	}
	if v, ok := fields[FieldCategory]; ok && v != "" {
		if err := domain.ValidateCategory(v); err != nil {
			return err
		}
	}

	start, hasStart := fields[FieldStartTime]
	end, hasEnd := fields[FieldEndTime]
	if b != nil {
		if !hasStart {
			start = fieldValue(b.fields, FieldStartTime)
		}
		if !hasEnd {
			end = fieldValue(b.fields, FieldEndTime)
		}
	}
	if (hasStart || hasEnd) && start != "" && end != "" {
		return domain.ValidateTimeRange(start, end)
	}
	if hasStart && start != "" {
		return domain.ValidateTimeOfDay(start)
	}
	if hasEnd && end != "" {
		return domain.ValidateTimeOfDay(end)
	}
	return nil
}
