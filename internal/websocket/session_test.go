package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"tripsync-server/internal/bridge"
	"tripsync-server/internal/crdt"
	"tripsync-server/internal/domain"
)

type mockStore struct {
	mu        sync.Mutex
	days      map[string][]domain.Day
	threads   map[string][]domain.CommentThread
	saves     int
	loadDelay time.Duration
	loadErr   error
	saveErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		days:    make(map[string][]domain.Day),
		threads: make(map[string][]domain.CommentThread),
	}
}

func (m *mockStore) LoadItinerary(ctx context.Context, tripID string) ([]domain.Day, error) {
	if m.loadDelay > 0 {
		time.Sleep(m.loadDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.days[tripID], nil
}

func (m *mockStore) LoadComments(ctx context.Context, tripID string) ([]domain.CommentThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[tripID], nil
}

func (m *mockStore) SaveItinerary(ctx context.Context, tripID string, days []domain.Day, threads []domain.CommentThread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.days[tripID] = days
	m.threads[tripID] = threads
	return nil
}

func (m *mockStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *mockStore) savedDays(tripID string) []domain.Day {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.days[tripID]
}

func (m *mockStore) savedThreads(tripID string) []domain.CommentThread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[tripID]
}

func newTestRegistry(store *mockStore, debounce time.Duration) *Registry {
	return NewRegistry(bridge.New(store, debounce), 100)
}

func testClient(id, userID, tripID string) *Client {
	return NewClient(id, userID, tripID, nil, 1<<20, time.Second, time.Second, time.Second)
}

// recv pulls one frame off the client's send buffer.
func recv(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			t.Fatalf("client %s: send channel closed", c.ID)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("client %s: bad frame: %v", c.ID, err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s: timed out waiting for message", c.ID)
	}
	return nil
}

// recvType skips frames until one of the wanted type arrives.
func recvType(t *testing.T, c *Client, want MessageType) *Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := recv(t, c)
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("client %s: no %s frame arrived", c.ID, want)
	return nil
}

func attachAndInit(t *testing.T, r *Registry, c *Client) *InitPayload {
	t.Helper()
	r.Attach(c)
	msg := recv(t, c)
	if msg.Type != TypeInit {
		t.Fatalf("expected init as first frame, got %s", msg.Type)
	}
	var p InitPayload
	if err := msg.UnmarshalPayload(&p); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	return &p
}

func send(t *testing.T, c *Client, msgType MessageType, payload interface{}) {
	t.Helper()
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	data, _ := json.Marshal(msg)
	if !c.session.deliver(c, data) {
		t.Fatalf("client %s: session gone", c.ID)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_InitCarriesStoredState(t *testing.T) {
	store := newMockStore()
	store.days["trip1"] = []domain.Day{
		{Date: "2026-06-01", Label: "Paris", Blocks: []domain.Block{{ID: "b1", Title: "Museum"}}},
	}
	store.threads["trip1"] = []domain.CommentThread{
		{BlockID: "b1", Comments: []domain.Comment{{ID: "c1", AuthorID: "u2", Content: "book ahead"}}},
	}
	r := newTestRegistry(store, time.Hour)

	c := testClient("conn1", "u1", "trip1")
	initp := attachAndInit(t, r, c)

	if len(initp.Days) != 1 || len(initp.Days[0].Blocks) != 1 {
		t.Fatalf("expected stored day in init, got %+v", initp.Days)
	}
	if initp.Days[0].Blocks[0].Title != "Museum" {
		t.Errorf("expected stored block, got %+v", initp.Days[0].Blocks[0])
	}
	if len(initp.Comments) != 1 || initp.Comments[0].BlockID != "b1" {
		t.Errorf("expected stored thread in init, got %+v", initp.Comments)
	}
	if len(initp.Peers) != 0 {
		t.Errorf("expected no peers for first connection, got %+v", initp.Peers)
	}
}

func TestSession_DocCommandBroadcastsToAllPeers(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store, time.Hour)

	a := testClient("connA", "alice", "trip1")
	b := testClient("connB", "bob", "trip1")
	attachAndInit(t, r, a)
	attachAndInit(t, r, b)

	send(t, a, TypeDocCommand, &DocCommandPayload{
		Action: ActionInsert,
		DayKey: "2026-06-01",
		Fields: map[string]string{"title": "Museum", "type": "activity"},
	})

	// The originator gets the op too, so it learns the assigned id.
	opMsg := recvType(t, a, TypeDocOp)
	var opA DocOpPayload
	if err := opMsg.UnmarshalPayload(&opA); err != nil {
		t.Fatalf("decode op: %v", err)
	}
	if opA.UserID != "alice" || opA.Op.BlockID == "" {
		t.Errorf("unexpected op payload: %+v", opA)
	}

	opMsg = recvType(t, b, TypeDocOp)
	var opB DocOpPayload
	if err := opMsg.UnmarshalPayload(&opB); err != nil {
		t.Fatalf("decode op: %v", err)
	}
	if opB.Op.BlockID != opA.Op.BlockID {
		t.Errorf("peers saw different ops: %+v vs %+v", opA.Op, opB.Op)
	}

	// Only the originator's undo state changes.
	var us UndoStatePayload
	if err := recvType(t, a, TypeUndoState).UnmarshalPayload(&us); err != nil {
		t.Fatalf("decode undo state: %v", err)
	}
	if !us.CanUndo || us.CanRedo {
		t.Errorf("expected can_undo only, got %+v", us)
	}
}

func TestSession_RejectedCommandLeavesPeersUntouched(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store, time.Hour)

	a := testClient("connA", "alice", "trip1")
	attachAndInit(t, r, a)

	send(t, a, TypeDocCommand, &DocCommandPayload{
		Action: ActionInsert,
		DayKey: "2026-06-01",
		Fields: map[string]string{"type": "party"},
	})

	msg := recv(t, a)
	if msg.Type != TypeError {
		t.Fatalf("expected error frame, got %s", msg.Type)
	}

	// A well-formed follow-up still works on the same session.
	send(t, a, TypeDocCommand, &DocCommandPayload{
		Action: ActionInsert,
		DayKey: "2026-06-01",
		Fields: map[string]string{"title": "Museum"},
	})
	recvType(t, a, TypeDocOp)
}

func TestSession_UndoIsScopedToClient(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store, time.Hour)

	a := testClient("connA", "alice", "trip1")
	b := testClient("connB", "bob", "trip1")
	attachAndInit(t, r, a)
	attachAndInit(t, r, b)

	send(t, a, TypeDocCommand, &DocCommandPayload{
		Action: ActionInsert,
		DayKey: "2026-06-01",
		Fields: map[string]string{"title": "Museum"},
	})
	recvType(t, a, TypeDocOp)
	recvType(t, b, TypeDocOp)

	// Bob never edited, so his undo is a no-op: just a state frame, no op.
	send(t, b, TypeUndo, nil)
	var us UndoStatePayload
	if err := recvType(t, b, TypeUndoState).UnmarshalPayload(&us); err != nil {
		t.Fatalf("decode undo state: %v", err)
	}
	if us.CanUndo {
		t.Error("bob should have nothing to undo")
	}

	// Alice's undo removes her block everywhere.
	send(t, a, TypeUndo, nil)
	var op DocOpPayload
	if err := recvType(t, b, TypeDocOp).UnmarshalPayload(&op); err != nil {
		t.Fatalf("decode op: %v", err)
	}
	if op.Op.Type != "remove_block" {
		t.Errorf("expected remove op from alice's undo, got %+v", op.Op)
	}
}

func TestSession_UndoEntrySpentWhenBlockDeleted(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store, time.Hour)

	a := testClient("connA", "alice", "trip1")
	b := testClient("connB", "bob", "trip1")
	attachAndInit(t, r, a)
	attachAndInit(t, r, b)

	send(t, a, TypeDocCommand, &DocCommandPayload{
		Action: ActionSetDayFields,
		DayKey: "2026-06-01",
		Fields: map[string]string{"label": "Paris"},
	})
	var op DocOpPayload
	if err := recvType(t, a, TypeDocOp).UnmarshalPayload(&op); err != nil {
		t.Fatalf("decode op: %v", err)
	}
	recvType(t, b, TypeDocOp)

	// Alice edits a block, bob deletes it under her.
	send(t, a, TypeDocCommand, &DocCommandPayload{
		Action: ActionInsert,
		DayKey: "2026-06-01",
		Fields: map[string]string{"title": "Museum"},
	})
	if err := recvType(t, a, TypeDocOp).UnmarshalPayload(&op); err != nil {
		t.Fatalf("decode op: %v", err)
	}
	blockID := op.Op.BlockID
	recvType(t, b, TypeDocOp)

	send(t, a, TypeDocCommand, &DocCommandPayload{
		Action:  ActionSetFields,
		BlockID: blockID,
		Fields:  map[string]string{"title": "Louvre"},
	})
	recvType(t, a, TypeDocOp)
	recvType(t, b, TypeDocOp)

	send(t, b, TypeDocCommand, &DocCommandPayload{Action: ActionRemove, BlockID: blockID})
	recvType(t, a, TypeDocOp)
	recvType(t, b, TypeDocOp)

	// Alice's undo of the field edit targets a dead block: the entry is
	// consumed and she is told, but the session carries on.
	send(t, a, TypeUndo, nil)
	if msg := recv(t, a); msg.Type != TypeError {
		t.Fatalf("expected error for spent undo entry, got %s", msg.Type)
	}
	var us UndoStatePayload
	if err := recvType(t, a, TypeUndoState).UnmarshalPayload(&us); err != nil {
		t.Fatalf("decode undo state: %v", err)
	}
	// The insert beneath it is still undoable.
	if !us.CanUndo {
		t.Error("expected older entries to remain")
	}
}

func TestSession_PresenceRelayAndLeave(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store, time.Hour)

	a := testClient("connA", "alice", "trip1")
	b := testClient("connB", "bob", "trip1")
	attachAndInit(t, r, a)
	attachAndInit(t, r, b)

	send(t, a, TypeAwareness, &AwarenessPayload{Cursor: &domain.CursorPosition{X: 10, Y: 20}})

	var p AwarenessPayload
	if err := recvType(t, b, TypeAwareness).UnmarshalPayload(&p); err != nil {
		t.Fatalf("decode awareness: %v", err)
	}
	if p.ClientID != "connA" || p.UserID != "alice" {
		t.Errorf("expected server-stamped identity, got %+v", p)
	}
	if p.Cursor == nil || p.Cursor.X != 10 {
		t.Errorf("expected cursor relayed, got %+v", p.Cursor)
	}

	// A third client sees alice in the init peer list.
	c := testClient("connC", "carol", "trip1")
	initp := attachAndInit(t, r, c)
	if len(initp.Peers) != 1 || initp.Peers[0].ClientID != "connA" {
		t.Errorf("expected alice in peer list, got %+v", initp.Peers)
	}

	a.session.leave(a)
	var leave PresenceLeavePayload
	if err := recvType(t, b, TypePresenceLeave).UnmarshalPayload(&leave); err != nil {
		t.Fatalf("decode presence leave: %v", err)
	}
	if leave.ClientID != "connA" {
		t.Errorf("expected leave for connA, got %+v", leave)
	}
}

func TestSession_CommentsFlow(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store, time.Hour)

	a := testClient("connA", "alice", "trip1")
	b := testClient("connB", "bob", "trip1")
	attachAndInit(t, r, a)
	attachAndInit(t, r, b)

	send(t, a, TypeComment, &CommentPayload{Action: CommentActionAdd, BlockID: "b1", Content: "book ahead"})

	var p CommentPayload
	if err := recvType(t, b, TypeComment).UnmarshalPayload(&p); err != nil {
		t.Fatalf("decode comment: %v", err)
	}
	if p.Comment == nil || p.Comment.AuthorID != "alice" || p.Comment.Content != "book ahead" {
		t.Fatalf("expected stored comment broadcast, got %+v", p)
	}
	if p.Comment.ID == "" {
		t.Error("expected server-assigned comment id")
	}
	recvType(t, a, TypeComment) // drain alice's copy of the add

	send(t, b, TypeComment, &CommentPayload{Action: CommentActionToggleResolved, BlockID: "b1"})
	if err := recvType(t, a, TypeComment).UnmarshalPayload(&p); err != nil {
		t.Fatalf("decode toggle: %v", err)
	}
	if p.Resolved == nil || !*p.Resolved {
		t.Errorf("expected resolved=true broadcast, got %+v", p)
	}

	// Threads survive the session through the final flush.
	a.session.leave(a)
	b.session.leave(b)
	waitFor(t, func() bool { return r.Count() == 0 }, "session release")

	threads := store.savedThreads("trip1")
	if len(threads) != 1 || threads[0].BlockID != "b1" || !threads[0].Resolved {
		t.Fatalf("expected persisted resolved thread, got %+v", threads)
	}
	if len(threads[0].Comments) != 1 {
		t.Errorf("expected one persisted comment, got %+v", threads[0].Comments)
	}
}

func TestSession_DebounceCoalescesWrites(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store, 100*time.Millisecond)

	c := testClient("conn1", "alice", "trip1")
	attachAndInit(t, r, c)

	for i := 0; i < 3; i++ {
		send(t, c, TypeDocCommand, &DocCommandPayload{
			Action: ActionInsert,
			DayKey: "2026-06-01",
			Index:  i,
			Fields: map[string]string{"title": "Stop"},
		})
		recvType(t, c, TypeDocOp)
	}

	waitFor(t, func() bool { return store.saveCount() >= 1 }, "debounced flush")
	time.Sleep(250 * time.Millisecond)

	if got := store.saveCount(); got != 1 {
		t.Errorf("expected one coalesced write, got %d", got)
	}
	days := store.savedDays("trip1")
	if len(days) != 1 || len(days[0].Blocks) != 3 {
		t.Fatalf("expected all edits in the single write, got %+v", days)
	}
}

func TestSession_NoWriteWithoutEdits(t *testing.T) {
	store := newMockStore()
	store.days["trip1"] = []domain.Day{{Date: "2026-06-01", Blocks: []domain.Block{{ID: "b1", Title: "Museum"}}}}
	r := newTestRegistry(store, 20*time.Millisecond)

	c := testClient("conn1", "alice", "trip1")
	attachAndInit(t, r, c)

	// Presence churn alone is not a document edit.
	send(t, c, TypeAwareness, &AwarenessPayload{Cursor: &domain.CursorPosition{X: 1, Y: 1}})

	c.session.leave(c)
	waitFor(t, func() bool { return r.Count() == 0 }, "session release")

	if got := store.saveCount(); got != 0 {
		t.Errorf("expected no writes for an edit-free session, got %d", got)
	}
}

func TestSession_FinalFlushOnLastDisconnect(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store, time.Hour) // debounce never fires on its own

	c := testClient("conn1", "alice", "trip1")
	attachAndInit(t, r, c)

	send(t, c, TypeDocCommand, &DocCommandPayload{
		Action: ActionInsert,
		DayKey: "2026-06-01",
		Fields: map[string]string{"title": "Museum"},
	})
	recvType(t, c, TypeDocOp)

	c.session.leave(c)
	waitFor(t, func() bool { return r.Count() == 0 }, "session release")

	if got := store.saveCount(); got != 1 {
		t.Fatalf("expected exactly the final flush, got %d writes", got)
	}
	days := store.savedDays("trip1")
	if len(days) != 1 || len(days[0].Blocks) != 1 || days[0].Blocks[0].Title != "Museum" {
		t.Fatalf("expected unsaved edit persisted on disconnect, got %+v", days)
	}

	// A later session hydrates what the flush wrote.
	c2 := testClient("conn2", "bob", "trip1")
	initp := attachAndInit(t, r, c2)
	if len(initp.Days) != 1 || initp.Days[0].Blocks[0].Title != "Museum" {
		t.Fatalf("expected rehydrated state, got %+v", initp.Days)
	}
}

func TestSession_InstantDisconnectDuringHydration(t *testing.T) {
	store := newMockStore()
	store.loadDelay = 50 * time.Millisecond
	r := newTestRegistry(store, time.Hour)

	c := testClient("conn1", "alice", "trip1")
	r.Attach(c)

	// The socket dies before hydration finishes, exactly as the read
	// pump's deferred leave would report it.
	c.session.leave(c)

	waitFor(t, func() bool { return r.Count() == 0 }, "session release")

	// The client's channel is closed, never left dangling.
	drained := false
	for !drained {
		select {
		case _, ok := <-c.Send:
			if !ok {
				drained = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("send channel never closed")
		}
	}
	if got := store.saveCount(); got != 0 {
		t.Errorf("expected no writes for an edit-free session, got %d", got)
	}
}

func TestSession_FrameQueuedDuringHydration(t *testing.T) {
	store := newMockStore()
	store.loadDelay = 50 * time.Millisecond
	r := newTestRegistry(store, time.Hour)

	c := testClient("conn1", "alice", "trip1")
	r.Attach(c)

	// The frame is queued while the session is still hydrating, so it
	// contends with the client's own join event.
	send(t, c, TypeDocCommand, &DocCommandPayload{
		Action: ActionInsert,
		DayKey: "2026-06-01",
		Fields: map[string]string{"title": "Museum"},
	})

	// init still arrives first, then the op.
	msg := recv(t, c)
	if msg.Type != TypeInit {
		t.Fatalf("expected init before any op, got %s", msg.Type)
	}
	var op DocOpPayload
	if err := recvType(t, c, TypeDocOp).UnmarshalPayload(&op); err != nil {
		t.Fatalf("decode op: %v", err)
	}
	if op.Op.BlockID == "" {
		t.Errorf("expected applied insert, got %+v", op.Op)
	}

	c.session.leave(c)
	waitFor(t, func() bool { return r.Count() == 0 }, "session release")
	days := store.savedDays("trip1")
	if len(days) != 1 || len(days[0].Blocks) != 1 {
		t.Fatalf("expected the early edit persisted, got %+v", days)
	}
}

func TestSession_HydrationFailureRejectsClient(t *testing.T) {
	store := newMockStore()
	store.loadErr = errors.New("db down")
	r := newTestRegistry(store, time.Hour)

	c := testClient("conn1", "alice", "trip1")
	r.Attach(c)

	select {
	case _, ok := <-c.Send:
		if ok {
			t.Fatal("expected closed send channel, got a frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rejection")
	}
	waitFor(t, func() bool { return r.Count() == 0 }, "failed session eviction")
}

func TestRegistry_OneSessionPerTrip(t *testing.T) {
	store := newMockStore()
	r := newTestRegistry(store, time.Hour)

	a := testClient("connA", "alice", "trip1")
	b := testClient("connB", "bob", "trip1")
	other := testClient("connC", "carol", "trip2")
	attachAndInit(t, r, a)
	attachAndInit(t, r, b)
	attachAndInit(t, r, other)

	if got := r.Count(); got != 2 {
		t.Errorf("expected 2 sessions for 2 trips, got %d", got)
	}
	if a.session != b.session {
		t.Error("expected both trip1 clients on the same session")
	}
	if a.session == other.session {
		t.Error("expected trip2 on its own session")
	}
}

func TestUndoManager_LimitAndRedoClear(t *testing.T) {
	um := NewUndoManager(2)

	um.Record(inverseWithDay("one"))
	um.Record(inverseWithDay("two"))
	um.Record(inverseWithDay("three")) // evicts "one"

	inv, ok := um.PopUndo()
	if !ok || inv.DayKey != "three" {
		t.Fatalf("expected three, got %+v ok=%v", inv, ok)
	}
	um.PushRedo(inv)
	inv, _ = um.PopUndo()
	if inv.DayKey != "two" {
		t.Fatalf("expected two, got %+v", inv)
	}
	if um.CanUndo() {
		t.Error("expected oldest entry evicted at the limit")
	}
	if !um.CanRedo() {
		t.Error("expected redo entry kept")
	}

	// A fresh edit wipes the redo branch.
	um.Record(inverseWithDay("four"))
	if um.CanRedo() {
		t.Error("expected redo cleared by new edit")
	}
}

func inverseWithDay(key string) crdt.Inverse {
	return crdt.Inverse{Type: crdt.OpSetDayFields, DayKey: key, Fields: map[string]string{"label": "x"}}
}
