package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"tripsync-server/internal/bridge"
	"tripsync-server/internal/crdt"
	"tripsync-server/internal/domain"
)

type SessionState string

const (
	StateHydrating SessionState = "hydrating"
	StateActive    SessionState = "active"
	StateFlushing  SessionState = "flushing"
)

const (
	hydrateTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

type clientMessage struct {
	client *Client
	data   []byte
}

// memberEvent is a join or leave. Both flow through one channel so a
// client's leave can never be processed ahead of its own join.
type memberEvent struct {
	client *Client
	join   bool
}

type flushJob struct {
	days    []domain.Day
	threads []domain.CommentThread
	ack     chan error
}

// Session is the single live replica of one trip's itinerary. All
// document mutation, presence relay, and broadcast happen on the run
// goroutine; clients and timers only ever signal it through channels, so
// the replica needs no locking.
type Session struct {
	TripID   string
	registry *Registry
	bridge   *bridge.Bridge

	doc      *crdt.Document
	comments map[string]*domain.CommentThread
	presence map[string]*AwarenessPayload
	clients  map[string]*Client
	undo     map[string]*UndoManager

	members chan memberEvent
	inbound chan *clientMessage
	flushC  chan struct{}
	failC   chan struct{}
	done    chan struct{}

	writeC     chan flushJob
	writerDone chan struct{}

	state      SessionState
	needsFlush bool
	undoLimit  int
}

func newSession(tripID string, registry *Registry) *Session {
	return &Session{
		TripID:     tripID,
		registry:   registry,
		bridge:     registry.bridge,
		doc:        crdt.NewDocument(tripID),
		comments:   make(map[string]*domain.CommentThread),
		presence:   make(map[string]*AwarenessPayload),
		clients:    make(map[string]*Client),
		undo:       make(map[string]*UndoManager),
		members:    make(chan memberEvent, 32),
		inbound:    make(chan *clientMessage, 256),
		flushC:     make(chan struct{}, 1),
		failC:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		writeC:     make(chan flushJob, 4),
		writerDone: make(chan struct{}),
		state:      StateHydrating,
		undoLimit:  registry.undoLimit,
	}
}

// join hands a client to the run loop. It fails once the session has
// begun tearing down; the registry then retries against a fresh session.
func (s *Session) join(c *Client) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.members <- memberEvent{client: c, join: true}:
		return true
	default:
		return false
	}
}

func (s *Session) leave(c *Client) {
	select {
	case s.members <- memberEvent{client: c, join: false}:
	case <-s.done:
	}
}

// deliver queues an inbound frame for the run loop. Returns false when
// the session is gone so the read pump can stop.
func (s *Session) deliver(c *Client, data []byte) bool {
	select {
	case s.inbound <- &clientMessage{client: c, data: data}:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	if err := s.hydrate(); err != nil {
		log.Printf("[Session %s] hydration failed: %v", s.TripID, err)
		s.abort()
		return
	}
	s.state = StateActive
	log.Printf("[Session %s] active", s.TripID)

	go s.writer()

	for {
		select {
		case ev := <-s.members:
			if ev.join {
				s.addClient(ev.client)
				continue
			}
			s.removeClient(ev.client)
			if len(s.clients) == 0 {
				s.state = StateFlushing
				s.finalFlush()
				if s.registry.release(s) {
					close(s.writeC)
					<-s.writerDone
					log.Printf("[Session %s] released", s.TripID)
					return
				}
				// A join slipped in during the flush; stay alive.
				s.state = StateActive
			}

		case m := <-s.inbound:
			s.handleMessage(m.client, m.data)

		case <-s.flushC:
			s.enqueueFlush()

		case <-s.failC:
			s.needsFlush = true
			s.schedule()
		}
	}
}

func (s *Session) hydrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()

	days, threads, err := s.bridge.Hydrate(ctx, s.TripID)
	if err != nil {
		return err
	}
	if len(days) > 0 && s.doc.Empty() {
		if err := s.doc.Hydrate(days); err != nil {
			return err
		}
	}
	for i := range threads {
		t := threads[i]
		s.comments[t.BlockID] = &t
	}
	return nil
}

// abort rejects every queued client after a failed hydration.
func (s *Session) abort() {
	s.registry.remove(s)
	for {
		select {
		case ev := <-s.members:
			if ev.join {
				close(ev.client.Send)
			}
		default:
			return
		}
	}
}

// writer is the session's only path to storage. Writes run sequentially
// here so a slow or failed write can never reorder against a newer one,
// and never blocks message relay on the run goroutine.
func (s *Session) writer() {
	defer close(s.writerDone)
	for job := range s.writeC {
		var err error
		if job.days != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = s.bridge.Flush(ctx, s.TripID, job.days, job.threads)
			cancel()
			if err != nil {
				select {
				case s.failC <- struct{}{}:
				default:
				}
			}
		}
		if job.ack != nil {
			job.ack <- err
		}
	}
}

// enqueueFlush snapshots the replica and hands it to the writer. If the
// writer's queue is full the dirty flag survives and the debounce timer
// is rearmed.
func (s *Session) enqueueFlush() {
	days := s.doc.Snapshot()
	threads := s.commentList()
	select {
	case s.writeC <- flushJob{days: days, threads: threads}:
		s.needsFlush = false
	default:
		s.needsFlush = true
		s.schedule()
	}
}

// finalFlush drains the writer and, if there are unsaved edits, performs
// one last synchronous write before the replica is discarded.
func (s *Session) finalFlush() {
	s.bridge.Cancel(s.TripID)

	job := flushJob{ack: make(chan error, 1)}
	if s.needsFlush {
		job.days = s.doc.Snapshot()
		job.threads = s.commentList()
	}
	s.writeC <- job
	if err := <-job.ack; err != nil {
		log.Printf("[Session %s] final flush failed: %v", s.TripID, err)
		return
	}
	s.needsFlush = false
}

func (s *Session) markDirty() {
	s.needsFlush = true
	s.schedule()
}

func (s *Session) schedule() {
	s.bridge.Schedule(s.TripID, s.requestFlush)
}

// requestFlush runs on the bridge's timer goroutine; it only signals.
func (s *Session) requestFlush() {
	select {
	case s.flushC <- struct{}{}:
	case <-s.done:
	default:
	}
}

// addClient is idempotent: a frame racing ahead of its own join event
// attaches the client early, and the queued join is then a no-op.
func (s *Session) addClient(c *Client) {
	if _, ok := s.clients[c.ID]; ok {
		return
	}
	s.clients[c.ID] = c
	s.undo[c.ID] = NewUndoManager(s.undoLimit)

	peers := make([]AwarenessPayload, 0, len(s.presence))
	for _, p := range s.presence {
		peers = append(peers, *p)
	}
	s.sendTo(c, TypeInit, &InitPayload{
		Days:     s.doc.Snapshot(),
		Comments: s.commentList(),
		Peers:    peers,
	})

	log.Printf("[Session %s] client attached: %s (user %s, peers %d)", s.TripID, c.ID, c.UserID, len(s.clients))
}

// removeClient drops the connection from the peer set and clears its
// presence immediately; its already-applied document ops stay in place.
func (s *Session) removeClient(c *Client) {
	if _, ok := s.clients[c.ID]; !ok {
		return
	}
	delete(s.clients, c.ID)
	delete(s.undo, c.ID)
	if _, ok := s.presence[c.ID]; ok {
		delete(s.presence, c.ID)
		s.broadcast(TypePresenceLeave, &PresenceLeavePayload{ClientID: c.ID, UserID: c.UserID}, c.ID)
	}
	close(c.Send)
	log.Printf("[Session %s] client detached: %s (peers %d)", s.TripID, c.ID, len(s.clients))
}

func (s *Session) handleMessage(c *Client, data []byte) {
	if _, ok := s.clients[c.ID]; !ok {
		// The frame won the select race against the client's join event.
		// Attach first so the client still sees init before any op.
		s.addClient(c)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[Session %s] bad frame from %s: %v", s.TripID, c.ID, err)
		s.sendError(c, "malformed message")
		return
	}

	switch msg.Type {
	case TypeDocCommand:
		s.handleDocCommand(c, &msg)
	case TypeAwareness:
		s.handleAwareness(c, &msg)
	case TypeComment:
		s.handleComment(c, &msg)
	case TypeUndo:
		s.handleUndoRedo(c, false)
	case TypeRedo:
		s.handleUndoRedo(c, true)
	default:
		log.Printf("[Session %s] unknown message type %q from %s", s.TripID, msg.Type, c.ID)
	}
}

func (s *Session) handleDocCommand(c *Client, msg *Message) {
	var p DocCommandPayload
	if err := msg.UnmarshalPayload(&p); err != nil {
		s.sendError(c, "malformed document command")
		return
	}

	var (
		op  crdt.Op
		inv crdt.Inverse
		err error
	)
	switch p.Action {
	case ActionInsert:
		_, op, inv, err = s.doc.InsertBlock(p.DayKey, p.Index, p.Fields)
	case ActionSetFields:
		op, inv, err = s.doc.SetBlockFields(p.BlockID, p.Fields)
	case ActionRemove:
		op, inv, err = s.doc.RemoveBlock(p.BlockID)
	case ActionReorder:
		op, inv, err = s.doc.ReorderBlock(p.DayKey, p.From, p.To)
	case ActionSetDayFields:
		op, inv, err = s.doc.SetDayFields(p.DayKey, p.Fields)
	default:
		s.sendError(c, "unknown document action")
		return
	}

	if err != nil {
		// The offending command is dropped; the session and its peers
		// are unaffected.
		log.Printf("[Session %s] rejected %s from %s: %v", s.TripID, p.Action, c.ID, err)
		s.sendError(c, err.Error())
		return
	}

	s.undo[c.ID].Record(inv)
	s.broadcast(TypeDocOp, &DocOpPayload{Op: op, UserID: c.UserID}, "")
	s.sendUndoState(c)
	s.markDirty()
}

func (s *Session) handleAwareness(c *Client, msg *Message) {
	var p AwarenessPayload
	if err := msg.UnmarshalPayload(&p); err != nil {
		s.sendError(c, "malformed awareness update")
		return
	}

	state := &AwarenessPayload{
		ClientID:       c.ID,
		UserID:         c.UserID,
		Cursor:         p.Cursor,
		EditingBlockID: p.EditingBlockID,
	}
	s.presence[c.ID] = state
	s.broadcast(TypeAwareness, state, c.ID)
}

func (s *Session) handleComment(c *Client, msg *Message) {
	var p CommentPayload
	if err := msg.UnmarshalPayload(&p); err != nil {
		s.sendError(c, "malformed comment message")
		return
	}
	if p.BlockID == "" {
		s.sendError(c, "comment requires a block id")
		return
	}

	switch p.Action {
	case CommentActionAdd:
		if p.Content == "" {
			s.sendError(c, "comment content is empty")
			return
		}
		thread, ok := s.comments[p.BlockID]
		if !ok {
			thread = &domain.CommentThread{BlockID: p.BlockID}
			s.comments[p.BlockID] = thread
		}
		comment := domain.Comment{
			ID:        uuid.New().String(),
			AuthorID:  c.UserID,
			Content:   p.Content,
			CreatedAt: time.Now(),
		}
		thread.Comments = append(thread.Comments, comment)
		s.broadcast(TypeComment, &CommentPayload{
			Action:  CommentActionAdd,
			BlockID: p.BlockID,
			Comment: &comment,
		}, "")
		s.markDirty()

	case CommentActionToggleResolved:
		thread, ok := s.comments[p.BlockID]
		if !ok {
			s.sendError(c, "no thread for block")
			return
		}
		thread.Resolved = !thread.Resolved
		resolved := thread.Resolved
		s.broadcast(TypeComment, &CommentPayload{
			Action:   CommentActionToggleResolved,
			BlockID:  p.BlockID,
			Resolved: &resolved,
		}, "")
		s.markDirty()

	default:
		s.sendError(c, "unknown comment action")
	}
}

// handleUndoRedo reverts (or re-applies) the most recent entry of the
// requesting client's own history. The resulting op is a normal local
// mutation: broadcast, persisted, and visible to every peer.
func (s *Session) handleUndoRedo(c *Client, redo bool) {
	um := s.undo[c.ID]

	var (
		inv crdt.Inverse
		ok  bool
	)
	if redo {
		inv, ok = um.PopRedo()
	} else {
		inv, ok = um.PopUndo()
	}
	if !ok {
		s.sendUndoState(c)
		return
	}

	op, counter, err := s.doc.ApplyInverse(inv)
	if err != nil {
		// The referenced block is gone (a peer deleted it); the entry is
		// spent and the stack simply moves on.
		log.Printf("[Session %s] undo entry skipped for %s: %v", s.TripID, c.ID, err)
		s.sendError(c, err.Error())
		s.sendUndoState(c)
		return
	}

	if redo {
		um.PushUndo(counter)
	} else {
		um.PushRedo(counter)
	}
	s.broadcast(TypeDocOp, &DocOpPayload{Op: op, UserID: c.UserID}, "")
	s.sendUndoState(c)
	s.markDirty()
}

func (s *Session) sendUndoState(c *Client) {
	um := s.undo[c.ID]
	if um == nil {
		return
	}
	s.sendTo(c, TypeUndoState, &UndoStatePayload{CanUndo: um.CanUndo(), CanRedo: um.CanRedo()})
}

func (s *Session) sendError(c *Client, reason string) {
	s.sendTo(c, TypeError, &ErrorPayload{Reason: reason})
}

func (s *Session) sendTo(c *Client, msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		log.Printf("[Session %s] marshal %s: %v", s.TripID, msgType, err)
		return
	}
	data, _ := json.Marshal(msg)
	select {
	case c.Send <- data:
	default:
		log.Printf("[Session %s] client %s send buffer full, dropping %s", s.TripID, c.ID, msgType)
	}
}

func (s *Session) broadcast(msgType MessageType, payload interface{}, excludeID string) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		log.Printf("[Session %s] marshal %s: %v", s.TripID, msgType, err)
		return
	}
	data, _ := json.Marshal(msg)
	for id, c := range s.clients {
		if id == excludeID {
			continue
		}
		select {
		case c.Send <- data:
		default:
			log.Printf("[Session %s] client %s send buffer full, dropping %s", s.TripID, id, msgType)
		}
	}
}

// commentList returns the threads in a stable order so persisted output
// is deterministic.
func (s *Session) commentList() []domain.CommentThread {
	list := make([]domain.CommentThread, 0, len(s.comments))
	for _, t := range s.comments {
		copied := *t
		copied.Comments = append([]domain.Comment(nil), t.Comments...)
		list = append(list, copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].BlockID < list[j].BlockID })
	return list
}
