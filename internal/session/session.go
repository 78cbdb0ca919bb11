// Package session drives one open document: it owns the replica, persists
// its state, and exchanges updates with other sessions through a relay.
// The server opens one silent session per active document; embedders open
// one per editor.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cowritelabs/cowrite/internal/crdt"
	"github.com/cowritelabs/cowrite/internal/documents"
	"github.com/cowritelabs/cowrite/internal/presence"
	"github.com/cowritelabs/cowrite/internal/relay"
)

// State names the lifecycle phase of a session.
type State int32

const (
	// StateLoading covers reading persisted state into the replica.
	StateLoading State = iota
	// StateSyncing covers attaching to the relay before edits flow.
	StateSyncing
	// StateConnected means edits broadcast live.
	StateConnected
	// StateOffline means edits apply locally and queue for later.
	StateOffline
	// StateReconnecting covers replaying the offline queue.
	StateReconnecting
	// StateClosed is terminal.
	StateClosed
)

// String renders the state for logs and errors.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = errors.New("session: closed")

	errMissingStore      = errors.New("session: store is required")
	errMissingRelay      = errors.New("session: relay is required")
	errMissingDocumentID = errors.New("session: document id is required")
	errMissingClientID   = errors.New("session: client id is required")

	noOpLogger = zap.NewNop()
)

const (
	defaultMirrorDebounce = 2 * time.Second
	defaultSnapshotEvery  = 30 * time.Second
	defaultRetryBase      = 500 * time.Millisecond
	defaultRetryCap       = 30 * time.Second
	persistTimeout        = 5 * time.Second

	mailboxSize = 64
)

const (
	opOpen      = "session.open"
	opMerge     = "session.merge"
	opPublish   = "session.publish"
	opMirror    = "session.mirror_flush"
	opSnapshot  = "session.snapshot_flush"
	opReconnect = "session.reconnect"
)

// Store is the slice of the documents service a session needs. The server
// wires the real service; tests may wire fakes.
type Store interface {
	LoadState(ctx context.Context, documentID documents.DocumentID) (documents.DocumentState, error)
	SaveSnapshot(ctx context.Context, documentID documents.DocumentID, state []byte) error
	SaveMirror(ctx context.Context, documentID documents.DocumentID, text string) error
}

// Config wires a session. Username may be empty for silent sessions that
// should not appear in presence rosters, such as the server's own.
type Config struct {
	DocumentID documents.DocumentID
	ClientID   string
	UserID     string
	Username   string

	Store Store
	Relay relay.Relay

	Logger *zap.Logger

	// OnStateChange observes lifecycle transitions, for connectivity
	// indicators. The callback runs on the session's goroutines and must
	// not call back into the session.
	OnStateChange func(State)

	// MirrorDebounce delays plain-text writes until typing pauses.
	MirrorDebounce time.Duration
	// SnapshotEvery bounds how stale the persisted binary state can get.
	SnapshotEvery time.Duration
	// RetryBase and RetryCap bound the persistence and reconnect backoff.
	RetryBase time.Duration
	RetryCap  time.Duration
}

type editKind uint8

const (
	editInsert editKind = iota
	editDelete
	editSetText
)

type editRequest struct {
	kind   editKind
	index  int
	length int
	text   string
	reply  chan error
}

type persistKind uint8

const (
	persistMirror persistKind = iota
	persistSnapshot
)

// persistResult reports a finished store write back to the event loop.
type persistResult struct {
	kind persistKind
	err  error
}

type commandKind uint8

const (
	cmdOffline commandKind = iota
	cmdOnline
	cmdFlush
	cmdClose
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan error
}

// Session is one replica of one document bound to a store and a relay.
// Every mutation of the replica runs on the session's event loop, so local
// edits, remote merges, and persistence never race.
type Session struct {
	documentID documents.DocumentID
	channel    string
	clientID   string
	userID     string
	username   string

	doc   *crdt.Doc
	peers *presence.Tracker
	store Store
	relay relay.Relay

	logger *zap.Logger

	mirrorDebounce time.Duration
	snapshotEvery  time.Duration
	retryBase      time.Duration
	retryCap       time.Duration

	state         atomic.Int32
	onStateChange func(State)
	ctx           context.Context
	cancel        context.CancelFunc

	edits    chan editRequest
	events   chan relay.Event
	commands chan command
	persistC chan persistResult
	closed   chan struct{}
	loopDone chan struct{}

	// Loop-owned state below. Nothing outside the event loop touches it.
	cancelSub      func()
	pending        crdt.Update
	textDirty      bool
	stateDirty     bool
	mirrorBusy     bool
	snapshotBusy   bool
	mirrorTimer    *time.Timer
	mirrorC        <-chan time.Time
	retryTimer     *time.Timer
	retryC         <-chan time.Time
	retryDelay     time.Duration
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time
	reconnectDelay time.Duration
}

// Open loads the document, attaches to the relay, announces presence, and
// starts the event loop. The returned session is connected.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Relay == nil {
		return nil, errMissingRelay
	}
	if cfg.DocumentID.String() == "" {
		return nil, errMissingDocumentID
	}
	if cfg.ClientID == "" {
		return nil, errMissingClientID
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		documentID:     cfg.DocumentID,
		channel:        relay.DocumentChannel(cfg.DocumentID.String()),
		clientID:       cfg.ClientID,
		userID:         cfg.UserID,
		username:       cfg.Username,
		doc:            crdt.New(crdt.DeriveReplicaID(cfg.ClientID)),
		peers:          presence.NewTracker(),
		store:          cfg.Store,
		relay:          cfg.Relay,
		logger:         logger,
		mirrorDebounce: durationOrDefault(cfg.MirrorDebounce, defaultMirrorDebounce),
		snapshotEvery:  durationOrDefault(cfg.SnapshotEvery, defaultSnapshotEvery),
		retryBase:      durationOrDefault(cfg.RetryBase, defaultRetryBase),
		retryCap:       durationOrDefault(cfg.RetryCap, defaultRetryCap),
		onStateChange:  cfg.OnStateChange,
		ctx:            sessionCtx,
		cancel:         cancel,
		edits:          make(chan editRequest, mailboxSize),
		events:         make(chan relay.Event, mailboxSize),
		commands:       make(chan command, mailboxSize),
		persistC:       make(chan persistResult, 2),
		closed:         make(chan struct{}),
		loopDone:       make(chan struct{}),
		cancelSub:      func() {},
	}

	s.setState(StateLoading)
	state, err := s.store.LoadState(ctx, s.documentID)
	if err != nil {
		cancel()
		return nil, err
	}
	if state.HasSnapshot {
		if err := s.doc.ApplyUpdate(state.Snapshot, crdt.OriginRemote); err != nil {
			cancel()
			s.logError(opOpen, "snapshot_corrupt", err)
			return nil, fmt.Errorf("apply persisted snapshot: %w", err)
		}
	} else if state.MirrorText != "" {
		s.doc.Seed(crdt.SeedReplicaID(s.documentID.String()), state.MirrorText)
	}

	s.setState(StateSyncing)
	cancelSub, err := s.relay.Subscribe(s.ctx, s.channel, s.onRelayEvent)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to document channel: %w", err)
	}
	s.cancelSub = cancelSub

	if s.username != "" {
		s.peers.Join(s.documentID.String(), s.clientID, s.userID, s.username)
		s.announceJoin(ctx)
	}
	s.setState(StateConnected)

	go s.run()
	return s, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// DocumentID returns the identifier of the open document.
func (s *Session) DocumentID() documents.DocumentID {
	return s.documentID
}

// ClientID returns the session's identifier on the relay.
func (s *Session) ClientID() string {
	return s.clientID
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	if State(s.state.Swap(int32(next))) == next {
		return
	}
	if s.onStateChange != nil {
		s.onStateChange(next)
	}
}

// Text renders the replica's visible text.
func (s *Session) Text() string {
	return s.doc.Text()
}

// EncodeState serializes the replica, tombstones included.
func (s *Session) EncodeState() []byte {
	return s.doc.EncodeState()
}

// Peers lists the participants this session knows about, in join order.
func (s *Session) Peers() []presence.Entry {
	return s.peers.Entries(s.documentID.String())
}

// Subscribe registers an observer of visible-text changes. The callback
// runs with the replica locked and must not mutate the session.
func (s *Session) Subscribe(fn func(crdt.Change)) func() {
	return s.doc.Subscribe(fn)
}

// InsertText splices text at a visible rune index.
func (s *Session) InsertText(ctx context.Context, index int, text string) error {
	return s.dispatchEdit(ctx, editRequest{kind: editInsert, index: index, text: text})
}

// DeleteText removes a span of visible runes.
func (s *Session) DeleteText(ctx context.Context, index, length int) error {
	return s.dispatchEdit(ctx, editRequest{kind: editDelete, index: index, length: length})
}

// SetText replaces the whole text, reduced to the minimal splice first so
// concurrent edits elsewhere in the document survive.
func (s *Session) SetText(ctx context.Context, text string) error {
	return s.dispatchEdit(ctx, editRequest{kind: editSetText, text: text})
}

// SetOffline detaches from the relay and suspends automatic reconnection.
// Edits keep applying locally and queue for the next SetOnline.
func (s *Session) SetOffline(ctx context.Context) error {
	return s.dispatchCommand(ctx, cmdOffline)
}

// SetOnline reattaches to the relay: it merges the server's current state,
// replays the offline queue, and announces presence again.
func (s *Session) SetOnline(ctx context.Context) error {
	return s.dispatchCommand(ctx, cmdOnline)
}

// Flush persists the mirror and the snapshot immediately.
func (s *Session) Flush(ctx context.Context) error {
	return s.dispatchCommand(ctx, cmdFlush)
}

// Close flushes persisted state, announces departure, and stops the loop.
// Closing an already-closed session returns nil.
func (s *Session) Close(ctx context.Context) error {
	err := s.dispatchCommand(ctx, cmdClose)
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Session) dispatchEdit(ctx context.Context, request editRequest) error {
	request.reply = make(chan error, 1)
	select {
	case s.edits <- request:
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-request.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dispatchCommand(ctx context.Context, kind commandKind) error {
	cmd := command{kind: kind, ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-s.closed:
		if kind == cmdClose {
			return nil
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onRelayEvent runs on the relay's delivery goroutine and hands the event
// to the loop. Events arriving while the session shuts down are dropped.
func (s *Session) onRelayEvent(event relay.Event) {
	select {
	case s.events <- event:
	case <-s.closed:
	}
}

func (s *Session) run() {
	defer close(s.loopDone)
	defer s.cancel()

	snapshotTicker := time.NewTicker(s.snapshotEvery)
	defer snapshotTicker.Stop()

	for {
		select {
		case request := <-s.edits:
			request.reply <- s.handleEdit(request)
		case event := <-s.events:
			s.handleRelayEvent(event)
		case <-s.mirrorC:
			s.mirrorC = nil
			s.flushMirror()
		case <-snapshotTicker.C:
			s.flushSnapshot()
		case result := <-s.persistC:
			s.handlePersistResult(result)
		case <-s.retryC:
			s.retryC = nil
			s.retryPersist()
		case <-s.reconnectC:
			s.reconnectC = nil
			s.tryReconnect()
		case cmd := <-s.commands:
			if s.handleCommand(cmd) {
				return
			}
		}
	}
}

func (s *Session) handleEdit(request editRequest) error {
	switch request.kind {
	case editInsert:
		update, err := s.doc.Insert(request.index, request.text)
		if err != nil {
			return err
		}
		s.dispatchLocal(update)
	case editDelete:
		update, err := s.doc.Delete(request.index, request.length)
		if err != nil {
			return err
		}
		s.dispatchLocal(update)
	case editSetText:
		diff := DiffTexts(s.doc.Text(), request.text)
		if diff.IsZero() {
			return nil
		}
		if diff.Remove > 0 {
			update, err := s.doc.Delete(diff.Index, diff.Remove)
			if err != nil {
				return err
			}
			s.dispatchLocal(update)
		}
		if diff.Insert != "" {
			update, err := s.doc.Insert(diff.Index, diff.Insert)
			if err != nil {
				return err
			}
			s.dispatchLocal(update)
		}
	}
	return nil
}

// dispatchLocal broadcasts a freshly applied local delta, or queues it when
// the relay is unreachable.
func (s *Session) dispatchLocal(update crdt.Update) {
	if update.IsEmpty() {
		return
	}
	s.markDirty()
	if s.State() != StateConnected {
		s.queuePending(update)
		return
	}
	if err := s.publishUpdate(s.ctx, update); err != nil {
		s.logError(opPublish, "publish_failed", err)
		s.queuePending(update)
		s.detach()
		s.scheduleReconnect()
	}
}

func (s *Session) handleRelayEvent(event relay.Event) {
	switch event.Name {
	case relay.EventUpdate:
		if event.ClientID == s.clientID {
			return
		}
		if err := s.doc.ApplyUpdate(event.Payload, crdt.OriginRemote); err != nil {
			s.logError(opMerge, "malformed_update", err,
				zap.String("from_client", event.ClientID))
			return
		}
		s.markDirty()
	case relay.EventPresence:
		change, err := presence.DecodeEvent(event.Payload)
		if err != nil {
			s.logError(opMerge, "malformed_presence", err,
				zap.String("from_client", event.ClientID))
			return
		}
		switch change.Action {
		case presence.ActionJoin:
			_, newcomer := s.peers.Join(s.documentID.String(), event.ClientID, change.UserID, change.Username)
			// Introduce ourselves to newcomers: they subscribed after our
			// join announcement, so without this their roster would never
			// learn about us. Known peers ignore the repeat.
			if newcomer && event.ClientID != s.clientID {
				s.announceJoin(s.ctx)
			}
		case presence.ActionLeave:
			s.peers.Leave(s.documentID.String(), event.ClientID)
		}
	}
}

func (s *Session) handleCommand(cmd command) bool {
	switch cmd.kind {
	case cmdOffline:
		cmd.reply <- s.handleOffline(cmd.ctx)
	case cmdOnline:
		cmd.reply <- s.reattach(cmd.ctx)
	case cmdFlush:
		cmd.reply <- s.persistNow(cmd.ctx)
	case cmdClose:
		s.handleClose(cmd)
		return true
	}
	return false
}

func (s *Session) handleOffline(ctx context.Context) error {
	s.stopReconnect()
	if s.State() != StateConnected {
		return nil
	}
	s.announceLeave(ctx)
	s.detach()
	return nil
}

// detach drops the relay subscription and the peer roster, which cannot be
// trusted without a live feed.
func (s *Session) detach() {
	s.dropSubscription()
	s.peers.Reset(s.documentID.String())
	if s.username != "" {
		s.peers.Join(s.documentID.String(), s.clientID, s.userID, s.username)
	}
	s.setState(StateOffline)
}

// reattach re-subscribes, catches up from the persisted snapshot, replays
// queued local edits, and announces presence again. Subscribing happens
// first: everything published after this point arrives live, and the
// snapshot merge covers the offline window.
func (s *Session) reattach(ctx context.Context) error {
	if s.State() != StateOffline {
		return nil
	}
	s.setState(StateReconnecting)

	cancelSub, err := s.relay.Subscribe(s.ctx, s.channel, s.onRelayEvent)
	if err != nil {
		s.logError(opReconnect, "subscribe_failed", err)
		s.setState(StateOffline)
		return err
	}
	s.cancelSub = cancelSub

	state, err := s.store.LoadState(ctx, s.documentID)
	if err != nil {
		s.logError(opReconnect, "load_state_failed", err)
		s.dropSubscription()
		s.setState(StateOffline)
		return err
	}
	if state.HasSnapshot {
		if err := s.doc.ApplyUpdate(state.Snapshot, crdt.OriginRemote); err != nil {
			s.logError(opReconnect, "snapshot_corrupt", err)
		} else {
			s.markDirty()
		}
	}

	if !s.pending.IsEmpty() {
		if err := s.publishUpdate(ctx, s.pending); err != nil {
			s.logError(opReconnect, "replay_failed", err)
			s.dropSubscription()
			s.setState(StateOffline)
			return err
		}
		s.pending = crdt.Update{}
	}

	s.announceJoin(ctx)
	s.setState(StateConnected)
	s.stopReconnect()
	return nil
}

func (s *Session) dropSubscription() {
	s.cancelSub()
	s.cancelSub = func() {}
}

// tryReconnect is the automatic counterpart of SetOnline, driven by a
// backoff timer after a failed publish.
func (s *Session) tryReconnect() {
	if s.State() != StateOffline {
		s.reconnectDelay = 0
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, persistTimeout)
	defer cancel()
	if err := s.reattach(ctx); err != nil {
		s.scheduleReconnect()
	}
}

func (s *Session) scheduleReconnect() {
	if s.reconnectC != nil {
		return
	}
	if s.reconnectDelay == 0 {
		s.reconnectDelay = s.retryBase
	} else {
		s.reconnectDelay *= 2
		if s.reconnectDelay > s.retryCap {
			s.reconnectDelay = s.retryCap
		}
	}
	s.reconnectTimer = time.NewTimer(s.reconnectDelay)
	s.reconnectC = s.reconnectTimer.C
}

func (s *Session) stopReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectC = nil
	s.reconnectDelay = 0
}

func (s *Session) handleClose(cmd command) {
	close(s.closed)
	s.drainMailboxes()

	flushErr := s.persistNow(cmd.ctx)
	s.announceLeave(cmd.ctx)
	s.cancelSub()
	s.stopTimers()
	s.setState(StateClosed)
	cmd.reply <- flushErr
}

// drainMailboxes empties the channels so blocked callers get answers and
// late edits still land in the final snapshot.
func (s *Session) drainMailboxes() {
	for {
		select {
		case request := <-s.edits:
			request.reply <- s.handleEdit(request)
		case event := <-s.events:
			if event.Name == relay.EventUpdate && event.ClientID != s.clientID {
				if err := s.doc.ApplyUpdate(event.Payload, crdt.OriginRemote); err == nil {
					s.markDirty()
				}
			}
		case cmd := <-s.commands:
			if cmd.kind == cmdClose {
				cmd.reply <- nil
			} else {
				cmd.reply <- ErrSessionClosed
			}
		default:
			return
		}
	}
}

func (s *Session) stopTimers() {
	if s.mirrorTimer != nil {
		s.mirrorTimer.Stop()
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
}

func (s *Session) queuePending(update crdt.Update) {
	s.pending.Inserts = append(s.pending.Inserts, update.Inserts...)
	s.pending.Deletes = append(s.pending.Deletes, update.Deletes...)
}

func (s *Session) markDirty() {
	s.textDirty = true
	s.stateDirty = true
	s.scheduleMirror()
}

func (s *Session) scheduleMirror() {
	if s.mirrorTimer != nil {
		s.mirrorTimer.Stop()
	}
	s.mirrorTimer = time.NewTimer(s.mirrorDebounce)
	s.mirrorC = s.mirrorTimer.C
}

// flushMirror renders the text on the loop and writes it on a worker
// goroutine, so incoming updates keep merging while the store call is in
// flight. At most one mirror write runs at a time, which keeps writes from
// one session in order.
func (s *Session) flushMirror() {
	if !s.textDirty || s.mirrorBusy {
		return
	}
	s.startMirrorWrite()
}

func (s *Session) flushSnapshot() {
	if !s.stateDirty || s.snapshotBusy {
		return
	}
	s.startSnapshotWrite()
}

func (s *Session) startMirrorWrite() {
	s.textDirty = false
	s.mirrorBusy = true
	text := s.doc.Text()
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, persistTimeout)
		defer cancel()
		s.persistC <- persistResult{kind: persistMirror, err: s.store.SaveMirror(ctx, s.documentID, text)}
	}()
}

func (s *Session) startSnapshotWrite() {
	s.stateDirty = false
	s.snapshotBusy = true
	state := s.doc.EncodeState()
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, persistTimeout)
		defer cancel()
		s.persistC <- persistResult{kind: persistSnapshot, err: s.store.SaveSnapshot(ctx, s.documentID, state)}
	}()
}

func (s *Session) handlePersistResult(result persistResult) {
	switch result.kind {
	case persistMirror:
		s.mirrorBusy = false
		if result.err != nil {
			s.textDirty = true
			s.logError(opMirror, "save_failed", result.err)
			s.scheduleRetry()
			return
		}
		// Edits that landed during the write may have burned their debounce
		// window while the worker was busy; open a fresh one.
		if s.textDirty && s.mirrorC == nil {
			s.scheduleMirror()
		}
	case persistSnapshot:
		s.snapshotBusy = false
		if result.err != nil {
			s.stateDirty = true
			s.logError(opSnapshot, "save_failed", result.err)
			s.scheduleRetry()
			return
		}
	}
	if !s.textDirty && !s.stateDirty {
		s.retryDelay = 0
	}
}

func (s *Session) scheduleRetry() {
	if s.retryC != nil {
		return
	}
	if s.retryDelay == 0 {
		s.retryDelay = s.retryBase
	} else {
		s.retryDelay *= 2
		if s.retryDelay > s.retryCap {
			s.retryDelay = s.retryCap
		}
	}
	s.retryTimer = time.NewTimer(s.retryDelay)
	s.retryC = s.retryTimer.C
}

func (s *Session) retryPersist() {
	s.flushMirror()
	s.flushSnapshot()
}

// persistNow writes both artifacts immediately, regardless of debounce
// timers. In-flight background writes drain first so an older payload can
// never land after the one written here. Remote updates received while
// waiting are still merged eagerly; they simply miss this flush and ride
// the next one.
func (s *Session) persistNow(ctx context.Context) error {
	for s.mirrorBusy || s.snapshotBusy {
		select {
		case result := <-s.persistC:
			s.handlePersistResult(result)
		case event := <-s.events:
			s.handleRelayEvent(event)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.textDirty {
		s.startMirrorWrite()
	}
	if s.stateDirty {
		s.startSnapshotWrite()
	}
	var firstErr error
	for s.mirrorBusy || s.snapshotBusy {
		select {
		case result := <-s.persistC:
			if result.err != nil && firstErr == nil {
				firstErr = result.err
			}
			s.handlePersistResult(result)
		case event := <-s.events:
			s.handleRelayEvent(event)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

func (s *Session) publishUpdate(ctx context.Context, update crdt.Update) error {
	return s.relay.Publish(ctx, s.channel, relay.Event{
		Name:     relay.EventUpdate,
		ClientID: s.clientID,
		Payload:  crdt.EncodeUpdate(update),
	})
}

func (s *Session) announceJoin(ctx context.Context) {
	s.announcePresence(ctx, presence.Event{
		Action:   presence.ActionJoin,
		UserID:   s.userID,
		Username: s.username,
	})
}

func (s *Session) announceLeave(ctx context.Context) {
	s.announcePresence(ctx, presence.Event{
		Action:   presence.ActionLeave,
		UserID:   s.userID,
		Username: s.username,
	})
}

func (s *Session) announcePresence(ctx context.Context, event presence.Event) {
	if s.username == "" {
		return
	}
	payload, err := presence.EncodeEvent(event)
	if err != nil {
		s.logError(opPublish, "encode_presence_failed", err)
		return
	}
	err = s.relay.Publish(ctx, s.channel, relay.Event{
		Name:     relay.EventPresence,
		ClientID: s.clientID,
		Payload:  payload,
	})
	if err != nil {
		s.logError(opPublish, "publish_presence_failed", err)
	}
}

func (s *Session) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("document_id", s.documentID.String()),
		zap.String("client_id", s.clientID),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("session error", attrs...)
}
