package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cowritelabs/cowrite/internal/documents"
	"github.com/cowritelabs/cowrite/internal/relay"
	"github.com/cowritelabs/cowrite/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	hubClientPrefix    = "hub-"
	defaultHubIdleTTL  = 10 * time.Minute
	defaultSweepEvery  = time.Minute
	hubFarewellTimeout = 5 * time.Second
)

var (
	errMissingHubStore = errors.New("hub manager: store required")
	errMissingHubRelay = errors.New("hub manager: relay required")
)

// HubManagerConfig wires the per-document server replicas.
type HubManagerConfig struct {
	Store  session.Store
	Relay  relay.Relay
	Logger *zap.Logger

	MirrorDebounce time.Duration
	SnapshotEvery  time.Duration

	// IdleTTL bounds how long an untouched hub with an empty roster stays
	// open. SweepInterval is how often idle hubs are collected.
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// hubEntry tracks one document's hub through its open/serving/closing life.
// All fields are guarded by the manager mutex except the channels, which are
// written once.
type hubEntry struct {
	session   *session.Session
	openErr   error
	ready     chan struct{}
	closing   bool
	done      chan struct{}
	lastTouch time.Time
}

// HubManager lazily opens one silent session per document. The hub session
// merges every update published on the document channel and drives snapshot
// and mirror persistence, which keeps the HTTP transports stateless.
type HubManager struct {
	store  session.Store
	relay  relay.Relay
	logger *zap.Logger

	mirrorDebounce time.Duration
	snapshotEvery  time.Duration
	idleTTL        time.Duration
	sweepInterval  time.Duration

	mu   sync.Mutex
	hubs map[documents.DocumentID]*hubEntry

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHubManager validates the configuration and starts the idle sweeper.
func NewHubManager(cfg HubManagerConfig) (*HubManager, error) {
	if cfg.Store == nil {
		return nil, errMissingHubStore
	}
	if cfg.Relay == nil {
		return nil, errMissingHubRelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultHubIdleTTL
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepEvery
	}

	manager := &HubManager{
		store:          cfg.Store,
		relay:          cfg.Relay,
		logger:         logger,
		mirrorDebounce: cfg.MirrorDebounce,
		snapshotEvery:  cfg.SnapshotEvery,
		idleTTL:        idleTTL,
		sweepInterval:  sweepInterval,
		hubs:           make(map[documents.DocumentID]*hubEntry),
		stop:           make(chan struct{}),
	}
	go manager.sweepLoop()
	return manager, nil
}

// acquire returns the live hub for the document, opening one when none
// exists. Concurrent calls for the same document share a single open.
func (m *HubManager) acquire(ctx context.Context, documentID documents.DocumentID) (*session.Session, error) {
	for {
		m.mu.Lock()
		entry, ok := m.hubs[documentID]
		if !ok {
			entry = &hubEntry{
				ready:     make(chan struct{}),
				done:      make(chan struct{}),
				lastTouch: time.Now(),
			}
			m.hubs[documentID] = entry
			m.mu.Unlock()
			return m.open(ctx, documentID, entry)
		}
		if entry.closing {
			done := entry.done
			m.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		ready := entry.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		m.mu.Lock()
		if m.hubs[documentID] != entry || entry.closing {
			m.mu.Unlock()
			if entry.openErr != nil {
				return nil, entry.openErr
			}
			continue
		}
		entry.lastTouch = time.Now()
		hub := entry.session
		m.mu.Unlock()
		return hub, nil
	}
}

func (m *HubManager) open(ctx context.Context, documentID documents.DocumentID, entry *hubEntry) (*session.Session, error) {
	hub, err := session.Open(ctx, session.Config{
		DocumentID:     documentID,
		ClientID:       hubClientPrefix + uuid.NewString(),
		Store:          m.store,
		Relay:          m.relay,
		Logger:         m.logger,
		MirrorDebounce: m.mirrorDebounce,
		SnapshotEvery:  m.snapshotEvery,
	})

	m.mu.Lock()
	if err != nil {
		entry.openErr = err
		delete(m.hubs, documentID)
	} else {
		entry.session = hub
	}
	close(entry.ready)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	m.logger.Info("document hub opened",
		zap.String("document_id", documentID.String()),
		zap.String("client_id", hub.ClientID()))
	return hub, nil
}

// drop closes the document's hub and waits for its final flush. Used when
// the document itself is being deleted.
func (m *HubManager) drop(ctx context.Context, documentID documents.DocumentID) {
	for {
		m.mu.Lock()
		entry, ok := m.hubs[documentID]
		if !ok {
			m.mu.Unlock()
			return
		}
		if entry.closing {
			done := entry.done
			m.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return
		}
		if entry.session == nil {
			ready := entry.ready
			m.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return
			}
			continue
		}
		entry.closing = true
		m.mu.Unlock()
		m.closeEntry(ctx, documentID, entry)
		return
	}
}

// closeEntry closes the hub session and removes the entry. The caller must
// have marked the entry as closing.
func (m *HubManager) closeEntry(ctx context.Context, documentID documents.DocumentID, entry *hubEntry) {
	if err := entry.session.Close(ctx); err != nil {
		m.logger.Warn("document hub close failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
	}
	m.mu.Lock()
	if m.hubs[documentID] == entry {
		delete(m.hubs, documentID)
	}
	close(entry.done)
	m.mu.Unlock()
}

func (m *HubManager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stop:
			return
		}
	}
}

// sweep closes hubs whose roster is empty and which nothing has touched for
// the idle TTL. Their final flush persists whatever the hub merged.
func (m *HubManager) sweep(now time.Time) {
	type victim struct {
		id    documents.DocumentID
		entry *hubEntry
	}
	var victims []victim

	m.mu.Lock()
	for id, entry := range m.hubs {
		if entry.closing || entry.session == nil {
			continue
		}
		if now.Sub(entry.lastTouch) < m.idleTTL {
			continue
		}
		if len(entry.session.Peers()) > 0 {
			continue
		}
		entry.closing = true
		victims = append(victims, victim{id: id, entry: entry})
	}
	m.mu.Unlock()

	for _, v := range victims {
		ctx, cancel := context.WithTimeout(context.Background(), hubFarewellTimeout)
		m.closeEntry(ctx, v.id, v.entry)
		cancel()
		m.logger.Info("idle document hub closed", zap.String("document_id", v.id.String()))
	}
}

// CloseAll stops the sweeper and closes every hub, flushing their state.
// Called on server shutdown after the HTTP listener has drained.
func (m *HubManager) CloseAll(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })

	type victim struct {
		id    documents.DocumentID
		entry *hubEntry
	}
	var victims []victim

	m.mu.Lock()
	for id, entry := range m.hubs {
		if entry.closing || entry.session == nil {
			continue
		}
		entry.closing = true
		victims = append(victims, victim{id: id, entry: entry})
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, v := range victims {
		wg.Add(1)
		go func(v victim) {
			defer wg.Done()
			m.closeEntry(ctx, v.id, v.entry)
		}(v)
	}
	wg.Wait()
}
