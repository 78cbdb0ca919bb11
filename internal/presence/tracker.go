// Package presence tracks who currently has a document open. State is
// ephemeral: it lives in process memory and empties when sessions close,
// nothing is persisted.
package presence

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Action enumerates presence transitions.
type Action string

const (
	// ActionJoin announces a participant opening the document.
	ActionJoin Action = "join"
	// ActionLeave announces a participant closing the document.
	ActionLeave Action = "leave"
)

// Event is the wire payload broadcast on a document channel when presence
// changes.
type Event struct {
	Action   Action `json:"action"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// EncodeEvent serializes a presence event for the relay.
func EncodeEvent(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode presence event: %w", err)
	}
	return payload, nil
}

// DecodeEvent parses a relay payload back into a presence event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("decode presence event: %w", err)
	}
	if event.Action != ActionJoin && event.Action != ActionLeave {
		return Event{}, fmt.Errorf("decode presence event: unknown action %q", event.Action)
	}
	return event, nil
}

// Entry is one participant in one document. Participants are keyed by
// client id, so two tabs of the same user are two entries.
type Entry struct {
	ClientID string
	UserID   string
	Username string
	JoinedAt time.Time

	sequence int64
}

// Tracker holds per-document participant sets.
type Tracker struct {
	mu           sync.RWMutex
	rooms        map[string]map[string]Entry
	clock        func() time.Time
	nextSequence int64
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rooms: make(map[string]map[string]Entry),
		clock: time.Now,
	}
}

// Join records the participant and returns the event to broadcast. Joining
// again with the same client id refreshes the entry without a second
// broadcastable transition, signalled by the returned flag.
func (t *Tracker) Join(documentID, clientID, userID, username string) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[documentID]
	if !ok {
		room = make(map[string]Entry)
		t.rooms[documentID] = room
	}
	_, rejoining := room[clientID]
	t.nextSequence++
	room[clientID] = Entry{
		ClientID: clientID,
		UserID:   userID,
		Username: username,
		JoinedAt: t.clock().UTC(),
		sequence: t.nextSequence,
	}
	return Event{Action: ActionJoin, UserID: userID, Username: username}, !rejoining
}

// Leave removes the participant and returns the event to broadcast. The
// flag is false when the client was not present, in which case nothing
// should be broadcast.
func (t *Tracker) Leave(documentID, clientID string) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[documentID]
	if !ok {
		return Event{}, false
	}
	entry, ok := room[clientID]
	if !ok {
		return Event{}, false
	}
	delete(room, clientID)
	if len(room) == 0 {
		delete(t.rooms, documentID)
	}
	return Event{Action: ActionLeave, UserID: entry.UserID, Username: entry.Username}, true
}

// Entries lists the document's participants in join order.
func (t *Tracker) Entries(documentID string) []Entry {
	t.mu.RLock()
	room := t.rooms[documentID]
	entries := make([]Entry, 0, len(room))
	for _, entry := range room {
		entries = append(entries, entry)
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].sequence < entries[j].sequence
	})
	return entries
}

// Count returns how many participants have the document open.
func (t *Tracker) Count(documentID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[documentID])
}

// Reset drops every participant of the document. Sessions call this when
// their transport falls away and the roster can no longer be trusted.
func (t *Tracker) Reset(documentID string) {
	t.mu.Lock()
	delete(t.rooms, documentID)
	t.mu.Unlock()
}
