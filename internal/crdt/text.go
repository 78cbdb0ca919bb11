package crdt

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"unicode/utf8"
)

var (
	// ErrIndexOutOfRange indicates an insert or delete position outside the visible text.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	// ErrInvalidText indicates text that cannot be represented as a rune sequence.
	ErrInvalidText = errors.New("crdt: invalid text")
)

// ID identifies a single character across all replicas. Counter values are
// Lamport timestamps: monotonically increasing per replica and advanced past
// every counter observed in merged updates. The zero ID is the document head
// sentinel and never identifies a character.
type ID struct {
	Replica uint64
	Counter uint64
}

// IsZero reports whether the ID is the head sentinel.
func (id ID) IsZero() bool {
	return id.Replica == 0 && id.Counter == 0
}

// String renders the ID for logs and test failures.
func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Replica, id.Counter)
}

// Insert is one atomic character insertion. Origin is the ID of the visible
// left neighbor at the moment of insertion (the sentinel for head inserts).
type Insert struct {
	ID     ID
	Origin ID
	Rune   rune
}

// Update is a causal delta: a set of insertions plus a set of tombstoned IDs.
// A full snapshot is an Update carrying every character a replica knows.
// Merging an Update is set union, which makes application commutative,
// associative, and idempotent.
type Update struct {
	Inserts []Insert
	Deletes []ID
}

// IsEmpty reports whether the update carries no operations.
func (u Update) IsEmpty() bool {
	return len(u.Inserts) == 0 && len(u.Deletes) == 0
}

// Origin tags the source of a visible-text change so observers can tell
// local mutations (already reflected in the editor) from remote ones
// (still needing a repaint).
type Origin uint8

const (
	// OriginLocal marks a change produced by this replica's own Insert/Delete.
	OriginLocal Origin = iota
	// OriginRemote marks a change merged from another replica.
	OriginRemote
)

// String renders the origin tag.
func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Change describes one visible-text transition delivered to observers.
type Change struct {
	Origin Origin
	Text   string
}

type node struct {
	id      ID
	origin  ID
	ch      rune
	deleted bool
}

// Doc is one replica of the shared text. All exported methods are safe for
// concurrent use; observer callbacks run synchronously with the document
// locked and must not call back into mutating methods.
type Doc struct {
	mu             sync.Mutex
	replica        uint64
	clock          uint64
	nodes          map[ID]*node
	children       map[ID][]ID
	pendingInserts map[ID][]Insert
	pendingDeletes map[ID]struct{}
	observers      map[int]func(Change)
	nextObserver   int
}

// New constructs an empty replica. A zero replica id is reserved for the
// sentinel and is remapped to 1.
func New(replica uint64) *Doc {
	if replica == 0 {
		replica = 1
	}
	return &Doc{
		replica:        replica,
		nodes:          make(map[ID]*node),
		children:       make(map[ID][]ID),
		pendingInserts: make(map[ID][]Insert),
		pendingDeletes: make(map[ID]struct{}),
		observers:      make(map[int]func(Change)),
	}
}

// DeriveReplicaID maps an arbitrary client identifier (typically a UUID
// string) onto a nonzero replica id.
func DeriveReplicaID(clientID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(clientID))
	value := h.Sum64()
	if value == 0 {
		return 1
	}
	return value
}

// SeedReplicaID derives the deterministic replica id used when seeding a
// document from its plain-text mirror. Every session seeding the same
// document computes the same id, so concurrent first-opens produce identical
// character IDs and the merge dedupes them.
func SeedReplicaID(documentID string) uint64 {
	return DeriveReplicaID("seed:" + documentID)
}

// ReplicaID returns this replica's id.
func (d *Doc) ReplicaID() uint64 {
	return d.replica
}

// siblingBefore reports whether a precedes b among children of the same
// origin: descending Lamport counter, replica id breaking exact ties. The
// rule is a pure function of the two IDs, so every replica orders concurrent
// inserts at the same position identically.
func siblingBefore(a, b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Replica > b.Replica
}

// Insert splices text at a visible rune index and returns the delta to
// broadcast. The index must lie in [0, Len()].
func (d *Doc) Insert(index int, text string) (Update, error) {
	if !utf8.ValidString(text) {
		return Update{}, fmt.Errorf("%w: not valid UTF-8", ErrInvalidText)
	}
	runes := []rune(text)

	d.mu.Lock()
	if index < 0 || index > d.visibleLenLocked() {
		d.mu.Unlock()
		return Update{}, fmt.Errorf("%w: insert at %d", ErrIndexOutOfRange, index)
	}
	if len(runes) == 0 {
		d.mu.Unlock()
		return Update{}, nil
	}

	origin := d.originForIndexLocked(index)
	inserts := make([]Insert, 0, len(runes))
	for _, r := range runes {
		d.clock++
		record := Insert{
			ID:     ID{Replica: d.replica, Counter: d.clock},
			Origin: origin,
			Rune:   r,
		}
		d.integrateLocked(record)
		inserts = append(inserts, record)
		origin = record.ID
	}
	rendered := d.renderLocked()
	observers := d.observerListLocked()
	defer d.mu.Unlock()
	notify(observers, Change{Origin: OriginLocal, Text: rendered})
	return Update{Inserts: inserts}, nil
}

// Delete tombstones length visible runes starting at index and returns the
// delta to broadcast. Characters stay addressable so concurrent inserts
// inside the range survive the merge.
func (d *Doc) Delete(index, length int) (Update, error) {
	if length < 0 {
		return Update{}, fmt.Errorf("%w: negative length %d", ErrIndexOutOfRange, length)
	}

	d.mu.Lock()
	visible := d.visibleLenLocked()
	if index < 0 || index+length > visible {
		d.mu.Unlock()
		return Update{}, fmt.Errorf("%w: delete [%d,%d) of %d", ErrIndexOutOfRange, index, index+length, visible)
	}
	if length == 0 {
		d.mu.Unlock()
		return Update{}, nil
	}

	deletes := make([]ID, 0, length)
	position := 0
	d.walkLocked(func(n *node) bool {
		if n.deleted {
			return true
		}
		if position >= index && position < index+length {
			n.deleted = true
			deletes = append(deletes, n.id)
		}
		position++
		return position < index+length
	})
	rendered := d.renderLocked()
	observers := d.observerListLocked()
	defer d.mu.Unlock()
	notify(observers, Change{Origin: OriginLocal, Text: rendered})
	return Update{Deletes: deletes}, nil
}

// Merge applies a delta produced by any replica. Inserts referencing an
// unseen origin and deletes for unseen IDs are parked until the missing
// characters arrive, so updates may be delivered in any order, any number
// of times.
func (d *Doc) Merge(update Update, origin Origin) {
	if update.IsEmpty() {
		return
	}
	d.mu.Lock()
	before := d.renderLocked()
	d.mergeLocked(update)
	after := d.renderLocked()
	if after == before {
		d.mu.Unlock()
		return
	}
	observers := d.observerListLocked()
	defer d.mu.Unlock()
	notify(observers, Change{Origin: origin, Text: after})
}

// Seed populates an empty replica from plain mirror text using the
// deterministic seed replica id, so concurrent seeders of the same text
// converge without duplication.
func (d *Doc) Seed(seedReplica uint64, text string) {
	if seedReplica == 0 {
		seedReplica = 1
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return
	}
	update := Update{Inserts: make([]Insert, 0, len(runes))}
	origin := ID{}
	for position, r := range runes {
		id := ID{Replica: seedReplica, Counter: uint64(position) + 1}
		update.Inserts = append(update.Inserts, Insert{ID: id, Origin: origin, Rune: r})
		origin = id
	}
	d.Merge(update, OriginLocal)
}

// Text renders the visible sequence in the deterministic document order.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renderLocked()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLenLocked()
}

// Snapshot returns a self-contained Update carrying every character this
// replica knows, tombstones included, in document order so a fresh replica
// integrates it without parking anything. Parked records are carried too:
// a snapshot never forgets operations the replica has observed.
func (d *Doc) Snapshot() Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	update := Update{
		Inserts: make([]Insert, 0, len(d.nodes)),
		Deletes: make([]ID, 0, len(d.pendingDeletes)),
	}
	d.walkLocked(func(n *node) bool {
		update.Inserts = append(update.Inserts, Insert{ID: n.id, Origin: n.origin, Rune: n.ch})
		if n.deleted {
			update.Deletes = append(update.Deletes, n.id)
		}
		return true
	})
	for _, parked := range d.pendingInserts {
		update.Inserts = append(update.Inserts, parked...)
	}
	for id := range d.pendingDeletes {
		update.Deletes = append(update.Deletes, id)
	}
	return update
}

// EncodeState serializes the full snapshot for persistence or bootstrap.
func (d *Doc) EncodeState() []byte {
	return EncodeUpdate(d.Snapshot())
}

// ApplyUpdate decodes and merges an encoded delta. Decoding is
// all-or-nothing: malformed bytes return an error wrapping ErrDecode and
// leave the replica untouched.
func (d *Doc) ApplyUpdate(data []byte, origin Origin) error {
	update, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	d.Merge(update, origin)
	return nil
}

// Subscribe registers a synchronous observer of visible-text changes and
// returns its cancel function.
func (d *Doc) Subscribe(fn func(Change)) func() {
	d.mu.Lock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *Doc) mergeLocked(update Update) {
	work := make([]Insert, len(update.Inserts))
	copy(work, update.Inserts)

	for len(work) > 0 {
		record := work[0]
		work = work[1:]
		if record.ID.IsZero() {
			continue
		}
		if d.clock < record.ID.Counter {
			d.clock = record.ID.Counter
		}
		if existing, ok := d.nodes[record.ID]; ok {
			// Seed collision guard: same ID, different rune. The larger
			// rune wins on every replica.
			if record.Rune > existing.ch {
				existing.ch = record.Rune
			}
			continue
		}
		if !record.Origin.IsZero() {
			if _, ok := d.nodes[record.Origin]; !ok {
				d.pendingInserts[record.Origin] = append(d.pendingInserts[record.Origin], record)
				continue
			}
		}
		d.integrateLocked(record)
		if waiting, ok := d.pendingInserts[record.ID]; ok {
			delete(d.pendingInserts, record.ID)
			work = append(work, waiting...)
		}
		if _, ok := d.pendingDeletes[record.ID]; ok {
			delete(d.pendingDeletes, record.ID)
			d.nodes[record.ID].deleted = true
		}
	}

	for _, id := range update.Deletes {
		if n, ok := d.nodes[id]; ok {
			n.deleted = true
			continue
		}
		d.pendingDeletes[id] = struct{}{}
	}
}

// integrateLocked links a character under its origin, keeping siblings in
// descending (Counter, Replica) order. The rendered document is the
// pre-order traversal of this tree, a pure function of the character set.
func (d *Doc) integrateLocked(record Insert) {
	n := &node{id: record.ID, origin: record.Origin, ch: record.Rune}
	d.nodes[record.ID] = n

	siblings := d.children[record.Origin]
	position := len(siblings)
	for i, sibling := range siblings {
		if siblingBefore(record.ID, sibling) {
			position = i
			break
		}
	}
	siblings = append(siblings, ID{})
	copy(siblings[position+1:], siblings[position:])
	siblings[position] = record.ID
	d.children[record.Origin] = siblings
}

// walkLocked visits every node in document order until fn returns false.
func (d *Doc) walkLocked(fn func(*node) bool) {
	stack := make([]ID, 0, len(d.children[ID{}]))
	appendReversed := func(ids []ID) {
		for i := len(ids) - 1; i >= 0; i-- {
			stack = append(stack, ids[i])
		}
	}
	appendReversed(d.children[ID{}])
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := d.nodes[id]
		if !fn(n) {
			return
		}
		appendReversed(d.children[id])
	}
}

func (d *Doc) renderLocked() string {
	runes := make([]rune, 0, len(d.nodes))
	d.walkLocked(func(n *node) bool {
		if !n.deleted {
			runes = append(runes, n.ch)
		}
		return true
	})
	return string(runes)
}

func (d *Doc) visibleLenLocked() int {
	count := 0
	d.walkLocked(func(n *node) bool {
		if !n.deleted {
			count++
		}
		return true
	})
	return count
}

// originForIndexLocked resolves the ID of the visible rune left of index,
// or the sentinel for a head insert.
func (d *Doc) originForIndexLocked(index int) ID {
	if index == 0 {
		return ID{}
	}
	var origin ID
	position := 0
	d.walkLocked(func(n *node) bool {
		if n.deleted {
			return true
		}
		position++
		if position == index {
			origin = n.id
			return false
		}
		return true
	})
	return origin
}

func (d *Doc) observerListLocked() []func(Change) {
	if len(d.observers) == 0 {
		return nil
	}
	list := make([]func(Change), 0, len(d.observers))
	for _, fn := range d.observers {
		list = append(list, fn)
	}
	return list
}

func notify(observers []func(Change), change Change) {
	for _, fn := range observers {
		fn(change)
	}
}
