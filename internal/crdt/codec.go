package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Wire format, all integers unsigned varints:
//
//	magic 0xD0, version 0x01
//	insert count, then per insert: replica, counter, origin replica, origin counter, code point
//	delete count, then per delete: replica, counter
//
// Decoding is strict: truncated input, trailing bytes, sentinel character
// IDs, and invalid code points all fail, and nothing decoded so far is
// exposed.

const (
	codecMagic   byte = 0xD0
	codecVersion byte = 0x01

	// maxPrealloc caps slice preallocation from attacker-controlled counts.
	// Real counts larger than this still decode, they just grow as records
	// actually arrive.
	maxPrealloc = 1 << 16
)

// ErrDecode is the sentinel wrapped by every decoding failure.
var ErrDecode = errors.New("crdt: malformed update")

// EncodeUpdate serializes a delta or snapshot.
func EncodeUpdate(update Update) []byte {
	size := 2 + 2*binary.MaxVarintLen64
	size += len(update.Inserts) * 5 * binary.MaxVarintLen64
	size += len(update.Deletes) * 2 * binary.MaxVarintLen64
	buf := make([]byte, 0, size)

	buf = append(buf, codecMagic, codecVersion)
	buf = binary.AppendUvarint(buf, uint64(len(update.Inserts)))
	for _, record := range update.Inserts {
		buf = binary.AppendUvarint(buf, record.ID.Replica)
		buf = binary.AppendUvarint(buf, record.ID.Counter)
		buf = binary.AppendUvarint(buf, record.Origin.Replica)
		buf = binary.AppendUvarint(buf, record.Origin.Counter)
		buf = binary.AppendUvarint(buf, uint64(record.Rune))
	}
	buf = binary.AppendUvarint(buf, uint64(len(update.Deletes)))
	for _, id := range update.Deletes {
		buf = binary.AppendUvarint(buf, id.Replica)
		buf = binary.AppendUvarint(buf, id.Counter)
	}
	return buf
}

// DecodeUpdate parses an encoded delta or snapshot. Any failure returns an
// error wrapping ErrDecode and no partial update.
func DecodeUpdate(data []byte) (Update, error) {
	if len(data) < 2 {
		return Update{}, fmt.Errorf("%w: %d bytes", ErrDecode, len(data))
	}
	if data[0] != codecMagic {
		return Update{}, fmt.Errorf("%w: bad magic 0x%02X", ErrDecode, data[0])
	}
	if data[1] != codecVersion {
		return Update{}, fmt.Errorf("%w: unsupported version %d", ErrDecode, data[1])
	}
	r := reader{data: data, offset: 2}

	insertCount, err := r.uvarint("insert count")
	if err != nil {
		return Update{}, err
	}
	update := Update{Inserts: make([]Insert, 0, prealloc(insertCount))}
	for i := uint64(0); i < insertCount; i++ {
		id, err := r.id("insert id")
		if err != nil {
			return Update{}, err
		}
		if id.IsZero() {
			return Update{}, fmt.Errorf("%w: insert with sentinel id", ErrDecode)
		}
		origin, err := r.id("insert origin")
		if err != nil {
			return Update{}, err
		}
		point, err := r.uvarint("code point")
		if err != nil {
			return Update{}, err
		}
		if point > utf8.MaxRune || (point >= 0xD800 && point <= 0xDFFF) {
			return Update{}, fmt.Errorf("%w: code point %#x", ErrDecode, point)
		}
		update.Inserts = append(update.Inserts, Insert{ID: id, Origin: origin, Rune: rune(point)})
	}

	deleteCount, err := r.uvarint("delete count")
	if err != nil {
		return Update{}, err
	}
	update.Deletes = make([]ID, 0, prealloc(deleteCount))
	for i := uint64(0); i < deleteCount; i++ {
		id, err := r.id("delete id")
		if err != nil {
			return Update{}, err
		}
		if id.IsZero() {
			return Update{}, fmt.Errorf("%w: delete with sentinel id", ErrDecode)
		}
		update.Deletes = append(update.Deletes, id)
	}

	if r.offset != len(r.data) {
		return Update{}, fmt.Errorf("%w: %d trailing bytes", ErrDecode, len(r.data)-r.offset)
	}
	return update, nil
}

func prealloc(count uint64) int {
	if count > maxPrealloc {
		return maxPrealloc
	}
	return int(count)
}

type reader struct {
	data   []byte
	offset int
}

func (r *reader) uvarint(field string) (uint64, error) {
	value, n := binary.Uvarint(r.data[r.offset:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: truncated %s", ErrDecode, field)
	}
	r.offset += n
	return value, nil
}

func (r *reader) id(field string) (ID, error) {
	replica, err := r.uvarint(field)
	if err != nil {
		return ID{}, err
	}
	counter, err := r.uvarint(field)
	if err != nil {
		return ID{}, err
	}
	return ID{Replica: replica, Counter: counter}, nil
}
