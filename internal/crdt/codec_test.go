package crdt

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	update := Update{
		Inserts: []Insert{
			{ID: ID{Replica: 2, Counter: 1}, Origin: ID{}, Rune: 'h'},
			{ID: ID{Replica: 2, Counter: 2}, Origin: ID{Replica: 2, Counter: 1}, Rune: 'é'},
			{ID: ID{Replica: 3, Counter: 9}, Origin: ID{Replica: 2, Counter: 2}, Rune: '🌍'},
		},
		Deletes: []ID{{Replica: 2, Counter: 1}, {Replica: 3, Counter: 9}},
	}

	decoded, err := DecodeUpdate(EncodeUpdate(update))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, update) {
		t.Fatalf("round trip changed update:\n got %+v\nwant %+v", decoded, update)
	}
}

func TestEncodeDecodeEmptyUpdate(t *testing.T) {
	decoded, err := DecodeUpdate(EncodeUpdate(Update{}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.IsEmpty() {
		t.Fatalf("expected empty update, got %+v", decoded)
	}
}

func TestEncodedStateRebuildsDocument(t *testing.T) {
	source := New(2)
	mustInsert(t, source, 0, "persistent text")
	mustDelete(t, source, 0, 11)

	replica := New(3)
	if err := replica.ApplyUpdate(source.EncodeState(), OriginRemote); err != nil {
		t.Fatalf("apply encoded state: %v", err)
	}
	requireText(t, replica, source.Text())
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	valid := EncodeUpdate(Update{
		Inserts: []Insert{{ID: ID{Replica: 2, Counter: 1}, Rune: 'a'}},
		Deletes: []ID{{Replica: 2, Counter: 1}},
	})

	sentinelInsert := []byte{codecMagic, codecVersion}
	sentinelInsert = binary.AppendUvarint(sentinelInsert, 1)
	sentinelInsert = binary.AppendUvarint(sentinelInsert, 0) // replica
	sentinelInsert = binary.AppendUvarint(sentinelInsert, 0) // counter
	sentinelInsert = binary.AppendUvarint(sentinelInsert, 0)
	sentinelInsert = binary.AppendUvarint(sentinelInsert, 0)
	sentinelInsert = binary.AppendUvarint(sentinelInsert, 'a')
	sentinelInsert = binary.AppendUvarint(sentinelInsert, 0)

	surrogate := []byte{codecMagic, codecVersion}
	surrogate = binary.AppendUvarint(surrogate, 1)
	surrogate = binary.AppendUvarint(surrogate, 2)
	surrogate = binary.AppendUvarint(surrogate, 1)
	surrogate = binary.AppendUvarint(surrogate, 0)
	surrogate = binary.AppendUvarint(surrogate, 0)
	surrogate = binary.AppendUvarint(surrogate, 0xD800)
	surrogate = binary.AppendUvarint(surrogate, 0)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "magic only", data: []byte{codecMagic}},
		{name: "bad magic", data: append([]byte{0x00}, valid[1:]...)},
		{name: "bad version", data: append([]byte{codecMagic, 0x7F}, valid[2:]...)},
		{name: "truncated count", data: valid[:2]},
		{name: "truncated record", data: valid[:4]},
		{name: "trailing bytes", data: append(append([]byte{}, valid...), 0x01)},
		{name: "sentinel insert id", data: sentinelInsert},
		{name: "surrogate code point", data: surrogate},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := DecodeUpdate(testCase.data); !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestDecodeRejectsOversizedCodePoint(t *testing.T) {
	data := []byte{codecMagic, codecVersion}
	data = binary.AppendUvarint(data, 1)
	data = binary.AppendUvarint(data, 2)
	data = binary.AppendUvarint(data, 1)
	data = binary.AppendUvarint(data, 0)
	data = binary.AppendUvarint(data, 0)
	data = binary.AppendUvarint(data, 0x110000)
	data = binary.AppendUvarint(data, 0)

	if _, err := DecodeUpdate(data); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestDecodeCapsPreallocationFromHostileCounts(t *testing.T) {
	// A tiny payload claiming billions of records must fail on truncation
	// without attempting a matching allocation.
	data := []byte{codecMagic, codecVersion}
	data = binary.AppendUvarint(data, 1<<40)

	if _, err := DecodeUpdate(data); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestApplyUpdateRejectsMalformedBytesWithoutMutation(t *testing.T) {
	doc := New(2)
	mustInsert(t, doc, 0, "abc")

	if err := doc.ApplyUpdate([]byte{0xFF, 0x00, 0x01}, OriginRemote); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	requireText(t, doc, "abc")
}
