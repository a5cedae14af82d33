package lethe

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// LogEntry is a journaled key-management event. The set of entry types is
// closed: UpdateRangeEntry, UpdateEntry, DeleteEntry, DeleteObjectEntry,
// AllocEntry and DeallocEntry.
type LogEntry interface {
	// Object returns the id the entry targets.
	Object() uint64
	logEntry()
}

// UpdateRangeEntry marks blocks [Start, End) of an object for rotation.
type UpdateRangeEntry struct {
	ID    uint64
	Start uint64
	End   uint64
}

// UpdateEntry marks one block for rotation.
type UpdateEntry struct {
	ID    uint64
	Block uint64
}

// DeleteEntry records that a block truncated its forest.
type DeleteEntry struct {
	ID    uint64
	Block uint64
}

// DeleteObjectEntry records that an object and its forest were destroyed.
type DeleteObjectEntry struct {
	ID uint64
}

// AllocEntry records a new object mapping and the roots of its forest.
type AllocEntry struct {
	ID              uint64
	ForestID        uint64
	RootKey         Key
	SpanningRootKey Key
}

// DeallocEntry records that a forest id was released.
type DeallocEntry struct {
	ID       uint64
	ForestID uint64
}

func (e UpdateRangeEntry) Object() uint64  { return e.ID }
func (e UpdateEntry) Object() uint64       { return e.ID }
func (e DeleteEntry) Object() uint64       { return e.ID }
func (e DeleteObjectEntry) Object() uint64 { return e.ID }
func (e AllocEntry) Object() uint64        { return e.ID }
func (e DeallocEntry) Object() uint64      { return e.ID }

func (UpdateRangeEntry) logEntry()  {}
func (UpdateEntry) logEntry()       {}
func (DeleteEntry) logEntry()       {}
func (DeleteObjectEntry) logEntry() {}
func (AllocEntry) logEntry()        {}
func (DeallocEntry) logEntry()      {}

// JournalEntry carries a block's write key and plaintext so an interrupted
// journaled write can be replayed.
type JournalEntry struct {
	ID    uint64
	Block uint64
	Key   Key
	Data  []byte
}

// Codec encodes journal entries for the WAL.
type Codec[E any] interface {
	Encode(e E) ([]byte, error)
	Decode(data []byte) (E, error)
}

type entryKind uint8

const (
	kindUpdateRange entryKind = iota + 1
	kindUpdate
	kindDelete
	kindDeleteObject
	kindAlloc
	kindDealloc
)

type wireEntry struct {
	Kind     entryKind `cbor:"1,keyasint"`
	ID       uint64    `cbor:"2,keyasint"`
	Start    uint64    `cbor:"3,keyasint,omitempty"`
	End      uint64    `cbor:"4,keyasint,omitempty"`
	Block    uint64    `cbor:"5,keyasint,omitempty"`
	ForestID uint64    `cbor:"6,keyasint,omitempty"`
	Root     []byte    `cbor:"7,keyasint,omitempty"`
	Spanning []byte    `cbor:"8,keyasint,omitempty"`
}

// LogEntryCodec encodes LogEntry values as CBOR.
type LogEntryCodec struct{}

// Encode encodes e.
func (LogEntryCodec) Encode(e LogEntry) ([]byte, error) {
	var w wireEntry
	switch e := e.(type) {
	case UpdateRangeEntry:
		w = wireEntry{Kind: kindUpdateRange, ID: e.ID, Start: e.Start, End: e.End}
	case UpdateEntry:
		w = wireEntry{Kind: kindUpdate, ID: e.ID, Block: e.Block}
	case DeleteEntry:
		w = wireEntry{Kind: kindDelete, ID: e.ID, Block: e.Block}
	case DeleteObjectEntry:
		w = wireEntry{Kind: kindDeleteObject, ID: e.ID}
	case AllocEntry:
		w = wireEntry{Kind: kindAlloc, ID: e.ID, ForestID: e.ForestID, Root: e.RootKey, Spanning: e.SpanningRootKey}
	case DeallocEntry:
		w = wireEntry{Kind: kindDealloc, ID: e.ID, ForestID: e.ForestID}
	default:
		return nil, fmt.Errorf("unknown log entry %T", e)
	}
	return cbor.Marshal(w)
}

// Decode decodes a LogEntry.
func (LogEntryCodec) Decode(data []byte) (LogEntry, error) {
	var w wireEntry
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, NewCorruptionError("", "failed to decode log entry", err)
	}
	switch w.Kind {
	case kindUpdateRange:
		return UpdateRangeEntry{ID: w.ID, Start: w.Start, End: w.End}, nil
	case kindUpdate:
		return UpdateEntry{ID: w.ID, Block: w.Block}, nil
	case kindDelete:
		return DeleteEntry{ID: w.ID, Block: w.Block}, nil
	case kindDeleteObject:
		return DeleteObjectEntry{ID: w.ID}, nil
	case kindAlloc:
		return AllocEntry{ID: w.ID, ForestID: w.ForestID, RootKey: w.Root, SpanningRootKey: w.Spanning}, nil
	case kindDealloc:
		return DeallocEntry{ID: w.ID, ForestID: w.ForestID}, nil
	default:
		return nil, NewCorruptionError("", fmt.Sprintf("unknown log entry kind %d", w.Kind), nil)
	}
}

type wireJournalEntry struct {
	ID    uint64 `cbor:"1,keyasint"`
	Block uint64 `cbor:"2,keyasint"`
	Key   []byte `cbor:"3,keyasint"`
	Data  []byte `cbor:"4,keyasint"`
}

// JournalEntryCodec encodes JournalEntry values as CBOR.
type JournalEntryCodec struct{}

// Encode encodes e.
func (JournalEntryCodec) Encode(e JournalEntry) ([]byte, error) {
	return cbor.Marshal(wireJournalEntry{ID: e.ID, Block: e.Block, Key: e.Key, Data: e.Data})
}

// Decode decodes a JournalEntry.
func (JournalEntryCodec) Decode(data []byte) (JournalEntry, error) {
	var w wireJournalEntry
	if err := cbor.Unmarshal(data, &w); err != nil {
		return JournalEntry{}, NewCorruptionError("", "failed to decode journal entry", err)
	}
	return JournalEntry{ID: w.ID, Block: w.Block, Key: w.Key, Data: w.Data}, nil
}
