package lethe

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/absfs/absfs"
	"github.com/fxamacker/cbor/v2"
	grailerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/logio"
)

// WALOptions configures the encryption of a persisted WAL.
type WALOptions struct {
	// Crypter encrypts each record. Defaults to ChaCha20.
	Crypter Crypter
	// IVGenerator supplies per-record IVs. Defaults to RandomIVGenerator.
	IVGenerator IVGenerator
	// Hasher computes each record's tag. Defaults to BLAKE2b.
	Hasher Hasher
}

func (o *WALOptions) setDefaults() {
	if o.Crypter == nil {
		o.Crypter = NewChaCha20Crypter()
	}
	if o.IVGenerator == nil {
		o.IVGenerator = RandomIVGenerator{}
	}
	if o.Hasher == nil {
		o.Hasher = Blake2bHasher{}
	}
}

var walMACLabel = []byte("lethe/wal/mac")

// walRecord is an entry stamped with the epoch it was appended in.
type walRecord[E any] struct {
	Epoch uint64
	Entry E
}

type wireRecord struct {
	Epoch   uint64 `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// WAL is an append-only, encrypted log of entries. Append buffers in
// memory; Persist makes every buffered entry durable. Each on-disk record
// holds an IV, the encrypted entry and a keyed-hash tag over both, framed
// by logio.
//
// A WAL supports one writer.
type WAL[E any] struct {
	fs    absfs.FileSystem
	path  string
	codec Codec[E]
	opts  WALOptions

	epoch   uint64
	records []walRecord[E]

	persisted    int   // records[:persisted] are on disk
	persistedKey Key   // key the on-disk records are encrypted under
	size         int64 // on-disk size, the logio append offset
	rewrite      bool  // on-disk records must be replaced wholesale
}

// NewWAL creates a WAL that lives only in memory. Persist is a no-op.
func NewWAL[E any](codec Codec[E]) *WAL[E] {
	return &WAL[E]{codec: codec}
}

// OpenWAL opens the WAL stored at name, decrypting it with rootKey. A
// missing file yields an empty WAL.
func OpenWAL[E any](fs absfs.FileSystem, name string, rootKey Key, codec Codec[E], opts *WALOptions) (_ *WAL[E], err error) {
	w := &WAL[E]{fs: fs, path: name, codec: codec}
	if opts != nil {
		w.opts = *opts
	}
	w.opts.setDefaults()

	f, err := fs.OpenFile(name, os.O_RDONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return w, nil
	}
	if err != nil {
		return nil, NewIOError("open", name, err)
	}
	defer grailerrors.CleanUp(f.Close, &err)

	r := logio.NewReader(f, 0)
	for {
		data, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewCorruptionError(name, "failed to read log record", err)
		}
		rec, err := w.decodeRecord(rootKey, data)
		if IsAuthenticationError(err) {
			return nil, NewAuthenticationError(name, ErrAuthFailed)
		}
		if err != nil {
			return nil, NewCorruptionError(name, "failed to decode log record", err)
		}
		w.records = append(w.records, rec)
		w.epoch = max(w.epoch, rec.Epoch)
	}
	info, err := fs.Stat(name)
	if err != nil {
		return nil, NewIOError("stat", name, err)
	}
	w.size = info.Size()
	w.persisted = len(w.records)
	w.persistedKey = rootKey.Clone()
	log.Debug.Printf("wal %s: opened with %d records at epoch %d", name, len(w.records), w.epoch)
	return w, nil
}

func (w *WAL[E]) encodeRecord(key Key, rec walRecord[E]) ([]byte, error) {
	payload, err := w.codec.Encode(rec.Entry)
	if err != nil {
		return nil, &PersistError{What: "wal", Path: w.path, Err: err}
	}
	plain, err := cbor.Marshal(wireRecord{Epoch: rec.Epoch, Payload: payload})
	if err != nil {
		return nil, &PersistError{What: "wal", Path: w.path, Err: err}
	}
	ivSize := w.opts.Crypter.IVSize()
	out := make([]byte, ivSize+len(plain))
	if err := w.opts.IVGenerator.Generate(out[:ivSize]); err != nil {
		return nil, err
	}
	copy(out[ivSize:], plain)
	if err := w.opts.Crypter.Encrypt(key, out[:ivSize], out[ivSize:]); err != nil {
		return nil, err
	}
	tag, err := w.tag(key, out)
	if err != nil {
		return nil, err
	}
	return append(out, tag...), nil
}

func (w *WAL[E]) tag(key Key, sealed []byte) (Key, error) {
	macKey, err := w.opts.Hasher.Hash(key, walMACLabel)
	if err != nil {
		return nil, err
	}
	return w.opts.Hasher.Hash(macKey, sealed)
}

func (w *WAL[E]) decodeRecord(key Key, data []byte) (walRecord[E], error) {
	ivSize, tagSize := w.opts.Crypter.IVSize(), w.opts.Hasher.Size()
	if len(data) < ivSize+tagSize {
		return walRecord[E]{}, errors.New("record shorter than its iv and tag")
	}
	body := data[:len(data)-tagSize]
	want, err := w.tag(key, body)
	if err != nil {
		return walRecord[E]{}, err
	}
	if !want.Equal(data[len(body):]) {
		return walRecord[E]{}, NewAuthenticationError("", ErrAuthFailed)
	}
	plain := bytes.Clone(body[ivSize:])
	if err := w.opts.Crypter.Decrypt(key, body[:ivSize], plain); err != nil {
		return walRecord[E]{}, err
	}
	var wire wireRecord
	if err := cbor.Unmarshal(plain, &wire); err != nil {
		return walRecord[E]{}, err
	}
	entry, err := w.codec.Decode(wire.Payload)
	if err != nil {
		return walRecord[E]{}, err
	}
	return walRecord[E]{Epoch: wire.Epoch, Entry: entry}, nil
}

// Epoch returns the epoch new entries are stamped with.
func (w *WAL[E]) Epoch() uint64 { return w.epoch }

// Append buffers e in the current epoch.
func (w *WAL[E]) Append(e E) {
	w.records = append(w.records, walRecord[E]{Epoch: w.epoch, Entry: e})
}

// AppendAt buffers e stamped with epoch. A later epoch becomes the WAL's epoch.
func (w *WAL[E]) AppendAt(epoch uint64, e E) {
	w.epoch = max(w.epoch, epoch)
	w.records = append(w.records, walRecord[E]{Epoch: epoch, Entry: e})
}

// Entries returns the entries stamped with epoch, in append order.
func (w *WAL[E]) Entries(epoch uint64) []E {
	var out []E
	for _, rec := range w.records {
		if rec.Epoch == epoch {
			out = append(out, rec.Entry)
		}
	}
	return out
}

// All returns every entry in append order.
func (w *WAL[E]) All() []E {
	out := make([]E, len(w.records))
	for i, rec := range w.records {
		out[i] = rec.Entry
	}
	return out
}

// Len returns the number of entries held.
func (w *WAL[E]) Len() int { return len(w.records) }

// Buffered returns the number of entries not yet persisted.
func (w *WAL[E]) Buffered() int { return len(w.records) - w.persisted }

// Advance moves the WAL to epoch and drops every entry from earlier epochs.
func (w *WAL[E]) Advance(epoch uint64) {
	if epoch <= w.epoch && len(w.records) == 0 {
		return
	}
	kept := w.records[:0]
	for _, rec := range w.records {
		if rec.Epoch >= epoch {
			kept = append(kept, rec)
		}
	}
	if len(kept) != len(w.records) {
		w.rewrite = true
	}
	clear(w.records[len(kept):])
	w.records = kept
	w.persisted = min(w.persisted, len(w.records))
	w.epoch = max(w.epoch, epoch)
}

// Clear drops every entry.
func (w *WAL[E]) Clear() {
	if len(w.records) > 0 {
		w.rewrite = true
	}
	w.records = nil
	w.persisted = 0
}

// Persist makes every entry durable under rootKey. Buffered entries are
// appended when the key is unchanged; otherwise the log is rewritten.
func (w *WAL[E]) Persist(rootKey Key) error {
	if w.fs == nil {
		w.persisted = len(w.records)
		return nil
	}
	if w.rewrite || !w.persistedKey.Equal(rootKey) {
		return w.rewriteAll(rootKey)
	}
	if w.persisted == len(w.records) {
		return nil
	}
	return w.appendBuffered(rootKey)
}

func (w *WAL[E]) appendBuffered(rootKey Key) (err error) {
	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return NewIOError("open", w.path, err)
	}
	defer grailerrors.CleanUp(f.Close, &err)
	if _, err := f.Seek(w.size, io.SeekStart); err != nil {
		return NewIOError("seek", w.path, err)
	}
	lw := logio.NewWriter(f, w.size)
	for _, rec := range w.records[w.persisted:] {
		data, err := w.encodeRecord(rootKey, rec)
		if err != nil {
			return err
		}
		if err := lw.Append(data); err != nil {
			return NewIOError("write", w.path, err)
		}
	}
	if err := f.Sync(); err != nil {
		return NewIOError("sync", w.path, err)
	}
	w.size = lw.Tell()
	w.persisted = len(w.records)
	return nil
}

func (w *WAL[E]) rewriteAll(rootKey Key) error {
	var buf bytes.Buffer
	lw := logio.NewWriter(&buf, 0)
	for _, rec := range w.records {
		data, err := w.encodeRecord(rootKey, rec)
		if err != nil {
			return err
		}
		if err := lw.Append(data); err != nil {
			return &PersistError{What: "wal", Path: w.path, Err: err}
		}
	}
	if err := writeFileAtomic(w.fs, w.path, buf.Bytes()); err != nil {
		return &PersistError{What: "wal", Path: w.path, Err: err}
	}
	w.size = int64(buf.Len())
	w.persisted = len(w.records)
	w.persistedKey = rootKey.Clone()
	w.rewrite = false
	return nil
}
