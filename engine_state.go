package lethe

import (
	"errors"
	"os"
	"path"
	"slices"

	"github.com/absfs/absfs"
	"github.com/fxamacker/cbor/v2"
	"github.com/grailbio/base/log"
)

// StateFile is the name of the engine's metadata file inside its directory.
const StateFile = "state"

const engineStateVersion = 1

type mappingState struct {
	Object uint64 `cbor:"1,keyasint"`
	Forest uint64 `cbor:"2,keyasint"`
}

type engineState struct {
	Version       uint8          `cbor:"1,keyasint"`
	Epoch         uint64         `cbor:"2,keyasint"`
	Hash          HashSuite      `cbor:"3,keyasint"`
	Cipher        CipherSuite    `cbor:"4,keyasint"`
	SystemFanouts []uint64       `cbor:"5,keyasint"`
	ObjectFanouts []uint64       `cbor:"6,keyasint"`
	System        []byte         `cbor:"7,keyasint"`
	Mappings      []mappingState `cbor:"8,keyasint"`
	NextForest    uint64         `cbor:"9,keyasint"`
}

// Persist writes every dirty object forest under its current unlock key,
// then the engine metadata sealed under rootKey. If dir differs from the
// engine's directory the engine is rebased there first.
//
// Forest files are written before the metadata. A crash in between leaves
// forests sealed under unlock keys the old metadata cannot derive only for
// objects mutated since the last update; replaying the WAL restores them.
func (e *Engine) Persist(rootKey Key, dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ValidateKey(rootKey, e.crypter.KeySize()); err != nil {
		return err
	}
	if dir != "" && dir != e.arena.Dir() {
		if err := e.rebase(dir); err != nil {
			return err
		}
	}

	for object := range e.dirtyObjects {
		fid, ok := e.ids.Get(object)
		if !ok {
			continue
		}
		key, err := e.system.Derive(fid)
		if err != nil {
			return &PersistError{What: "forest", Path: e.arena.Path(fid), Err: err}
		}
		e.arena.SetKey(fid, key)
		if err := e.arena.Persist(fid); err != nil {
			return err
		}
	}
	if err := e.arena.PersistAll(); err != nil {
		return err
	}

	data, err := e.marshalState()
	if err != nil {
		return err
	}
	name := path.Join(e.arena.Dir(), StateFile)
	if err := e.sealer.WriteFile(e.fs, name, rootKey, data); err != nil {
		return &PersistError{What: "engine state", Path: name, Err: err}
	}
	clear(e.dirtyObjects)
	log.Debug.Printf("engine %s: persisted epoch %d with %d objects", e.arena.Dir(), e.epoch, e.ids.Len())
	return nil
}

func (e *Engine) marshalState() ([]byte, error) {
	system, err := e.system.MarshalBinary()
	if err != nil {
		return nil, err
	}
	st := engineState{
		Version:       engineStateVersion,
		Epoch:         e.epoch,
		Hash:          e.config.Hash,
		Cipher:        e.config.Cipher,
		SystemFanouts: e.systemParams.Topology.Fanouts(),
		ObjectFanouts: e.objectParams.Topology.Fanouts(),
		System:        system,
	}
	if alloc, ok := e.ids.Allocator().(*SequentialAllocator); ok {
		st.NextForest = alloc.Next
	}
	e.ids.Range(func(object, fid uint64) bool {
		st.Mappings = append(st.Mappings, mappingState{Object: object, Forest: fid})
		return true
	})
	slices.SortFunc(st.Mappings, func(a, b mappingState) int {
		switch {
		case a.Object < b.Object:
			return -1
		case a.Object > b.Object:
			return 1
		}
		return 0
	})
	data, err := cbor.Marshal(st)
	if err != nil {
		return nil, NewCorruptionError("", "failed to encode engine state", err)
	}
	return data, nil
}

// LoadEngine opens the engine persisted in dir, decrypting its metadata
// with rootKey. A directory without metadata yields a fresh engine. The
// topology and cipher suites recorded in the metadata override config.
func LoadEngine(fs absfs.FileSystem, dir string, rootKey Key, config *Config) (*Engine, error) {
	name := path.Join(dir, StateFile)
	exists, err := fileExists(fs, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return NewEngine(fs, dir, config)
	}
	if config == nil {
		config = DefaultConfig()
	}
	probe, err := newEngine(fs, dir, config)
	if err != nil {
		return nil, err
	}
	data, err := probe.sealer.ReadFile(fs, name, rootKey)
	if err != nil {
		return nil, &LoadError{What: "state", Path: name, Err: err}
	}
	var st engineState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, &LoadError{What: "state", Path: name, Err: NewCorruptionError(name, "failed to decode engine state", err)}
	}
	if st.Version != engineStateVersion {
		return nil, &LoadError{What: "state", Path: name, Err: ErrUnsupportedVersion}
	}

	cfg := *config
	cfg.Hash = st.Hash
	cfg.Cipher = st.Cipher
	cfg.SystemFanouts = st.SystemFanouts
	cfg.ObjectFanouts = st.ObjectFanouts
	e, err := newEngine(fs, dir, &cfg)
	if err != nil {
		return nil, &LoadError{What: "state", Path: name, Err: err}
	}
	e.epoch = st.Epoch
	e.system, err = UnmarshalForest(st.System, e.systemParams)
	if err != nil {
		return nil, &LoadError{What: "state", Path: name, Err: err}
	}
	alloc := NewSequentialAllocator()
	e.ids = NewIDManager[uint64, uint64](alloc)
	for _, m := range st.Mappings {
		if err := e.ids.InsertAt(m.Object, m.Forest); err != nil {
			return nil, &LoadError{ForestID: m.Forest, Path: name, Err: err}
		}
	}
	alloc.Next = max(alloc.Next, st.NextForest)
	log.Debug.Printf("engine %s: loaded epoch %d with %d objects", dir, e.epoch, e.ids.Len())
	return e, nil
}

// Rebase moves the engine's files into dir.
func (e *Engine) Rebase(dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebase(dir)
}

func (e *Engine) rebase(dir string) error {
	old := e.arena.Dir()
	if dir == old {
		return nil
	}
	var fids []uint64
	e.ids.Range(func(_, fid uint64) bool {
		fids = append(fids, fid)
		return true
	})
	if err := e.arena.Rebase(dir, fids); err != nil {
		return err
	}
	from, to := path.Join(old, StateFile), path.Join(dir, StateFile)
	data, err := readFile(e.fs, from)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := writeFileAtomic(e.fs, to, data); err != nil {
		return err
	}
	return removeFile(e.fs, from)
}
