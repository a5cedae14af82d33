// Package lethe provides secure deletion for encrypted block storage through
// key management: every block is encrypted under its own key, and deleting
// or overwriting a block destroys the only copy of the key that could read
// the old ciphertext.
//
// # Overview
//
// Keys are not stored individually. They live in key derivation forests:
// trees of hash-chained keys where any leaf can be recomputed from the root
// in time proportional to the depth. Rotating a key means drawing a fresh
// root for the covers of the changed leaves, so the old keys become
// underivable once the previous roots are gone.
//
// The Engine manages one forest per object plus a system forest whose
// leaves unlock the per-object forests. Mutations are recorded in a
// write-ahead log (WAL) and applied as a batch by Engine.Update, which
// advances the epoch. Between updates the engine serves two keys per block:
// the read key that decrypts what is on the device and the write key that
// will be valid after the next update.
//
// # Schemes
//
// Key schemes describe how callers obtain keys:
//   - StableScheme: keys change only at epoch boundaries (Engine, StableKeyMap)
//   - UnstableScheme: every mutation installs a fresh key immediately (UnstableKeyMap)
//   - AffineScheme: read and write keys are served side by side (Engine, AffineKeyMap)
//   - SpeculativeScheme: write keys for whole ranges are journaled ahead of use
//
// A Localizer narrows an object-addressed scheme such as the Engine to the
// block numbers of one object.
//
// # Adapters
//
// Adapters sit between a caller and a BlockDevice and encrypt sectors with
// keys from a scheme:
//   - PaddedIO stores a random IV ahead of each sector's payload
//   - UnpaddedIO stores ciphertext only, using one-time block keys
//   - VersionedIO stores a version tag and derives IVs from it
//   - JournaledIO journals new keys and plaintext before each write
//   - SpeculativeIO derives keys for a chunk-aligned range in one call
//
// Every IV written by a padded adapter carries a dirty marker, which a
// Scraper uses to find blocks modified since the markers were last cleared.
//
// # Basic Usage
//
//	fs, _ := memfs.NewFS()
//	engine, err := lethe.LoadEngine(fs, "/keys", rootKey, lethe.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	wal, err := lethe.OpenWAL[lethe.LogEntry](fs, "/keys/wal", rootKey, lethe.LogEntryCodec{}, nil)
//
//	key, err := engine.DeriveMut(wal, lethe.ObjectKey{Object: 1, Block: 0})
//	// encrypt block 0 of object 1 with key ...
//
//	if _, err := engine.Update(wal); err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Persist(rootKey, "/keys"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Persistence
//
// Each per-object forest is written to its own file under the engine
// directory, encrypted under its unlock key from the system forest. The
// engine state (ID mappings, the system forest and the configuration) is
// encrypted under the caller's root key. Loading a directory without state
// yields an empty engine.
//
// # Security Considerations
//
// Protected Against:
//   - Recovery of deleted or overwritten blocks once an update has run and
//     the previous roots have been persisted over
//
// Not Protected Against:
//   - Tampering with block data, which is encrypted but not authenticated
//   - Keys still resident in memory when the process is inspected
//   - Storage that keeps old copies of persisted key files
package lethe
