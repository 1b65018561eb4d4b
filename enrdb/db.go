// Package enrdb persists Ethereum Node Records keyed by node id, enforcing
// the monotonically-increasing sequence number invariant (spec §3, §4.B).
package enrdb

import (
	"errors"
	"path/filepath"

	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/enr"
	"github.com/eth-classic/discv5/ethdb"
	"github.com/eth-classic/discv5/logger"
	"github.com/eth-classic/discv5/logger/glog"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrOldSequence is returned by SetENR when the candidate record's sequence
// number is not strictly greater than the one already stored for that node.
var ErrOldSequence = errors.New("enrdb: sequence number not greater than stored record")

// DirName is the subdirectory under a node's base directory the ENR
// database is opened in (mirrors the teacher's per-database subdirectory
// convention in node/config.go).
const DirName = "enr-db"

// DB is a leveldb-backed store of the most recently seen ENR for each node
// id (spec §3 "ENR database").
type DB struct {
	ldb *ethdb.LDBDatabase
}

// Open opens (creating if necessary) the ENR database under baseDir/enr-db.
func Open(baseDir string, cacheMB, handles int) (*DB, error) {
	ldb, err := ethdb.NewLDBDatabase(filepath.Join(baseDir, DirName), cacheMB, handles)
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb}, nil
}

// Get returns the stored record for id, or ok=false if none is known.
func (db *DB) Get(id enode.ID) (*enr.Record, bool, error) {
	raw, err := db.ldb.Get(id.Bytes())
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec, err := enr.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// SetENR stores r if its sequence number is strictly greater than any
// record already stored for the same node id, returning ErrOldSequence
// otherwise (spec §3: "rejects any set_enr whose sequence number is less
// than the stored value"). Equal sequence numbers are also rejected: the
// stored content for a given (id, seq) pair is already canonical.
func (db *DB) SetENR(id enode.ID, r *enr.Record) error {
	existing, ok, err := db.Get(id)
	if err != nil {
		return err
	}
	if ok && r.Seq() <= existing.Seq() {
		glog.V(logger.Detail).Infof("enrdb: rejecting stale record for %s: seq=%d stored=%d", id, r.Seq(), existing.Seq())
		return ErrOldSequence
	}
	enc, err := r.EncodeToBytes()
	if err != nil {
		return err
	}
	return db.ldb.Put(id.Bytes(), enc)
}

// Close flushes and closes the underlying store.
func (db *DB) Close() { db.ldb.Close() }
