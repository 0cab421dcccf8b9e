// Package blockdb is the storage engine: two LMDB stores (HEADERS and
// BLKDATA) holding the prefix-byte tables described in common/dbutils,
// with record-level put/get, block apply/undo and tx-hash resolution on
// top.
package blockdb

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ledgerwatch/lmdb-go/lmdb"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
	"github.com/utxowatch/turbo-btc/core/records"
)

// ErrKeyNotFound is returned by point lookups for absent keys.
var ErrKeyNotFound = fmt.Errorf("blockdb: key not found")

const defaultMapSize = 2 * datasize.TB

type DB struct {
	env    *lmdb.Env
	opts   options
	dbis   map[string]lmdb.DBI
	policy records.Policy
	log    log.Logger
}

type options struct {
	path    string
	inMem   bool
	mapSize datasize.ByteSize
}

type Opener struct {
	opts   options
	policy records.Policy
	magic  []byte
}

// New starts building a database handle.
func New(policy records.Policy, magic []byte) *Opener {
	return &Opener{policy: policy, magic: magic, opts: options{mapSize: defaultMapSize}}
}

// Path sets the on-disk location of the environment.
func (o *Opener) Path(path string) *Opener {
	o.opts.path = path
	return o
}

// InMem opens the environment in a temp dir with syncing off, for tests.
func (o *Opener) InMem() *Opener {
	o.opts.inMem = true
	o.opts.mapSize = 64 * datasize.MB
	return o
}

func (o *Opener) MapSize(sz datasize.ByteSize) *Opener {
	o.opts.mapSize = sz
	return o
}

func (o *Opener) Open() (*DB, error) {
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, err
	}
	if err := env.SetMaxDBs(len(dbutils.Stores)); err != nil {
		return nil, err
	}
	if err := env.SetMapSize(int64(o.opts.mapSize.Bytes())); err != nil {
		return nil, err
	}

	var flags uint = lmdb.NoReadahead
	path := o.opts.path
	if o.opts.inMem {
		path, err = ioutil.TempDir(os.TempDir(), "blockdb-mem")
		if err != nil {
			return nil, err
		}
		flags |= lmdb.NoMetaSync | lmdb.NoSync
	} else if err := os.MkdirAll(path, 0744); err != nil {
		return nil, err
	}
	if err := env.Open(path, flags, 0664); err != nil {
		return nil, fmt.Errorf("blockdb: opening %s: %w", path, err)
	}

	db := &DB{
		env:    env,
		opts:   options{path: path, inMem: o.opts.inMem, mapSize: o.opts.mapSize},
		dbis:   make(map[string]lmdb.DBI, len(dbutils.Stores)),
		policy: o.policy,
		log:    log.New("database", path),
	}

	if err := env.Update(func(txn *lmdb.Txn) error {
		for _, name := range dbutils.Stores {
			cfg := dbutils.StoresConfigs[name]
			dbi, err := txn.OpenDBI(name, cfg.Flags|lmdb.Create)
			if err != nil {
				return err
			}
			db.dbis[name] = dbi
		}
		return nil
	}); err != nil {
		env.Close()
		return nil, err
	}

	if err := db.initDBInfo(o.magic); err != nil {
		env.Close()
		return nil, err
	}
	return db, nil
}

// MustOpenInMem is the test constructor.
func MustOpenInMem(policy records.Policy, magic []byte) *DB {
	db, err := New(policy, magic).InMem().Open()
	if err != nil {
		panic(err)
	}
	return db
}

func (db *DB) Close() {
	db.env.Close()
	if db.opts.inMem {
		os.RemoveAll(db.opts.path)
	}
	db.log.Debug("Database closed")
}

func (db *DB) Policy() records.Policy { return db.policy }

func (db *DB) View(fn func(txn *lmdb.Txn) error) error {
	return db.env.View(fn)
}

func (db *DB) Update(fn func(txn *lmdb.Txn) error) error {
	return db.env.Update(fn)
}

func (db *DB) dbi(sel dbutils.DBSelect) lmdb.DBI {
	switch sel {
	case dbutils.HEADERS:
		return db.dbis[dbutils.HeadersStore]
	default:
		return db.dbis[dbutils.BlkDataStore]
	}
}

func (db *DB) get(txn *lmdb.Txn, sel dbutils.DBSelect, key []byte) ([]byte, error) {
	v, err := txn.Get(db.dbi(sel), key)
	if lmdb.IsNotFound(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return common.CopyBytes(v), nil
}

func (db *DB) put(txn *lmdb.Txn, sel dbutils.DBSelect, key, value []byte) error {
	return txn.Put(db.dbi(sel), key, value, 0)
}

func (db *DB) del(txn *lmdb.Txn, sel dbutils.DBSelect, key []byte) error {
	err := txn.Del(db.dbi(sel), key, nil)
	if lmdb.IsNotFound(err) {
		return nil
	}
	return err
}

// walk iterates keys starting with prefix in sorted order. The walker
// returns false to stop early.
func (db *DB) walk(txn *lmdb.Txn, sel dbutils.DBSelect, prefix []byte,
	walker func(k, v []byte) (bool, error)) error {

	cur, err := txn.OpenCursor(db.dbi(sel))
	if err != nil {
		return err
	}
	defer cur.Close()

	k, v, err := cur.Get(prefix, nil, lmdb.SetRange)
	for ; err == nil; k, v, err = cur.Get(nil, nil, lmdb.Next) {
		if !bytes.HasPrefix(k, prefix) {
			return nil
		}
		goOn, walkErr := walker(k, v)
		if walkErr != nil {
			return walkErr
		}
		if !goOn {
			return nil
		}
	}
	if lmdb.IsNotFound(err) {
		return nil
	}
	return err
}

// initDBInfo writes the meta record on first open and cross-checks it on
// subsequent ones.
func (db *DB) initDBInfo(magic []byte) error {
	return db.Update(func(txn *lmdb.Txn) error {
		for _, sel := range []dbutils.DBSelect{dbutils.HEADERS, dbutils.BLKDATA} {
			v, err := db.get(txn, sel, dbutils.DBInfoKey())
			if err == ErrKeyNotFound {
				info := records.NewStoredDBInfo(magic, db.policy)
				if err := db.putDBInfo(txn, sel, info); err != nil {
					return err
				}
				db.log.Info("Initialized store", "store", sel, "dbType", db.policy.DBType())
				continue
			}
			if err != nil {
				return err
			}
			var info records.StoredDBInfo
			if err := info.UnserializeDBValue(serialize.NewReader(v)); err != nil {
				return err
			}
			if !bytes.Equal(info.Magic, magic) {
				return fmt.Errorf("blockdb: store %s has magic %x, want %x", sel, info.Magic, magic)
			}
			if info.ArmoryVer != records.Version {
				db.log.Warn("Store version differs from engine", "store", sel,
					"stored", info.ArmoryVer, "engine", records.Version)
			}
			if info.DBType != db.policy.DBType() {
				return fmt.Errorf("blockdb: store %s was built as %s, opened as %s",
					sel, info.DBType, db.policy.DBType())
			}
		}
		return nil
	})
}
