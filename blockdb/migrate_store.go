package blockdb

import (
	"github.com/ledgerwatch/lmdb-go/lmdb"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
	"github.com/utxowatch/turbo-btc/core/records"
)

// AppliedMigrations returns the set of migration names already recorded.
func (db *DB) AppliedMigrations() (map[string]bool, error) {
	applied := map[string]bool{}
	err := db.View(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(db.dbis[dbutils.MigrationsStore])
		if err != nil {
			return err
		}
		defer cur.Close()
		k, _, err := cur.Get(nil, nil, lmdb.First)
		for ; err == nil; k, _, err = cur.Get(nil, nil, lmdb.Next) {
			applied[string(common.CopyBytes(k))] = true
		}
		if lmdb.IsNotFound(err) {
			return nil
		}
		return err
	})
	return applied, err
}

// MarkMigrationApplied records a migration name together with the DBInfo
// it ran under, so a bug report can show the context it executed in.
func (db *DB) MarkMigrationApplied(name string) error {
	return db.Update(func(txn *lmdb.Txn) error {
		info, err := db.getDBInfo(txn, dbutils.BLKDATA)
		if err != nil {
			return err
		}
		var w serialize.Writer
		if err := info.SerializeDBValue(&w); err != nil {
			return err
		}
		return txn.Put(db.dbis[dbutils.MigrationsStore], []byte(name), w.Bytes(), 0)
	})
}

// WalkUndoData visits every undo record in height order.
func (db *DB) WalkUndoData(fn func(su *records.StoredUndoData) (bool, error)) error {
	return db.View(func(txn *lmdb.Txn) error {
		return db.walk(txn, dbutils.BLKDATA, []byte{byte(dbutils.PrefixUndoData)},
			func(k, v []byte) (bool, error) {
				su := records.NewStoredUndoData()
				if err := su.UnserializeDBKey(common.CopyBytes(k)); err != nil {
					return false, err
				}
				if err := su.UnserializeDBValue(serialize.NewReader(common.CopyBytes(v))); err != nil {
					return false, err
				}
				return fn(su)
			})
	})
}

// DeleteUndoData removes one undo record.
func (db *DB) DeleteUndoData(height uint32, dup uint8) error {
	return db.Update(func(txn *lmdb.Txn) error {
		return db.del(txn, dbutils.BLKDATA, dbutils.UndoKey(height, dup))
	})
}
