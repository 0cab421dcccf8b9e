package blockdb

import (
	"bytes"
	"fmt"

	"github.com/ledgerwatch/lmdb-go/lmdb"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
	"github.com/utxowatch/turbo-btc/core/records"
	"github.com/utxowatch/turbo-btc/core/work"
)

func (db *DB) putDBInfo(txn *lmdb.Txn, sel dbutils.DBSelect, info *records.StoredDBInfo) error {
	var w serialize.Writer
	if err := info.SerializeDBValue(&w); err != nil {
		return err
	}
	return db.put(txn, sel, dbutils.DBInfoKey(), w.Bytes())
}

func (db *DB) getDBInfo(txn *lmdb.Txn, sel dbutils.DBSelect) (*records.StoredDBInfo, error) {
	v, err := db.get(txn, sel, dbutils.DBInfoKey())
	if err != nil {
		return nil, err
	}
	info := &records.StoredDBInfo{}
	if err := info.UnserializeDBValue(serialize.NewReader(v)); err != nil {
		return nil, err
	}
	return info, nil
}

// GetDBInfo reads the meta record of one store.
func (db *DB) GetDBInfo(sel dbutils.DBSelect) (*records.StoredDBInfo, error) {
	var info *records.StoredDBInfo
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		info, err = db.getDBInfo(txn, sel)
		return err
	})
	return info, err
}

// setTopBlock advances (or rewinds) the recorded top of both stores.
func (db *DB) setTopBlock(txn *lmdb.Txn, height uint32, hash common.Hash) error {
	for _, sel := range []dbutils.DBSelect{dbutils.HEADERS, dbutils.BLKDATA} {
		info, err := db.getDBInfo(txn, sel)
		if err != nil {
			return err
		}
		info.TopBlkHgt = height
		info.TopBlkHash = hash
		if err := db.putDBInfo(txn, sel, info); err != nil {
			return err
		}
	}
	return nil
}

// putStoredHeader writes the header to both stores and folds it into the
// head-height list. The list write is rejected, not committed, on a
// dup/hash conflict.
func (db *DB) putStoredHeader(txn *lmdb.Txn, sh *records.StoredHeader) error {
	if sh.BlockHeight == dbutils.HeightUnset || sh.DuplicateID == dbutils.DupIDUnset {
		return fmt.Errorf("blockdb: header %s has no key data", sh.ThisHash.Hex())
	}

	hhl, err := db.getHeadHgtList(txn, sh.BlockHeight)
	if err != nil && err != ErrKeyNotFound {
		return err
	}
	if err == ErrKeyNotFound {
		hhl = records.NewStoredHeadHgtList(sh.BlockHeight)
	}
	if err := hhl.AddDupAndHash(sh.DuplicateID, sh.ThisHash); err != nil {
		db.log.Error("Rejecting header write", "height", sh.BlockHeight,
			"dup", sh.DuplicateID, "err", err)
		return err
	}
	if sh.IsMainBranch {
		hhl.SetPreferredDupID(sh.DuplicateID)
	} else if hhl.PreferredDup == dbutils.DupIDUnset {
		// first block at a height starts out preferred
		hhl.SetPreferredDupID(sh.DuplicateID)
	}
	if err := db.putHeadHgtList(txn, hhl); err != nil {
		return err
	}

	var hw serialize.Writer
	if err := sh.SerializeDBValue(dbutils.HEADERS, db.policy, &hw); err != nil {
		return err
	}
	if err := db.put(txn, dbutils.HEADERS, dbutils.HeadHashKey(sh.ThisHash.Bytes()), hw.Bytes()); err != nil {
		return err
	}

	var bw serialize.Writer
	if err := sh.SerializeDBValue(dbutils.BLKDATA, db.policy, &bw); err != nil {
		return err
	}
	return db.put(txn, dbutils.BLKDATA, sh.GetDBKey(true), bw.Bytes())
}

// PutStoredHeader writes a header record in its own transaction.
func (db *DB) PutStoredHeader(sh *records.StoredHeader) error {
	return db.Update(func(txn *lmdb.Txn) error {
		return db.putStoredHeader(txn, sh)
	})
}

func (db *DB) getStoredHeaderByHash(txn *lmdb.Txn, hash common.Hash) (*records.StoredHeader, error) {
	v, err := db.get(txn, dbutils.HEADERS, dbutils.HeadHashKey(hash.Bytes()))
	if err != nil {
		return nil, err
	}
	sh := records.NewStoredHeader()
	if err := sh.UnserializeDBValue(dbutils.HEADERS, serialize.NewReader(v)); err != nil {
		return nil, err
	}
	return sh, nil
}

// GetStoredHeader resolves a block hash to its header record, including
// its (height, dup) location.
func (db *DB) GetStoredHeader(hash common.Hash) (*records.StoredHeader, error) {
	var sh *records.StoredHeader
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		sh, err = db.getStoredHeaderByHash(txn, hash)
		return err
	})
	return sh, err
}

// GetMainHeaderAtHeight returns the preferred-dup header at a height.
func (db *DB) GetMainHeaderAtHeight(height uint32) (*records.StoredHeader, error) {
	var sh *records.StoredHeader
	err := db.View(func(txn *lmdb.Txn) error {
		hhl, err := db.getHeadHgtList(txn, height)
		if err != nil {
			return err
		}
		hash := hhl.HashForDup(hhl.PreferredDup)
		if hash.IsZero() {
			return ErrKeyNotFound
		}
		sh, err = db.getStoredHeaderByHash(txn, hash)
		return err
	})
	return sh, err
}

func (db *DB) getHeadHgtList(txn *lmdb.Txn, height uint32) (*records.StoredHeadHgtList, error) {
	v, err := db.get(txn, dbutils.HEADERS, dbutils.HeadHgtKey(height))
	if err != nil {
		return nil, err
	}
	hhl := records.NewStoredHeadHgtList(height)
	if err := hhl.UnserializeDBValue(serialize.NewReader(v)); err != nil {
		return nil, err
	}
	return hhl, nil
}

func (db *DB) putHeadHgtList(txn *lmdb.Txn, hhl *records.StoredHeadHgtList) error {
	var w serialize.Writer
	if err := hhl.SerializeDBValue(&w); err != nil {
		return err
	}
	return db.put(txn, dbutils.HEADERS, hhl.GetDBKey(true), w.Bytes())
}

// GetHeadHgtList reads the known blocks at a height.
func (db *DB) GetHeadHgtList(height uint32) (*records.StoredHeadHgtList, error) {
	var hhl *records.StoredHeadHgtList
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		hhl, err = db.getHeadHgtList(txn, height)
		return err
	})
	return hhl, err
}

// ElectPreferredDup re-elects the preferred dup at a height by block work,
// hash as the tie break, and returns the winner.
func (db *DB) ElectPreferredDup(height uint32) (uint8, error) {
	winner := dbutils.DupIDUnset
	err := db.Update(func(txn *lmdb.Txn) error {
		hhl, err := db.getHeadHgtList(txn, height)
		if err != nil {
			return err
		}
		bestWork := work.FromBits(0)
		var bestHash common.Hash
		for i := range hhl.DupAndHashList {
			entry := hhl.DupAndHashList[i]
			sh, err := db.getStoredHeaderByHash(txn, entry.Hash)
			if err != nil {
				return err
			}
			w := work.FromBits(work.BitsFromHeader(sh.DataCopy))
			better := w.Gt(bestWork)
			if !better && w.Eq(bestWork) {
				better = bytes.Compare(entry.Hash.Bytes(), bestHash.Bytes()) < 0
			}
			if better {
				bestWork = w
				bestHash = entry.Hash
				winner = entry.Dup
			}
		}
		if winner == dbutils.DupIDUnset {
			return fmt.Errorf("blockdb: no blocks at height %d", height)
		}
		hhl.SetPreferredDupID(winner)
		return db.putHeadHgtList(txn, hhl)
	})
	return winner, err
}

// putStoredTx writes the tx row and, when the record is fragged, every
// output at its child key.
func (db *DB) putStoredTx(txn *lmdb.Txn, stx *records.StoredTx, withTxOuts bool) error {
	var w serialize.Writer
	if err := stx.SerializeDBValue(db.policy, &w); err != nil {
		return err
	}
	if err := db.put(txn, dbutils.BLKDATA, stx.GetDBKey(true), w.Bytes()); err != nil {
		return err
	}
	if withTxOuts && stx.IsFragged {
		for i := uint16(0); i < stx.NumTxOut; i++ {
			stxo, ok := stx.StxoMap[i]
			if !ok {
				return fmt.Errorf("blockdb: fragged tx %s missing output %d", stx.ThisHash.Hex(), i)
			}
			if err := db.putStoredTxOut(txn, stxo, false); err != nil {
				return err
			}
		}
	}
	return db.updateTxHints(txn, stx)
}

func (db *DB) getStoredTx(txn *lmdb.Txn, height uint32, dup uint8, txIdx uint16, withTxOuts bool) (*records.StoredTx, error) {
	key := dbutils.BlkDataKeyTx(height, dup, txIdx)
	v, err := db.get(txn, dbutils.BLKDATA, key)
	if err != nil {
		return nil, err
	}
	stx := records.NewStoredTx()
	if err := stx.UnserializeDBKey(key); err != nil {
		return nil, err
	}
	if err := stx.UnserializeDBValue(serialize.NewReader(v)); err != nil {
		return nil, err
	}
	if withTxOuts && !stx.IsFragged {
		if err := stx.PopulateTxOuts(); err != nil {
			return nil, err
		}
	}
	if withTxOuts && stx.IsFragged {
		err := db.walk(txn, dbutils.BLKDATA, key, func(k, v []byte) (bool, error) {
			if len(k) != 9 {
				return true, nil // the tx row itself
			}
			stxo := records.NewStoredTxOut()
			if err := stxo.UnserializeDBKey(k); err != nil {
				return false, err
			}
			if err := stxo.UnserializeDBValue(serialize.NewReader(v)); err != nil {
				return false, err
			}
			stxo.TxVersion = stx.Version
			stx.AddStoredTxOutToMap(stxo.TxOutIndex, stxo)
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return stx, nil
}

// GetStoredTx reads a tx row; withTxOuts rehydrates the output map of a
// fragged tx from its child rows.
func (db *DB) GetStoredTx(height uint32, dup uint8, txIdx uint16, withTxOuts bool) (*records.StoredTx, error) {
	var stx *records.StoredTx
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		stx, err = db.getStoredTx(txn, height, dup, txIdx, withTxOuts)
		return err
	})
	return stx, err
}

func (db *DB) putStoredTxOut(txn *lmdb.Txn, stxo *records.StoredTxOut, forceSaveSpent bool) error {
	var w serialize.Writer
	if err := stxo.SerializeDBValue(db.policy, forceSaveSpent, &w); err != nil {
		return err
	}
	return db.put(txn, dbutils.BLKDATA, stxo.GetDBKey(true), w.Bytes())
}

func (db *DB) getStoredTxOut(txn *lmdb.Txn, height uint32, dup uint8, txIdx, outIdx uint16) (*records.StoredTxOut, error) {
	key := dbutils.BlkDataKeyTxOut(height, dup, txIdx, outIdx)
	v, err := db.get(txn, dbutils.BLKDATA, key)
	if err != nil {
		return nil, err
	}
	stxo := records.NewStoredTxOut()
	if err := stxo.UnserializeDBKey(key); err != nil {
		return nil, err
	}
	if err := stxo.UnserializeDBValue(serialize.NewReader(v)); err != nil {
		return nil, err
	}
	return stxo, nil
}

// GetStoredTxOut reads a single output row.
func (db *DB) GetStoredTxOut(height uint32, dup uint8, txIdx, outIdx uint16) (*records.StoredTxOut, error) {
	var stxo *records.StoredTxOut
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		stxo, err = db.getStoredTxOut(txn, height, dup, txIdx, outIdx)
		return err
	})
	return stxo, err
}

// markTxOutSpent patches the spentness of one output row without touching
// its parent tx.
func (db *DB) markTxOutSpent(txn *lmdb.Txn, stxo *records.StoredTxOut, spentBy []byte) error {
	stxo.Spentness = records.Spent
	stxo.SpentByTxInKey = spentBy
	return db.putStoredTxOut(txn, stxo, false)
}

func (db *DB) updateTxHints(txn *lmdb.Txn, stx *records.StoredTx) error {
	hintsKey := dbutils.TxHintsKey(stx.ThisHash.Bytes())
	sth := records.NewStoredTxHints(stx.ThisHash.Bytes())
	v, err := db.get(txn, dbutils.BLKDATA, hintsKey)
	if err != nil && err != ErrKeyNotFound {
		return err
	}
	if err == nil {
		if err := sth.UnserializeDBValue(serialize.NewReader(v)); err != nil {
			return err
		}
	}
	dbKey6 := dbutils.BlkDataKeyTxNoPrefix(stx.BlockHeight, stx.DuplicateID, stx.TxIndex)
	if err := sth.AddHint(dbKey6); err != nil {
		return err
	}
	if len(sth.PreferredDBKey) == 0 {
		sth.PreferredDBKey = dbKey6
	}
	var w serialize.Writer
	if err := sth.SerializeDBValue(&w); err != nil {
		return err
	}
	return db.put(txn, dbutils.BLKDATA, hintsKey, w.Bytes())
}

func (db *DB) getTxHints(txn *lmdb.Txn, txHash common.Hash) (*records.StoredTxHints, error) {
	v, err := db.get(txn, dbutils.BLKDATA, dbutils.TxHintsKey(txHash.Bytes()))
	if err != nil {
		return nil, err
	}
	sth := records.NewStoredTxHints(txHash.Bytes())
	if err := sth.UnserializeDBValue(serialize.NewReader(v)); err != nil {
		return nil, err
	}
	return sth, nil
}

// GetTxHints reads the hint record for a tx hash.
func (db *DB) GetTxHints(txHash common.Hash) (*records.StoredTxHints, error) {
	var sth *records.StoredTxHints
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		sth, err = db.getTxHints(txn, txHash)
		return err
	})
	return sth, err
}

// GetTxByHash resolves a tx hash to its stored record through TXHINTS.
// The preferred dbkey is tried first; prefix collisions are weeded out by
// recomputing the full hash.
func (db *DB) GetTxByHash(txHash common.Hash) (*records.StoredTx, error) {
	var result *records.StoredTx
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		result, err = db.getTxByHashTxn(txn, txHash)
		return err
	})
	return result, err
}

// GetFullBlock rehydrates a whole block from its rows: the header plus
// every tx with its outputs. The result can serialize back to wire bytes.
func (db *DB) GetFullBlock(hash common.Hash) (*records.StoredHeader, error) {
	var sh *records.StoredHeader
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		sh, err = db.getStoredHeaderByHash(txn, hash)
		if err != nil {
			return err
		}
		for txIdx := uint16(0); txIdx < uint16(sh.NumTx); txIdx++ {
			stx, err := db.getStoredTx(txn, sh.BlockHeight, sh.DuplicateID, txIdx, true)
			if err != nil {
				return fmt.Errorf("blockdb: block %s missing tx %d: %w", hash.Hex(), txIdx, err)
			}
			sh.AddStoredTxToMap(txIdx, stx)
		}
		return nil
	})
	return sh, err
}

// TxAvailability answers whether a tx can be produced from this database:
// EXISTS when its row is here, GETBLOCK when a pruned profile knows the
// location but not the bytes, UNKNOWN otherwise.
func (db *DB) TxAvailability(txHash common.Hash) records.TxAvail {
	stx, err := db.GetTxByHash(txHash)
	if err == nil && stx != nil {
		return records.TxExists
	}
	if db.policy.DBType() == records.DBLite {
		if _, err := db.GetTxHints(txHash); err == nil {
			return records.TxGetBlock
		}
	}
	return records.TxUnknown
}

func (db *DB) getSSH(txn *lmdb.Txn, uniqueKey []byte) (*records.StoredScriptHistory, error) {
	v, err := db.get(txn, dbutils.BLKDATA, dbutils.ScriptKey(uniqueKey))
	if err != nil {
		return nil, err
	}
	ssh := records.NewStoredScriptHistory(common.CopyBytes(uniqueKey))
	if err := ssh.UnserializeDBValue(serialize.NewReader(v)); err != nil {
		return nil, err
	}
	return ssh, nil
}

func (db *DB) putSSH(txn *lmdb.Txn, ssh *records.StoredScriptHistory) error {
	var w serialize.Writer
	if err := ssh.SerializeDBValue(db.policy, &w); err != nil {
		return err
	}
	return db.put(txn, dbutils.BLKDATA, ssh.GetDBKey(true), w.Bytes())
}

// GetSSH reads a script history by its unique key.
func (db *DB) GetSSH(uniqueKey []byte) (*records.StoredScriptHistory, error) {
	var ssh *records.StoredScriptHistory
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		ssh, err = db.getSSH(txn, uniqueKey)
		return err
	})
	return ssh, err
}

// PutSSH writes a script history in its own transaction.
func (db *DB) PutSSH(ssh *records.StoredScriptHistory) error {
	return db.Update(func(txn *lmdb.Txn) error {
		return db.putSSH(txn, ssh)
	})
}

func (db *DB) getUndoData(txn *lmdb.Txn, height uint32, dup uint8) (*records.StoredUndoData, error) {
	key := dbutils.UndoKey(height, dup)
	v, err := db.get(txn, dbutils.BLKDATA, key)
	if err != nil {
		return nil, err
	}
	su := records.NewStoredUndoData()
	if err := su.UnserializeDBKey(key); err != nil {
		return nil, err
	}
	if err := su.UnserializeDBValue(serialize.NewReader(v)); err != nil {
		return nil, err
	}
	return su, nil
}

// GetUndoData reads the undo record of a block.
func (db *DB) GetUndoData(height uint32, dup uint8) (*records.StoredUndoData, error) {
	var su *records.StoredUndoData
	err := db.View(func(txn *lmdb.Txn) error {
		var err error
		su, err = db.getUndoData(txn, height, dup)
		return err
	})
	return su, err
}

// PutUndoData writes an undo record in its own transaction.
func (db *DB) PutUndoData(su *records.StoredUndoData) error {
	return db.Update(func(txn *lmdb.Txn) error {
		return db.putUndoData(txn, su)
	})
}

func (db *DB) putUndoData(txn *lmdb.Txn, su *records.StoredUndoData) error {
	var w serialize.Writer
	if err := su.SerializeDBValue(db.policy, &w); err != nil {
		return err
	}
	return db.put(txn, dbutils.BLKDATA, su.GetDBKey(true), w.Bytes())
}
