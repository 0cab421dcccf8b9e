package blockdb

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/ledgerwatch/lmdb-go/lmdb"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
	"github.com/utxowatch/turbo-btc/core/records"
)

// ApplyBlock commits a fully-populated block: flattens the header's tx map
// into TXDATA rows, marks the outputs it consumes as spent, maintains tx
// hints and script histories, writes the undo record, and advances the
// recorded top. The block's dup becomes the preferred one at its height.
func (db *DB) ApplyBlock(sh *records.StoredHeader) error {
	if !sh.HaveFullBlock() {
		return fmt.Errorf("blockdb: cannot apply partial block %s", sh.ThisHash.Hex())
	}

	err := db.Update(func(txn *lmdb.Txn) error {
		undo := records.NewStoredUndoData()
		undo.BlockHash = sh.ThisHash
		undo.BlockHeight = sh.BlockHeight
		undo.DuplicateID = sh.DuplicateID

		touchedSSH := make(map[string]*records.StoredScriptHistory)
		sshFor := func(uniqueKey []byte) (*records.StoredScriptHistory, error) {
			if ssh, ok := touchedSSH[string(uniqueKey)]; ok {
				return ssh, nil
			}
			ssh, err := db.getSSH(txn, uniqueKey)
			if err == ErrKeyNotFound {
				ssh = records.NewStoredScriptHistory(common.CopyBytes(uniqueKey))
			} else if err != nil {
				return nil, err
			}
			touchedSSH[string(uniqueKey)] = ssh
			return ssh, nil
		}

		// spend phase: resolve every input against the existing utxo rows
		for txIdx := uint16(0); txIdx < uint16(sh.NumTx); txIdx++ {
			stx := sh.StxMap[txIdx]
			if stx.IsCoinbase() {
				continue
			}
			outPoints, err := stx.InputOutPoints()
			if err != nil {
				return err
			}
			for inIdx, op := range outPoints {
				prevTx, err := db.getTxByHashTxn(txn, common.Hash(op.Hash))
				if err != nil {
					return fmt.Errorf("blockdb: block %d spends unknown tx %x: %w",
						sh.BlockHeight, op.Hash, err)
				}
				prevOut, err := db.getStoredTxOut(txn,
					prevTx.BlockHeight, prevTx.DuplicateID, prevTx.TxIndex, uint16(op.Index))
				if err != nil {
					return fmt.Errorf("blockdb: block %d spends unknown output %x:%d: %w",
						sh.BlockHeight, op.Hash, op.Index, err)
				}
				if prevOut.Spentness == records.Spent {
					return fmt.Errorf("blockdb: output %x:%d already spent by %x",
						op.Hash, op.Index, prevOut.SpentByTxInKey)
				}

				restore := *prevOut
				restore.Spentness = records.Unspent
				restore.SpentByTxInKey = nil
				restore.ParentHash = common.Hash(op.Hash)
				undo.StxOutsRemovedByBlock = append(undo.StxOutsRemovedByBlock, &restore)

				spentBy := dbutils.BlkDataKeyTxOutNoPrefix(
					sh.BlockHeight, sh.DuplicateID, txIdx, uint16(inIdx))
				if err := db.markTxOutSpent(txn, prevOut, spentBy); err != nil {
					return err
				}

				ssh, err := sshFor(records.ScriptUniqueKey(prevOut.ScriptRef()))
				if err != nil {
					return err
				}
				if err := ssh.MarkTxOutSpent(prevOut.GetDBKey(false), spentBy); err != nil {
					db.log.Warn("Spent output missing from script history",
						"height", sh.BlockHeight, "err", err)
				}
			}
		}

		// create phase: write txs, outputs, hints, histories
		for txIdx := uint16(0); txIdx < uint16(sh.NumTx); txIdx++ {
			stx := sh.StxMap[txIdx]
			stx.SetKeyData(sh.BlockHeight, sh.DuplicateID, txIdx)
			coinbase := stx.IsCoinbase()
			for outIdx := uint16(0); outIdx < stx.NumTxOut; outIdx++ {
				stxo := stx.StxoMap[outIdx]
				stxo.Spentness = records.Unspent
				stxo.IsCoinbase = coinbase
			}
			if err := db.putStoredTx(txn, stx, true); err != nil {
				return err
			}
			for outIdx := uint16(0); outIdx < stx.NumTxOut; outIdx++ {
				stxo := stx.StxoMap[outIdx]
				if !stx.IsFragged {
					// LITE-style storage keeps the outputs inside the tx row;
					// the utxo row is still written so spentness is patchable
					if err := db.putStoredTxOut(txn, stxo, false); err != nil {
						return err
					}
				}
				undo.OutPointsAddedByBlock = append(undo.OutPointsAddedByBlock,
					records.OutPointForHash(stx.ThisHash, uint32(outIdx)))

				ssh, err := sshFor(records.ScriptUniqueKey(stxo.ScriptRef()))
				if err != nil {
					return err
				}
				err = ssh.InsertTxio(records.TxIOPair{
					TxOutKey:     stxo.GetDBKey(false),
					ValueOf:      stxo.Value(),
					FromCoinbase: coinbase,
				})
				if err != nil {
					return err
				}
			}
		}

		for _, ssh := range touchedSSH {
			if ssh.AlreadyScannedUpToBlk < sh.BlockHeight {
				ssh.AlreadyScannedUpToBlk = sh.BlockHeight
			}
			if err := db.putSSH(txn, ssh); err != nil {
				return err
			}
		}

		if err := db.putUndoData(txn, undo); err != nil {
			return err
		}

		sh.IsMainBranch = true
		sh.BlockAppliedToDB = true
		if err := db.putStoredHeader(txn, sh); err != nil {
			return err
		}

		info, err := db.getDBInfo(txn, dbutils.BLKDATA)
		if err != nil {
			return err
		}
		if info.TopBlkHgt == records.HeightUnset || sh.BlockHeight > info.TopBlkHgt {
			if err := db.setTopBlock(txn, sh.BlockHeight, sh.ThisHash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.log.Debug("Applied block", "height", sh.BlockHeight, "dup", sh.DuplicateID,
		"txs", sh.NumTx, "size", datasize.ByteSize(sh.NumBytes).HumanReadable())
	return nil
}

// getTxByHashTxn is GetTxByHash inside an existing transaction.
func (db *DB) getTxByHashTxn(txn *lmdb.Txn, txHash common.Hash) (*records.StoredTx, error) {
	sth, err := db.getTxHints(txn, txHash)
	if err != nil {
		return nil, err
	}
	tryKeys := sth.DBKeyList
	if len(sth.PreferredDBKey) > 0 {
		tryKeys = append([][]byte{sth.PreferredDBKey}, tryKeys...)
	}
	seen := make(map[string]struct{}, len(tryKeys))
	for _, k := range tryKeys {
		if _, ok := seen[string(k)]; ok {
			continue
		}
		seen[string(k)] = struct{}{}
		height := dbutils.HgtxToHeight(k[:4])
		dup := dbutils.HgtxToDupID(k[:4])
		txIdx := uint16(k[4])<<8 | uint16(k[5])
		stx, err := db.getStoredTx(txn, height, dup, txIdx, true)
		if err == ErrKeyNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		full, err := stx.SerializedTx()
		if err != nil {
			continue
		}
		if common.DoubleHashH(full) == txHash {
			stx.ThisHash = txHash
			return stx, nil
		}
	}
	return nil, ErrKeyNotFound
}

// UndoBlock rewinds the block at (height, dup) using its undo record:
// rows the block created are deleted, the outputs it consumed are restored
// unspent, and the top moves down to the prior height. The undo record is
// consumed.
func (db *DB) UndoBlock(height uint32, dup uint8) error {
	err := db.Update(func(txn *lmdb.Txn) error {
		undo, err := db.getUndoData(txn, height, dup)
		if err != nil {
			return fmt.Errorf("blockdb: no undo data for %d/%d: %w", height, dup, err)
		}

		touchedSSH := make(map[string]*records.StoredScriptHistory)
		sshFor := func(uniqueKey []byte) (*records.StoredScriptHistory, error) {
			if ssh, ok := touchedSSH[string(uniqueKey)]; ok {
				return ssh, nil
			}
			ssh, err := db.getSSH(txn, uniqueKey)
			if err != nil {
				return nil, err
			}
			touchedSSH[string(uniqueKey)] = ssh
			return ssh, nil
		}

		// drop everything the block created
		for _, op := range undo.OutPointsAddedByBlock {
			stx, err := db.getTxByHashTxn(txn, common.Hash(op.Hash))
			if err == ErrKeyNotFound {
				continue // earlier outpoint of the same tx already removed it
			}
			if err != nil {
				return err
			}
			if stxo, ok := stx.StxoMap[uint16(op.Index)]; ok {
				ssh, err := sshFor(records.ScriptUniqueKey(stxo.ScriptRef()))
				if err == nil {
					ssh.EraseTxiosAtHeight(height)
				} else if err != ErrKeyNotFound {
					return err
				}
			}
			for outIdx := uint16(0); outIdx < stx.NumTxOut; outIdx++ {
				if err := db.del(txn, dbutils.BLKDATA, stx.GetDBKeyOfChild(outIdx, true)); err != nil {
					return err
				}
			}
			if err := db.del(txn, dbutils.BLKDATA, stx.GetDBKey(true)); err != nil {
				return err
			}
			if err := db.dropTxHint(txn, common.Hash(op.Hash), stx); err != nil {
				return err
			}
		}

		// restore what it consumed
		for _, stxo := range undo.StxOutsRemovedByBlock {
			if err := db.putStoredTxOut(txn, stxo, false); err != nil {
				return err
			}
			ssh, err := sshFor(records.ScriptUniqueKey(stxo.ScriptRef()))
			if err == ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err := ssh.UnspendTxOut(stxo.GetDBKey(false)); err != nil {
				db.log.Warn("Restored output missing from script history", "err", err)
			}
		}

		for _, ssh := range touchedSSH {
			if ssh.AlreadyScannedUpToBlk >= height && height > 0 {
				ssh.AlreadyScannedUpToBlk = height - 1
			}
			if err := db.putSSH(txn, ssh); err != nil {
				return err
			}
		}

		// the block header stays known but is no longer applied
		sh, err := db.getStoredHeaderByHash(txn, undo.BlockHash)
		if err == nil {
			sh.BlockAppliedToDB = false
			sh.IsMainBranch = false
			if err := db.rewriteHeader(txn, sh); err != nil {
				return err
			}
		} else if err != ErrKeyNotFound {
			return err
		}

		if height > 0 {
			prev, err := db.getHeadHgtList(txn, height-1)
			if err == nil {
				if err := db.setTopBlock(txn, height-1, prev.HashForDup(prev.PreferredDup)); err != nil {
					return err
				}
			} else if err != ErrKeyNotFound {
				return err
			}
		} else {
			if err := db.setTopBlock(txn, records.HeightUnset, common.Hash{}); err != nil {
				return err
			}
		}

		return db.del(txn, dbutils.BLKDATA, undo.GetDBKey(true))
	})
	if err != nil {
		return err
	}
	db.log.Debug("Unwound block", "height", height, "dup", dup)
	return nil
}

// dropTxHint removes the tx's dbkey from its hint record, deleting the
// record when it empties.
func (db *DB) dropTxHint(txn *lmdb.Txn, txHash common.Hash, stx *records.StoredTx) error {
	sth, err := db.getTxHints(txn, txHash)
	if err == ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	sth.RemoveHint(dbutils.BlkDataKeyTxNoPrefix(stx.BlockHeight, stx.DuplicateID, stx.TxIndex))
	if sth.NumHints() == 0 {
		return db.del(txn, dbutils.BLKDATA, sth.GetDBKey(true))
	}
	if len(sth.PreferredDBKey) == 0 {
		sth.PreferredDBKey = sth.DBKeyList[0]
	}
	var w serialize.Writer
	if err := sth.SerializeDBValue(&w); err != nil {
		return err
	}
	return db.put(txn, dbutils.BLKDATA, sth.GetDBKey(true), w.Bytes())
}

// rewriteHeader rewrites both header rows without touching the head-height
// list.
func (db *DB) rewriteHeader(txn *lmdb.Txn, sh *records.StoredHeader) error {
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
