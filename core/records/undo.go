package records

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// StoredUndoData is written once per applied block and consumed on rewind:
// the outputs the block spent (with enough data to restore them) and the
// outpoints it created (to delete them again).
type StoredUndoData struct {
	BlockHash   common.Hash
	BlockHeight uint32
	DuplicateID uint8

	StxOutsRemovedByBlock []*StoredTxOut
	OutPointsAddedByBlock []wire.OutPoint
}

func NewStoredUndoData() *StoredUndoData {
	return &StoredUndoData{
		BlockHeight: dbutils.HeightUnset,
		DuplicateID: dbutils.DupIDUnset,
	}
}

func (su *StoredUndoData) IsInitialized() bool {
	return len(su.OutPointsAddedByBlock) > 0 || len(su.StxOutsRemovedByBlock) > 0
}

func (su *StoredUndoData) GetDBKey(withPrefix bool) []byte {
	if withPrefix {
		return dbutils.UndoKey(su.BlockHeight, su.DuplicateID)
	}
	return dbutils.BlkDataKeyNoPrefix(su.BlockHeight, su.DuplicateID)
}

// Value: block_hash(32) | num_removed(varint) | (key8 | parent_hash(32) |
// stxo value with forced spent-by field)* | num_added(varint) |
// (tx_hash(32) | out_idx(u32 LE))*
func (su *StoredUndoData) SerializeDBValue(pol Policy, w *serialize.Writer) error {
	w.PutBytes(su.BlockHash.Bytes())
	w.PutVarInt(uint64(len(su.StxOutsRemovedByBlock)))
	for _, stxo := range su.StxOutsRemovedByBlock {
		w.PutBytes(stxo.GetDBKey(false))
		w.PutBytes(stxo.ParentHash.Bytes())
		// force the spent-by field so every undo row has a fixed tail and
		// can be re-inserted as spent-by-nothing on rewind
		if err := stxo.SerializeDBValue(pol, true, w); err != nil {
			return err
		}
	}
	w.PutVarInt(uint64(len(su.OutPointsAddedByBlock)))
	for i := range su.OutPointsAddedByBlock {
		op := &su.OutPointsAddedByBlock[i]
		w.PutBytes(op.Hash[:])
		w.PutUint32(op.Index)
	}
	return nil
}

func (su *StoredUndoData) UnserializeDBValue(r *serialize.Reader) error {
	hash, err := r.Bytes(common.HashLength)
	if err != nil {
		return err
	}
	su.BlockHash = common.BytesToHash(hash)

	numRemoved, err := r.VarInt()
	if err != nil {
		return err
	}
	su.StxOutsRemovedByBlock = make([]*StoredTxOut, 0, numRemoved)
	for i := uint64(0); i < numRemoved; i++ {
		key8, err := r.Bytes(SpentByKeyLength)
		if err != nil {
			return err
		}
		parentHash, err := r.Bytes(common.HashLength)
		if err != nil {
			return err
		}
		stxo := NewStoredTxOut()
		if err := stxo.UnserializeDBKey(append([]byte{byte(dbutils.PrefixTxData)}, key8...)); err != nil {
			return err
		}
		if err := stxo.UnserializeDBValue(r); err != nil {
			return err
		}
		stxo.ParentHash = common.BytesToHash(parentHash)
		su.StxOutsRemovedByBlock = append(su.StxOutsRemovedByBlock, stxo)
	}

	numAdded, err := r.VarInt()
	if err != nil {
		return err
	}
	su.OutPointsAddedByBlock = make([]wire.OutPoint, numAdded)
	for i := uint64(0); i < numAdded; i++ {
		txHash, err := r.Bytes(common.HashLength)
		if err != nil {
			return err
		}
		idx, err := r.Uint32()
		if err != nil {
			return err
		}
		copy(su.OutPointsAddedByBlock[i].Hash[:], txHash)
		su.OutPointsAddedByBlock[i].Index = idx
	}
	return nil
}

func (su *StoredUndoData) UnserializeDBKey(key []byte) error {
	r := serialize.NewReader(key)
	if err := dbutils.CheckPrefixByteWError(r, dbutils.PrefixUndoData, false); err != nil {
		return err
	}
	hgtx, err := r.Bytes(4)
	if err != nil {
		return err
	}
	su.BlockHeight = dbutils.HgtxToHeight(hgtx)
	su.DuplicateID = dbutils.HgtxToDupID(hgtx)
	return nil
}

// OutPointForHash is a small convenience for engine code building undo
// records.
func OutPointForHash(txHash common.Hash, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash(txHash), Index: index}
}
