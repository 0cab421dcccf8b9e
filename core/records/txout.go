package records

import (
	"bytes"
	"fmt"
	"math"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// SpentByKeyLength is the size of the TXDATA back-reference a spent output
// carries: hgtx(4) + txIdx(2) + txInIdx(2).
const SpentByKeyLength = 8

// TxOut flags, u32 LE:
//
//	bits 0-3 serialization version
//	bits 4-7 low nibble of the parent tx version
//	bits 8-9 spentness
//	bit  10  coinbase
func packTxOutFlags(armVer, txVer uint32, sp Spentness, coinbase bool) uint32 {
	f := (armVer & 0x0f) |
		(txVer&0x0f)<<4 |
		uint32(sp&0x03)<<8
	if coinbase {
		f |= 1 << 10
	}
	return f
}

func unpackTxOutFlags(flags uint32) (armVer, txVer uint32, sp Spentness, coinbase bool) {
	return flags & 0x0f, flags >> 4 & 0x0f,
		Spentness(flags >> 8 & 0x03), flags>>10&0x01 != 0
}

type TxOutRecording struct {
	ArmVer uint32
}

// StoredTxOut is one output row, written at the 9-byte child key of its
// tx so spentness can be patched without touching the parent.
type StoredTxOut struct {
	TxVersion   uint32
	DataCopy    []byte // value(8 LE) + script_len(varint) + script
	BlockHeight uint32
	DuplicateID uint8
	TxIndex     uint16
	TxOutIndex  uint16
	ParentHash  common.Hash
	Spentness   Spentness
	IsCoinbase  bool
	// SpentByTxInKey points at the consuming txin row. Present iff the
	// output is spent (or spentness was force-saved).
	SpentByTxInKey []byte

	Unser TxOutRecording
}

func NewStoredTxOut() *StoredTxOut {
	return &StoredTxOut{
		TxVersion:   math.MaxUint32,
		BlockHeight: dbutils.HeightUnset,
		DuplicateID: dbutils.DupIDUnset,
		TxIndex:     0xFFFF,
		TxOutIndex:  0xFFFF,
		Spentness:   SpentUnknown,
	}
}

func (so *StoredTxOut) IsInitialized() bool { return len(so.DataCopy) > 0 }

// Value returns the output amount. On a record whose raw copy is shorter
// than 8 bytes it returns MaxUint64; callers must treat that sentinel as
// "unknown", never as an amount.
func (so *StoredTxOut) Value() uint64 {
	if len(so.DataCopy) < 8 {
		return math.MaxUint64
	}
	v, _ := serialize.NewReader(so.DataCopy).Uint64()
	return v
}

// ScriptRef returns the locking script bytes, aliasing the raw copy.
func (so *StoredTxOut) ScriptRef() []byte {
	r := serialize.NewReader(so.DataCopy)
	if err := r.Advance(8); err != nil {
		return nil
	}
	script, err := r.VarBytes()
	if err != nil {
		return nil
	}
	return script
}

func (so *StoredTxOut) GetDBKey(withPrefix bool) []byte {
	if withPrefix {
		return dbutils.BlkDataKeyTxOut(so.BlockHeight, so.DuplicateID, so.TxIndex, so.TxOutIndex)
	}
	return dbutils.BlkDataKeyTxOutNoPrefix(so.BlockHeight, so.DuplicateID, so.TxIndex, so.TxOutIndex)
}

func (so *StoredTxOut) GetDBKeyOfParentTx(withPrefix bool) []byte {
	if withPrefix {
		return dbutils.BlkDataKeyTx(so.BlockHeight, so.DuplicateID, so.TxIndex)
	}
	return dbutils.BlkDataKeyTxNoPrefix(so.BlockHeight, so.DuplicateID, so.TxIndex)
}

// MatchesDBKey reports whether dbkey (6 or 8 bytes, unprefixed) refers to
// this output or its parent tx.
func (so *StoredTxOut) MatchesDBKey(dbkey []byte) bool {
	switch len(dbkey) {
	case 6:
		return bytes.Equal(dbkey, so.GetDBKeyOfParentTx(false))
	case 8:
		return bytes.Equal(dbkey, so.GetDBKey(false))
	}
	return false
}

// SerializeDBValue writes the row. forceSaveSpent emits the spent-by field
// even when unspent, required when atomically pre-writing records that
// will be patched in place.
func (so *StoredTxOut) SerializeDBValue(pol Policy, forceSaveSpent bool, w *serialize.Writer) error {
	if !so.IsInitialized() {
		return fmt.Errorf("records: serializing uninitialized txout")
	}
	sp := so.Spentness
	if pol.PruneType() == PruneAll {
		// a fully pruned db keeps no spentness; everything present is spendable
		sp = SpentUnknown
	}
	w.PutUint32(packTxOutFlags(Version, so.TxVersion, sp, so.IsCoinbase))
	w.PutBytes(so.DataCopy)
	if sp == Spent || forceSaveSpent {
		if sp == Spent {
			if len(so.SpentByTxInKey) != SpentByKeyLength {
				return fmt.Errorf("records: spent txout lacks its spent-by key")
			}
			w.PutBytes(so.SpentByTxInKey)
		} else {
			w.PutBytes(make([]byte, SpentByKeyLength))
		}
	}
	return nil
}

func (so *StoredTxOut) UnserializeDBValue(r *serialize.Reader) error {
	flags, err := r.Uint32()
	if err != nil {
		return err
	}
	armVer, txVerNibble, sp, coinbase := unpackTxOutFlags(flags)
	_ = txVerNibble

	start := r.Position()
	if err := r.Advance(8); err != nil {
		return err
	}
	if _, err := r.VarBytes(); err != nil {
		return err
	}
	end := r.Position()
	r.Rewind(end - start)
	if so.DataCopy, err = r.Bytes(end - start); err != nil {
		return err
	}

	so.Spentness = sp
	so.IsCoinbase = coinbase
	so.SpentByTxInKey = nil
	if sp == Spent {
		if so.SpentByTxInKey, err = r.Bytes(SpentByKeyLength); err != nil {
			return err
		}
	} else if r.Remaining() >= SpentByKeyLength {
		// force-saved zero key; consume and discard
		if err := r.Advance(SpentByKeyLength); err != nil {
			return err
		}
	}
	so.Unser = TxOutRecording{ArmVer: armVer}
	return nil
}

func (so *StoredTxOut) UnserializeDBKey(key []byte) error {
	typ, parts, err := dbutils.ReadBlkDataKey(serialize.NewReader(key))
	if err != nil {
		return err
	}
	if typ != dbutils.BlkDataTxOut {
		return fmt.Errorf("records: key is not a txout row")
	}
	so.BlockHeight = parts.Height
	so.DuplicateID = parts.DupID
	so.TxIndex = parts.TxIdx
	so.TxOutIndex = parts.TxOutIdx
	return nil
}
