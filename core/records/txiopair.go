package records

import (
	"bytes"
	"fmt"

	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// TxIOPair is one row of a script history: the 8-byte dbkey of the output
// that paid the script, the value it carried, and, once spent, the 8-byte
// dbkey of the consuming input.
type TxIOPair struct {
	TxOutKey     []byte
	TxInKey      []byte
	ValueOf      uint64
	FromCoinbase bool
}

func (t *TxIOPair) HasTxIn() bool { return len(t.TxInKey) == SpentByKeyLength }

func (t *TxIOPair) Height() uint32 {
	if len(t.TxOutKey) < 4 {
		return dbutils.HeightUnset
	}
	return dbutils.HgtxToHeight(t.TxOutKey[:4])
}

func (t *TxIOPair) DupID() uint8 {
	if len(t.TxOutKey) < 4 {
		return dbutils.DupIDUnset
	}
	return dbutils.HgtxToDupID(t.TxOutKey[:4])
}

func (t *TxIOPair) TxIdx() uint16 {
	if len(t.TxOutKey) < 6 {
		return 0xFFFF
	}
	return uint16(t.TxOutKey[4])<<8 | uint16(t.TxOutKey[5])
}

func (t *TxIOPair) TxOutIdx() uint16 {
	if len(t.TxOutKey) < 8 {
		return 0xFFFF
	}
	return uint16(t.TxOutKey[6])<<8 | uint16(t.TxOutKey[7])
}

// Less orders txio rows chronologically: height, then tx index, then
// output index. The keys are big-endian, so byte order is that order.
func (t *TxIOPair) Less(other *TxIOPair) bool {
	return bytes.Compare(t.TxOutKey, other.TxOutKey) < 0
}

func (t *TxIOPair) SameKey(other *TxIOPair) bool {
	return bytes.Equal(t.TxOutKey, other.TxOutKey)
}

// txio record: flags(u8: hasTxIn, coinbase) | value(u64 LE) |
// txout_key(8) | [txin_key(8)]
func (t *TxIOPair) Serialize(w *serialize.Writer) error {
	if len(t.TxOutKey) != SpentByKeyLength {
		return fmt.Errorf("records: txio with %d-byte txout key", len(t.TxOutKey))
	}
	var flags uint8
	if t.HasTxIn() {
		flags |= 1
	}
	if t.FromCoinbase {
		flags |= 2
	}
	w.PutUint8(flags)
	w.PutUint64(t.ValueOf)
	w.PutBytes(t.TxOutKey)
	if t.HasTxIn() {
		w.PutBytes(t.TxInKey)
	}
	return nil
}

func (t *TxIOPair) Unserialize(r *serialize.Reader) error {
	flags, err := r.Uint8()
	if err != nil {
		return err
	}
	if t.ValueOf, err = r.Uint64(); err != nil {
		return err
	}
	if t.TxOutKey, err = r.Bytes(SpentByKeyLength); err != nil {
		return err
	}
	t.TxInKey = nil
	if flags&1 != 0 {
		if t.TxInKey, err = r.Bytes(SpentByKeyLength); err != nil {
			return err
		}
	}
	t.FromCoinbase = flags&2 != 0
	return nil
}
