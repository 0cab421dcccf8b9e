package records

import (
	"bytes"
	"fmt"

	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// TxHintKeyLength is the size of one hint entry: hgtx(4) + txIdx(2).
const TxHintKeyLength = 6

// StoredTxHints maps a 4-byte tx-hash prefix to the 6-byte dbkeys of every
// stored tx sharing it. PreferredDBKey disambiguates when several branches
// contain the same tx; it must appear in the list whenever it is set.
type StoredTxHints struct {
	TxHashPrefix   []byte
	DBKeyList      [][]byte
	PreferredDBKey []byte
}

func NewStoredTxHints(txHash []byte) *StoredTxHints {
	return &StoredTxHints{TxHashPrefix: txHash[:4]}
}

func (sth *StoredTxHints) IsInitialized() bool { return len(sth.TxHashPrefix) > 0 }

func (sth *StoredTxHints) NumHints() int { return len(sth.DBKeyList) }

// AddHint appends a 6-byte dbkey if not already present.
func (sth *StoredTxHints) AddHint(dbKey6 []byte) error {
	if len(dbKey6) != TxHintKeyLength {
		return fmt.Errorf("records: tx hint of %d bytes", len(dbKey6))
	}
	for _, k := range sth.DBKeyList {
		if bytes.Equal(k, dbKey6) {
			return nil
		}
	}
	sth.DBKeyList = append(sth.DBKeyList, dbKey6)
	return nil
}

// RemoveHint drops a dbkey from the list, clearing the preferred key if it
// pointed there.
func (sth *StoredTxHints) RemoveHint(dbKey6 []byte) {
	for i, k := range sth.DBKeyList {
		if bytes.Equal(k, dbKey6) {
			sth.DBKeyList = append(sth.DBKeyList[:i], sth.DBKeyList[i+1:]...)
			break
		}
	}
	if bytes.Equal(sth.PreferredDBKey, dbKey6) {
		sth.PreferredDBKey = nil
	}
}

func (sth *StoredTxHints) SetPreferredTx(height uint32, dup uint8, txIdx uint16) {
	sth.PreferredDBKey = dbutils.BlkDataKeyTxNoPrefix(height, dup, txIdx)
}

func (sth *StoredTxHints) GetDBKey(withPrefix bool) []byte {
	if withPrefix {
		return append([]byte{byte(dbutils.PrefixTxHints)}, sth.TxHashPrefix...)
	}
	return sth.TxHashPrefix
}

// Value: num_hints(varint) | (dbkey(6))* | preferred(6, absent when unset)
func (sth *StoredTxHints) SerializeDBValue(w *serialize.Writer) error {
	if len(sth.PreferredDBKey) > 0 {
		found := false
		for _, k := range sth.DBKeyList {
			if bytes.Equal(k, sth.PreferredDBKey) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("records: preferred tx hint %x not in hint list", sth.PreferredDBKey)
		}
	}
	w.PutVarInt(uint64(len(sth.DBKeyList)))
	for _, k := range sth.DBKeyList {
		if len(k) != TxHintKeyLength {
			return fmt.Errorf("records: tx hint of %d bytes", len(k))
		}
		w.PutBytes(k)
	}
	w.PutBytes(sth.PreferredDBKey)
	return nil
}

func (sth *StoredTxHints) UnserializeDBValue(r *serialize.Reader) error {
	numHints, err := r.VarInt()
	if err != nil {
		return err
	}
	sth.DBKeyList = make([][]byte, numHints)
	for i := uint64(0); i < numHints; i++ {
		if sth.DBKeyList[i], err = r.Bytes(TxHintKeyLength); err != nil {
			return err
		}
	}
	sth.PreferredDBKey = nil
	if r.Remaining() >= TxHintKeyLength {
		if sth.PreferredDBKey, err = r.Bytes(TxHintKeyLength); err != nil {
			return err
		}
	}
	return nil
}

func (sth *StoredTxHints) UnserializeDBKey(key []byte, withPrefix bool) error {
	r := serialize.NewReader(key)
	if withPrefix {
		if err := dbutils.CheckPrefixByteWError(r, dbutils.PrefixTxHints, false); err != nil {
			return err
		}
	}
	prefix, err := r.Bytes(4)
	if err != nil {
		return err
	}
	sth.TxHashPrefix = prefix
	return nil
}
