package records

import (
	"fmt"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// ScriptUniqueKey derives the SCRIPT table key body for a locking script:
// a type byte followed by the first 20 bytes of dsha256(script). Scripts
// are opaque to the engine; no interpretation happens here.
func ScriptUniqueKey(script []byte) []byte {
	h := common.DoubleHashH(script)
	return append([]byte{0x00}, h.Bytes()[:20]...)
}

// SSH flags, u32 LE:
//
//	bits 0-3 serialization version
//	bits 4-7 db type
//	bits 8-9 prune type
func packSSHFlags(armVer uint32, typ DBType, prune PruneType) uint32 {
	return (armVer & 0x0f) |
		uint32(typ&0x0f)<<4 |
		uint32(prune&0x03)<<8
}

func unpackSSHFlags(flags uint32) (armVer uint32, typ DBType, prune PruneType) {
	return flags & 0x0f, DBType(flags >> 4 & 0x0f), PruneType(flags >> 8 & 0x03)
}

type SSHRecording struct {
	ArmVer    uint32
	DBType    DBType
	PruneType PruneType
}

// StoredScriptHistory is the per-script receipt/spend ledger. UniqueKey
// includes the script-type byte; TxioVect is kept strictly chronological
// (height, tx index, output index) with no duplicate keys.
type StoredScriptHistory struct {
	UniqueKey             []byte
	Version               uint32
	AlreadyScannedUpToBlk uint32
	TxioVect              []TxIOPair
	MultisigDBKeys        [][]byte

	Unser SSHRecording
}

func NewStoredScriptHistory(uniqueKey []byte) *StoredScriptHistory {
	return &StoredScriptHistory{
		UniqueKey: uniqueKey,
		Version:   Version,
	}
}

func (ssh *StoredScriptHistory) IsInitialized() bool { return len(ssh.UniqueKey) > 0 }

// InsertTxio appends a txio row, keeping chronological order. A row with a
// key already present is rejected; rows arriving out of order are placed
// at their sorted position.
func (ssh *StoredScriptHistory) InsertTxio(txio TxIOPair) error {
	if len(txio.TxOutKey) != SpentByKeyLength {
		return fmt.Errorf("records: txio with %d-byte txout key", len(txio.TxOutKey))
	}
	n := len(ssh.TxioVect)
	pos := n
	for i := n - 1; i >= 0; i-- {
		if ssh.TxioVect[i].SameKey(&txio) {
			return fmt.Errorf("records: duplicate txio %x in script history", txio.TxOutKey)
		}
		if ssh.TxioVect[i].Less(&txio) {
			break
		}
		pos = i
	}
	ssh.TxioVect = append(ssh.TxioVect, TxIOPair{})
	copy(ssh.TxioVect[pos+1:], ssh.TxioVect[pos:])
	ssh.TxioVect[pos] = txio
	return nil
}

// MarkTxOutSpent records the spending input key on the row funding it.
func (ssh *StoredScriptHistory) MarkTxOutSpent(txOutKey, txInKey []byte) error {
	for i := range ssh.TxioVect {
		if string(ssh.TxioVect[i].TxOutKey) == string(txOutKey) {
			ssh.TxioVect[i].TxInKey = txInKey
			return nil
		}
	}
	return fmt.Errorf("records: txout %x not in script history", txOutKey)
}

// UnspendTxOut clears the spending reference on the row funding txOutKey,
// used when a rewind restores the output.
func (ssh *StoredScriptHistory) UnspendTxOut(txOutKey []byte) error {
	for i := range ssh.TxioVect {
		if string(ssh.TxioVect[i].TxOutKey) == string(txOutKey) {
			ssh.TxioVect[i].TxInKey = nil
			return nil
		}
	}
	return fmt.Errorf("records: txout %x not in script history", txOutKey)
}

// EraseTxiosAtHeight drops every row funded at the given height and clears
// spending references written by that height, used when the block is
// rewound.
func (ssh *StoredScriptHistory) EraseTxiosAtHeight(height uint32) {
	kept := ssh.TxioVect[:0]
	for i := range ssh.TxioVect {
		txio := ssh.TxioVect[i]
		if txio.Height() == height {
			continue
		}
		if txio.HasTxIn() && dbutils.HgtxToHeight(txio.TxInKey[:4]) == height {
			txio.TxInKey = nil
		}
		kept = append(kept, txio)
	}
	ssh.TxioVect = kept
}

// ScriptReceived sums every value ever paid to the script.
func (ssh *StoredScriptHistory) ScriptReceived() uint64 {
	var total uint64
	for i := range ssh.TxioVect {
		total += ssh.TxioVect[i].ValueOf
	}
	return total
}

// ScriptBalance sums the rows not yet spent.
func (ssh *StoredScriptHistory) ScriptBalance() uint64 {
	var total uint64
	for i := range ssh.TxioVect {
		if !ssh.TxioVect[i].HasTxIn() {
			total += ssh.TxioVect[i].ValueOf
		}
	}
	return total
}

func (ssh *StoredScriptHistory) GetDBKey(withPrefix bool) []byte {
	if withPrefix {
		return dbutils.ScriptKey(ssh.UniqueKey)
	}
	return ssh.UniqueKey
}

func (ssh *StoredScriptHistory) SerializeDBValue(pol Policy, w *serialize.Writer) error {
	if !ssh.IsInitialized() {
		return fmt.Errorf("records: serializing uninitialized script history")
	}
	w.PutUint32(packSSHFlags(Version, pol.DBType(), pol.PruneType()))
	w.PutUint32(ssh.AlreadyScannedUpToBlk)
	w.PutVarInt(uint64(len(ssh.TxioVect)))
	for i := range ssh.TxioVect {
		if err := ssh.TxioVect[i].Serialize(w); err != nil {
			return err
		}
	}
	w.PutVarInt(uint64(len(ssh.MultisigDBKeys)))
	for _, key := range ssh.MultisigDBKeys {
		if len(key) != SpentByKeyLength {
			return fmt.Errorf("records: multisig dbkey of %d bytes", len(key))
		}
		w.PutBytes(key)
	}
	return nil
}

func (ssh *StoredScriptHistory) UnserializeDBValue(r *serialize.Reader) error {
	flags, err := r.Uint32()
	if err != nil {
		return err
	}
	armVer, dbType, pruneType := unpackSSHFlags(flags)
	if ssh.AlreadyScannedUpToBlk, err = r.Uint32(); err != nil {
		return err
	}
	txioCount, err := r.VarInt()
	if err != nil {
		return err
	}
	ssh.TxioVect = make([]TxIOPair, txioCount)
	for i := range ssh.TxioVect {
		if err := ssh.TxioVect[i].Unserialize(r); err != nil {
			return err
		}
	}
	msCount, err := r.VarInt()
	if err != nil {
		return err
	}
	ssh.MultisigDBKeys = make([][]byte, msCount)
	for i := range ssh.MultisigDBKeys {
		if ssh.MultisigDBKeys[i], err = r.Bytes(SpentByKeyLength); err != nil {
			return err
		}
	}
	ssh.Unser = SSHRecording{ArmVer: armVer, DBType: dbType, PruneType: pruneType}
	return nil
}

// UnserializeDBKey fills UniqueKey from a SCRIPT table key.
func (ssh *StoredScriptHistory) UnserializeDBKey(key []byte, withPrefix bool) error {
	r := serialize.NewReader(key)
	if withPrefix {
		if err := dbutils.CheckPrefixByteWError(r, dbutils.PrefixScript, false); err != nil {
			return err
		}
	}
	ssh.UniqueKey = r.RemainingBytes()
	if len(ssh.UniqueKey) == 0 {
		return fmt.Errorf("records: empty script history key")
	}
	return nil
}
