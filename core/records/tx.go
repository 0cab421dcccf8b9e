package records

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// Tx flags, u32 LE:
//
//	bits 0-3 serialization version
//	bits 4-7 low nibble of the tx version
//	bits 8-9 tx serialize type
func packTxFlags(armVer, txVer uint32, ser TxSerType) uint32 {
	return (armVer & 0x0f) |
		(txVer&0x0f)<<4 |
		uint32(ser&0x03)<<8
}

func unpackTxFlags(flags uint32) (armVer, txVer uint32, ser TxSerType) {
	return flags & 0x0f, flags >> 4 & 0x0f, TxSerType(flags >> 8 & 0x03)
}

// TxRecording holds what was on disk at read time, unenforced.
type TxRecording struct {
	ArmVer    uint32
	TxVer     uint32
	TxSerType TxSerType
}

// StoredTx is one transaction row. In fragged form DataCopy carries the
// tx without its outputs (version, inputs, locktime); the outputs live at
// the row's 9-byte child keys so spentness can be patched one output at a
// time without rewriting the tx.
type StoredTx struct {
	ThisHash common.Hash
	LockTime uint32

	DataCopy    []byte
	IsFragged   bool
	Version     uint32
	BlockHeight uint32
	DuplicateID uint8
	TxIndex     uint16
	NumTxOut    uint16
	NumBytes    uint32
	FragBytes   uint32

	StxoMap map[uint16]*StoredTxOut

	Unser TxRecording
}

func NewStoredTx() *StoredTx {
	return &StoredTx{
		BlockHeight: dbutils.HeightUnset,
		DuplicateID: dbutils.DupIDUnset,
		TxIndex:     0xFFFF,
	}
}

func (st *StoredTx) IsInitialized() bool { return len(st.DataCopy) > 0 }

// HaveAllTxOut reports whether every output of a fragged tx is present in
// the in-memory map. A fragged tx must be paired with its outputs to be
// rehydrated.
func (st *StoredTx) HaveAllTxOut() bool {
	if !st.IsInitialized() {
		return false
	}
	if !st.IsFragged {
		return true
	}
	for i := uint16(0); i < st.NumTxOut; i++ {
		if _, ok := st.StxoMap[i]; !ok {
			return false
		}
	}
	return true
}

func (st *StoredTx) SetKeyData(height uint32, dup uint8, txIdx uint16) {
	st.BlockHeight = height
	st.DuplicateID = dup
	st.TxIndex = txIdx
	for i, stxo := range st.StxoMap {
		stxo.BlockHeight = height
		stxo.DuplicateID = dup
		stxo.TxIndex = txIdx
		stxo.TxOutIndex = i
	}
}

func (st *StoredTx) AddStoredTxOutToMap(idx uint16, stxo *StoredTxOut) {
	if st.StxoMap == nil {
		st.StxoMap = make(map[uint16]*StoredTxOut)
	}
	st.StxoMap[idx] = stxo
}

// readTxSpan consumes one legacy-serialized tx from r and returns its raw
// bytes.
func readTxSpan(r *serialize.Reader) ([]byte, error) {
	start := r.Position()
	if err := r.Advance(4); err != nil { // version
		return nil, err
	}
	numIn, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < numIn; i++ {
		if err := r.Advance(36); err != nil { // outpoint
			return nil, err
		}
		scriptLen, err := r.VarInt()
		if err != nil {
			return nil, err
		}
		if err := r.Advance(int(scriptLen) + 4); err != nil { // script + sequence
			return nil, err
		}
	}
	numOut, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < numOut; i++ {
		if err := r.Advance(8); err != nil { // value
			return nil, err
		}
		scriptLen, err := r.VarInt()
		if err != nil {
			return nil, err
		}
		if err := r.Advance(int(scriptLen)); err != nil {
			return nil, err
		}
	}
	if err := r.Advance(4); err != nil { // locktime
		return nil, err
	}
	end := r.Position()
	r.Rewind(end - start)
	return r.Bytes(end - start)
}

// CreateFromTx ingests a raw legacy-serialized tx. With doFrag the record
// keeps the fragged encoding (header + inputs + locktime, outputs
// stripped); with withTxOuts every output becomes a StoredTxOut in the
// child map.
func (st *StoredTx) CreateFromTx(rawTx []byte, doFrag, withTxOuts bool) error {
	r := serialize.NewReader(rawTx)

	version, err := r.Uint32()
	if err != nil {
		return err
	}
	numIn, err := r.VarInt()
	if err != nil {
		return err
	}
	for i := uint64(0); i < numIn; i++ {
		if err := r.Advance(36); err != nil {
			return err
		}
		scriptLen, err := r.VarInt()
		if err != nil {
			return err
		}
		if err := r.Advance(int(scriptLen) + 4); err != nil {
			return err
		}
	}
	endOfIns := r.Position()

	numOut, err := r.VarInt()
	if err != nil {
		return err
	}
	if numOut > 0xFFFF {
		return fmt.Errorf("records: tx with %d outputs", numOut)
	}
	outSpans := make([][]byte, 0, numOut)
	for i := uint64(0); i < numOut; i++ {
		outStart := r.Position()
		if err := r.Advance(8); err != nil {
			return err
		}
		scriptLen, err := r.VarInt()
		if err != nil {
			return err
		}
		if err := r.Advance(int(scriptLen)); err != nil {
			return err
		}
		outSpans = append(outSpans, rawTx[outStart:r.Position()])
	}

	lockTime, err := r.Uint32()
	if err != nil {
		return err
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("records: %d trailing bytes after tx", r.Remaining())
	}

	st.ThisHash = common.DoubleHashH(rawTx)
	st.Version = version
	st.LockTime = lockTime
	st.NumTxOut = uint16(numOut)
	st.NumBytes = uint32(len(rawTx))

	// Fragged encoding: version | inputs | locktime, no outputs. FragBytes
	// records its length so reassembly is allocation-precise.
	st.FragBytes = uint32(4 + (endOfIns - 4) + 4)
	if doFrag {
		frag := make([]byte, 0, st.FragBytes)
		frag = append(frag, rawTx[:endOfIns]...)
		frag = append(frag, rawTx[len(rawTx)-4:]...)
		st.DataCopy = frag
		st.IsFragged = true
	} else {
		st.DataCopy = common.CopyBytes(rawTx)
		st.IsFragged = false
	}

	if withTxOuts {
		st.StxoMap = make(map[uint16]*StoredTxOut, numOut)
		for i, span := range outSpans {
			stxo := NewStoredTxOut()
			stxo.DataCopy = common.CopyBytes(span)
			stxo.TxVersion = version
			stxo.ParentHash = st.ThisHash
			stxo.TxOutIndex = uint16(i)
			stxo.Spentness = SpentUnknown
			st.StxoMap[uint16(i)] = stxo
		}
	}
	return nil
}

// PopulateTxOuts fills the output map of a full (non-fragged) record by
// re-parsing its raw copy.
func (st *StoredTx) PopulateTxOuts() error {
	if !st.IsInitialized() {
		return fmt.Errorf("records: tx not initialized")
	}
	if st.IsFragged {
		return fmt.Errorf("records: fragged tx outputs live at child keys")
	}
	clone := NewStoredTx()
	if err := clone.CreateFromTx(st.DataCopy, false, true); err != nil {
		return err
	}
	st.StxoMap = clone.StxoMap
	for i, stxo := range st.StxoMap {
		stxo.BlockHeight = st.BlockHeight
		stxo.DuplicateID = st.DuplicateID
		stxo.TxIndex = st.TxIndex
		stxo.TxOutIndex = i
	}
	return nil
}

// InputOutPoints parses the outpoints consumed by this tx out of the raw
// copy. Works on both full and fragged data since inputs precede outputs.
func (st *StoredTx) InputOutPoints() ([]wire.OutPoint, error) {
	if !st.IsInitialized() {
		return nil, fmt.Errorf("records: tx not initialized")
	}
	r := serialize.NewReader(st.DataCopy)
	if err := r.Advance(4); err != nil {
		return nil, err
	}
	numIn, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	outPoints := make([]wire.OutPoint, numIn)
	for i := uint64(0); i < numIn; i++ {
		hash, err := r.Bytes(32)
		if err != nil {
			return nil, err
		}
		idx, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		copy(outPoints[i].Hash[:], hash)
		outPoints[i].Index = idx
		scriptLen, err := r.VarInt()
		if err != nil {
			return nil, err
		}
		if err := r.Advance(int(scriptLen) + 4); err != nil {
			return nil, err
		}
	}
	return outPoints, nil
}

// IsCoinbase reports whether the tx spends the null outpoint.
func (st *StoredTx) IsCoinbase() bool {
	ops, err := st.InputOutPoints()
	if err != nil || len(ops) != 1 {
		return false
	}
	return ops[0].Index == 0xFFFFFFFF && ops[0].Hash == (chainhash.Hash{})
}

// SerializedTxFragged returns the fragged encoding regardless of how the
// record was built.
func (st *StoredTx) SerializedTxFragged() ([]byte, error) {
	if !st.IsInitialized() {
		return nil, fmt.Errorf("records: tx not initialized")
	}
	if st.IsFragged {
		return common.CopyBytes(st.DataCopy), nil
	}
	clone := NewStoredTx()
	if err := clone.CreateFromTx(st.DataCopy, true, false); err != nil {
		return nil, err
	}
	return clone.DataCopy, nil
}

// SerializedTx reassembles the full wire tx. For a fragged record every
// output must be present in the child map.
func (st *StoredTx) SerializedTx() ([]byte, error) {
	if !st.IsInitialized() {
		return nil, fmt.Errorf("records: tx not initialized")
	}
	if !st.IsFragged {
		return common.CopyBytes(st.DataCopy), nil
	}
	if !st.HaveAllTxOut() {
		return nil, fmt.Errorf("records: fragged tx %s is missing outputs", st.ThisHash.Hex())
	}
	var w serialize.Writer
	w.PutBytes(st.DataCopy[:len(st.DataCopy)-4])
	w.PutVarInt(uint64(st.NumTxOut))
	for i := uint16(0); i < st.NumTxOut; i++ {
		w.PutBytes(st.StxoMap[i].DataCopy)
	}
	w.PutBytes(st.DataCopy[len(st.DataCopy)-4:])
	return w.Bytes(), nil
}

func (st *StoredTx) GetDBKey(withPrefix bool) []byte {
	if withPrefix {
		return dbutils.BlkDataKeyTx(st.BlockHeight, st.DuplicateID, st.TxIndex)
	}
	return dbutils.BlkDataKeyTxNoPrefix(st.BlockHeight, st.DuplicateID, st.TxIndex)
}

// GetDBKeyOfChild returns the key of the i-th output row.
func (st *StoredTx) GetDBKeyOfChild(i uint16, withPrefix bool) []byte {
	if withPrefix {
		return dbutils.BlkDataKeyTxOut(st.BlockHeight, st.DuplicateID, st.TxIndex, i)
	}
	return dbutils.BlkDataKeyTxOutNoPrefix(st.BlockHeight, st.DuplicateID, st.TxIndex, i)
}

// SerializeDBValue writes the TXDATA row. Fragged rows append the output
// count so rehydration knows how many child rows to fetch.
func (st *StoredTx) SerializeDBValue(pol Policy, w *serialize.Writer) error {
	if !st.IsInitialized() {
		return fmt.Errorf("records: serializing uninitialized tx")
	}
	ser := TxSerFull
	if st.IsFragged {
		ser = TxSerFragged
	}
	w.PutUint32(packTxFlags(Version, st.Version, ser))
	w.PutBytes(st.DataCopy)
	if st.IsFragged {
		w.PutUint16(st.NumTxOut)
	}
	return nil
}

func (st *StoredTx) UnserializeDBValue(r *serialize.Reader) error {
	flags, err := r.Uint32()
	if err != nil {
		return err
	}
	armVer, txVerNibble, ser := unpackTxFlags(flags)

	start := r.Position()
	version, err := r.Uint32()
	if err != nil {
		return err
	}
	numIn, err := r.VarInt()
	if err != nil {
		return err
	}
	for i := uint64(0); i < numIn; i++ {
		if err := r.Advance(36); err != nil {
			return err
		}
		scriptLen, err := r.VarInt()
		if err != nil {
			return err
		}
		if err := r.Advance(int(scriptLen) + 4); err != nil {
			return err
		}
	}

	switch ser {
	case TxSerFragged:
		lockTime, err := r.Uint32()
		if err != nil {
			return err
		}
		end := r.Position()
		r.Rewind(end - start)
		if st.DataCopy, err = r.Bytes(end - start); err != nil {
			return err
		}
		if st.NumTxOut, err = r.Uint16(); err != nil {
			return err
		}
		st.IsFragged = true
		st.LockTime = lockTime
		st.FragBytes = uint32(len(st.DataCopy))
	case TxSerFull:
		// rewind and re-consume as one full tx span
		r.Rewind(r.Position() - start)
		raw, err := readTxSpan(r)
		if err != nil {
			return err
		}
		full := NewStoredTx()
		if err := full.CreateFromTx(raw, false, false); err != nil {
			return err
		}
		st.DataCopy = full.DataCopy
		st.ThisHash = full.ThisHash
		st.NumTxOut = full.NumTxOut
		st.NumBytes = full.NumBytes
		st.FragBytes = full.FragBytes
		st.LockTime = full.LockTime
		st.IsFragged = false
	default:
		return fmt.Errorf("records: unsupported tx serialize type %d", ser)
	}

	st.Version = version
	st.Unser = TxRecording{ArmVer: armVer, TxVer: txVerNibble, TxSerType: ser}
	return nil
}

func (st *StoredTx) UnserializeDBKey(key []byte) error {
	typ, parts, err := dbutils.ReadBlkDataKey(serialize.NewReader(key))
	if err != nil {
		return err
	}
	if typ != dbutils.BlkDataTx {
		return fmt.Errorf("records: key is not a tx row")
	}
	st.BlockHeight = parts.Height
	st.DuplicateID = parts.DupID
	st.TxIndex = parts.TxIdx
	return nil
}
