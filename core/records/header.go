package records

import (
	"fmt"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// Header flags, u32 LE:
//
//	bits 0-3   serialization version
//	bits 4-7   db type
//	bits 8-9   prune type
//	bits 10-11 merkle type
func packHeaderFlags(armVer uint32, typ DBType, prune PruneType, mk MerkleSerType) uint32 {
	return (armVer & 0x0f) |
		uint32(typ&0x0f)<<4 |
		uint32(prune&0x03)<<8 |
		uint32(mk&0x03)<<10
}

func unpackHeaderFlags(flags uint32) (armVer uint32, typ DBType, prune PruneType, mk MerkleSerType) {
	return flags & 0x0f,
		DBType(flags >> 4 & 0x0f),
		PruneType(flags >> 8 & 0x03),
		MerkleSerType(flags >> 10 & 0x03)
}

// HeaderRecording holds the values read back from disk that the record
// does not enforce. Read-only after deserialisation; kept for migration
// logging and cross-checks.
type HeaderRecording struct {
	ArmVer     uint32
	BlkVer     uint32
	DBType     DBType
	PruneType  PruneType
	MerkleType MerkleSerType
}

// StoredHeader is one block's row. The raw 80-byte header lives in HEADERS
// only; the BLKDATA form repeats the counters and the merkle blob and adds
// the applied marker. The tx map is owned only while the record is being
// constructed; on write the txs are flattened into independent TXDATA rows.
type StoredHeader struct {
	DataCopy         []byte // raw 80-byte header
	ThisHash         common.Hash
	NumTx            uint32
	NumBytes         uint32
	BlockHeight      uint32
	DuplicateID      uint8
	Merkle           []byte
	MerkleIsPartial  bool
	IsMainBranch     bool
	BlockAppliedToDB bool

	IsPartial bool
	StxMap    map[uint16]*StoredTx

	Unser HeaderRecording
}

func NewStoredHeader() *StoredHeader {
	return &StoredHeader{
		BlockHeight: dbutils.HeightUnset,
		DuplicateID: dbutils.DupIDUnset,
	}
}

func (sh *StoredHeader) IsInitialized() bool { return len(sh.DataCopy) > 0 }

// HaveFullBlock reports whether the in-memory record carries every tx and
// every tx carries all its outputs.
func (sh *StoredHeader) HaveFullBlock() bool {
	if !sh.IsInitialized() || uint32(len(sh.StxMap)) != sh.NumTx {
		return false
	}
	for _, stx := range sh.StxMap {
		if stx.IsFragged && !stx.HaveAllTxOut() {
			return false
		}
	}
	return true
}

func (sh *StoredHeader) SetKeyData(hgt uint32, dup uint8) {
	sh.BlockHeight = hgt
	sh.DuplicateID = dup
	for _, stx := range sh.StxMap {
		stx.SetKeyData(hgt, dup, stx.TxIndex)
	}
}

func (sh *StoredHeader) SetHeightAndDup(hgtx []byte) {
	sh.SetKeyData(dbutils.HgtxToHeight(hgtx), dbutils.HgtxToDupID(hgtx))
}

func (sh *StoredHeader) AddStoredTxToMap(idx uint16, stx *StoredTx) {
	if sh.StxMap == nil {
		sh.StxMap = make(map[uint16]*StoredTx)
	}
	sh.StxMap[idx] = stx
}

// UnserializeHeader ingests a raw 80-byte wire header.
func (sh *StoredHeader) UnserializeHeader(header80 []byte) error {
	if len(header80) != common.Header80Length {
		return fmt.Errorf("records: header must be %d bytes, have %d",
			common.Header80Length, len(header80))
	}
	sh.DataCopy = common.CopyBytes(header80)
	sh.ThisHash = common.DoubleHashH(header80)
	return nil
}

// UnserializeFullBlock ingests a whole wire block: 80-byte header, tx
// count, txs. With doFrag the txs are prepared for fragged storage.
func (sh *StoredHeader) UnserializeFullBlock(r *serialize.Reader, doFrag bool) error {
	startPos := r.Position()
	header80, err := r.Bytes(common.Header80Length)
	if err != nil {
		return err
	}
	if err := sh.UnserializeHeader(header80); err != nil {
		return err
	}
	numTx, err := r.VarInt()
	if err != nil {
		return err
	}
	sh.NumTx = uint32(numTx)
	sh.StxMap = make(map[uint16]*StoredTx, numTx)
	for i := uint64(0); i < numTx; i++ {
		rawTx, err := readTxSpan(r)
		if err != nil {
			return fmt.Errorf("records: block tx %d: %w", i, err)
		}
		stx := NewStoredTx()
		if err := stx.CreateFromTx(rawTx, doFrag, true); err != nil {
			return fmt.Errorf("records: block tx %d: %w", i, err)
		}
		stx.TxIndex = uint16(i)
		stx.BlockHeight = sh.BlockHeight
		stx.DuplicateID = sh.DuplicateID
		for _, stxo := range stx.StxoMap {
			stxo.BlockHeight = sh.BlockHeight
			stxo.DuplicateID = sh.DuplicateID
		}
		sh.StxMap[uint16(i)] = stx
	}
	sh.NumBytes = uint32(r.Position() - startPos)
	sh.IsPartial = false
	return nil
}

// SerializeFullBlock writes the wire form back out. Requires the full
// block to be present in memory.
func (sh *StoredHeader) SerializeFullBlock(w *serialize.Writer) error {
	if !sh.HaveFullBlock() {
		return fmt.Errorf("records: block %s is not fully populated", sh.ThisHash.Hex())
	}
	w.PutBytes(sh.DataCopy)
	w.PutVarInt(uint64(sh.NumTx))
	for i := uint16(0); i < uint16(sh.NumTx); i++ {
		stx, ok := sh.StxMap[i]
		if !ok {
			return fmt.Errorf("records: block missing tx %d", i)
		}
		full, err := stx.SerializedTx()
		if err != nil {
			return err
		}
		w.PutBytes(full)
	}
	return nil
}

// GetDBKey returns the 5-byte TXDATA key of the block row.
func (sh *StoredHeader) GetDBKey(withPrefix bool) []byte {
	if withPrefix {
		return dbutils.BlkDataKey(sh.BlockHeight, sh.DuplicateID)
	}
	return dbutils.BlkDataKeyNoPrefix(sh.BlockHeight, sh.DuplicateID)
}

func (sh *StoredHeader) SerializeDBValue(db dbutils.DBSelect, pol Policy, w *serialize.Writer) error {
	if !sh.IsInitialized() {
		return fmt.Errorf("records: serializing uninitialized header")
	}
	mkType := pol.MerkleType()
	if len(sh.Merkle) == 0 {
		mkType = MerkleSerNone
	}
	w.PutUint32(packHeaderFlags(Version, pol.DBType(), pol.PruneType(), mkType))

	switch db {
	case dbutils.HEADERS:
		w.PutBytes(sh.DataCopy)
		w.PutBytes(dbutils.HeightAndDupToHgtx(sh.BlockHeight, sh.DuplicateID))
		w.PutUint32(sh.NumTx)
		w.PutUint32(sh.NumBytes)
	case dbutils.BLKDATA:
		w.PutUint32(sh.NumTx)
		w.PutUint32(sh.NumBytes)
		var applied uint8
		if sh.BlockAppliedToDB {
			applied = 1
		}
		w.PutUint8(applied)
	default:
		return fmt.Errorf("records: invalid store %s for header", db)
	}
	if mkType != MerkleSerNone {
		w.PutVarBytes(sh.Merkle)
	}
	return nil
}

func (sh *StoredHeader) UnserializeDBValue(db dbutils.DBSelect, r *serialize.Reader) error {
	flags, err := r.Uint32()
	if err != nil {
		return err
	}
	armVer, dbType, pruneType, mkType := unpackHeaderFlags(flags)

	switch db {
	case dbutils.HEADERS:
		header80, err := r.Bytes(common.Header80Length)
		if err != nil {
			return err
		}
		if err := sh.UnserializeHeader(header80); err != nil {
			return err
		}
		hgtx, err := r.Bytes(4)
		if err != nil {
			return err
		}
		sh.BlockHeight = dbutils.HgtxToHeight(hgtx)
		sh.DuplicateID = dbutils.HgtxToDupID(hgtx)
		if sh.NumTx, err = r.Uint32(); err != nil {
			return err
		}
		if sh.NumBytes, err = r.Uint32(); err != nil {
			return err
		}
	case dbutils.BLKDATA:
		if sh.NumTx, err = r.Uint32(); err != nil {
			return err
		}
		if sh.NumBytes, err = r.Uint32(); err != nil {
			return err
		}
		applied, err := r.Uint8()
		if err != nil {
			return err
		}
		sh.BlockAppliedToDB = applied != 0
	default:
		return fmt.Errorf("records: invalid store %s for header", db)
	}

	if mkType != MerkleSerNone {
		if sh.Merkle, err = r.VarBytes(); err != nil {
			return err
		}
		sh.MerkleIsPartial = mkType == MerkleSerPartial
	}

	var blkVer uint32
	if len(sh.DataCopy) >= 4 {
		blkVer = uint32(sh.DataCopy[0]) | uint32(sh.DataCopy[1])<<8 |
			uint32(sh.DataCopy[2])<<16 | uint32(sh.DataCopy[3])<<24
	}
	sh.Unser = HeaderRecording{
		ArmVer:     armVer,
		BlkVer:     blkVer,
		DBType:     dbType,
		PruneType:  pruneType,
		MerkleType: mkType,
	}
	return nil
}

// UnserializeDBKey fills the identity fields from a store key: the block
// hash for HEADERS, (height, dup) for BLKDATA.
func (sh *StoredHeader) UnserializeDBKey(db dbutils.DBSelect, key []byte) error {
	r := serialize.NewReader(key)
	switch db {
	case dbutils.HEADERS:
		if err := dbutils.CheckPrefixByteWError(r, dbutils.PrefixHeadHash, false); err != nil {
			return err
		}
		hash, err := r.Bytes(common.HashLength)
		if err != nil {
			return err
		}
		sh.ThisHash = common.BytesToHash(hash)
	case dbutils.BLKDATA:
		typ, parts, err := dbutils.ReadBlkDataKey(r)
		if err != nil {
			return err
		}
		if typ != dbutils.BlkDataHeader {
			return fmt.Errorf("records: key is not a block row")
		}
		sh.BlockHeight = parts.Height
		sh.DuplicateID = parts.DupID
	default:
		return fmt.Errorf("records: invalid store %s for header", db)
	}
	return nil
}
