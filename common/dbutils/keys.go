package dbutils

import (
	"fmt"

	"github.com/utxowatch/turbo-btc/common/serialize"
)

// BlkDataType tags what a TXDATA key addresses, inferred from its length:
// 5 bytes including the prefix is a block header row, 7 a tx, 9 a txout.
type BlkDataType int

const (
	NotBlkData BlkDataType = iota
	BlkDataHeader
	BlkDataTx
	BlkDataTxOut
)

// Unset markers inside an hgtx. A height of 0xFFFFFF and a dup of 0xFF mean
// "not assigned yet".
const (
	HeightUnset uint32 = 0xFFFFFF
	DupIDUnset  uint8  = 0xFF
)

// HeightAndDupToHgtx packs a 24-bit height and an 8-bit duplicate ID into
// the 4-byte big-endian composite that orders all BLKDATA keys: height in
// the high three bytes, dup in the low byte.
func HeightAndDupToHgtx(hgt uint32, dup uint8) []byte {
	return []byte{
		byte(hgt >> 16),
		byte(hgt >> 8),
		byte(hgt),
		dup,
	}
}

func HgtxToHeight(hgtx []byte) uint32 {
	if len(hgtx) != 4 {
		return HeightUnset
	}
	return uint32(hgtx[0])<<16 | uint32(hgtx[1])<<8 | uint32(hgtx[2])
}

func HgtxToDupID(hgtx []byte) uint8 {
	if len(hgtx) != 4 {
		return DupIDUnset
	}
	return hgtx[3]
}

// BlkDataKey returns the 5-byte TXDATA key of a block.
func BlkDataKey(height uint32, dup uint8) []byte {
	return append([]byte{byte(PrefixTxData)}, HeightAndDupToHgtx(height, dup)...)
}

// BlkDataKeyTx returns the 7-byte TXDATA key of a transaction.
func BlkDataKeyTx(height uint32, dup uint8, txIdx uint16) []byte {
	var w serialize.Writer
	w.PutUint8(uint8(PrefixTxData))
	w.PutBytes(HeightAndDupToHgtx(height, dup))
	w.PutUint16BE(txIdx)
	return w.Bytes()
}

// BlkDataKeyTxOut returns the 9-byte TXDATA key of a transaction output.
func BlkDataKeyTxOut(height uint32, dup uint8, txIdx, txOutIdx uint16) []byte {
	var w serialize.Writer
	w.PutUint8(uint8(PrefixTxData))
	w.PutBytes(HeightAndDupToHgtx(height, dup))
	w.PutUint16BE(txIdx)
	w.PutUint16BE(txOutIdx)
	return w.Bytes()
}

// The NoPrefix forms produce the 4/6/8-byte bodies used for in-record
// cross references.

func BlkDataKeyNoPrefix(height uint32, dup uint8) []byte {
	return HeightAndDupToHgtx(height, dup)
}

func BlkDataKeyTxNoPrefix(height uint32, dup uint8, txIdx uint16) []byte {
	var w serialize.Writer
	w.PutBytes(HeightAndDupToHgtx(height, dup))
	w.PutUint16BE(txIdx)
	return w.Bytes()
}

func BlkDataKeyTxOutNoPrefix(height uint32, dup uint8, txIdx, txOutIdx uint16) []byte {
	var w serialize.Writer
	w.PutBytes(HeightAndDupToHgtx(height, dup))
	w.PutUint16BE(txIdx)
	w.PutUint16BE(txOutIdx)
	return w.Bytes()
}

// BlkDataKeyParts holds the decoded fields of a TXDATA key. Height and
// DupID keep their unset markers when the key cannot be decoded; TxIdx and
// TxOutIdx stay zero when the key is too short to carry them.
type BlkDataKeyParts struct {
	Height   uint32
	DupID    uint8
	TxIdx    uint16
	TxOutIdx uint16
}

// ReadBlkDataKey consumes a prefixed TXDATA key from r and dispatches on
// the remaining body length.
func ReadBlkDataKey(r *serialize.Reader) (BlkDataType, BlkDataKeyParts, error) {
	if ok, err := CheckPrefixByte(r, PrefixTxData, false); err != nil || !ok {
		return NotBlkData, BlkDataKeyParts{Height: HeightUnset, DupID: DupIDUnset}, err
	}
	return ReadBlkDataKeyNoPrefix(r)
}

// ReadBlkDataKeyNoPrefix consumes an unprefixed key body. The body length
// (4, 6 or 8 bytes) decides whether it addresses a header, tx or txout.
func ReadBlkDataKeyNoPrefix(r *serialize.Reader) (BlkDataType, BlkDataKeyParts, error) {
	parts := BlkDataKeyParts{Height: HeightUnset, DupID: DupIDUnset}
	n := r.Remaining()

	var typ BlkDataType
	switch n {
	case 4:
		typ = BlkDataHeader
	case 6:
		typ = BlkDataTx
	case 8:
		typ = BlkDataTxOut
	default:
		return NotBlkData, parts, nil
	}

	hgtx, err := r.Bytes(4)
	if err != nil {
		return NotBlkData, parts, err
	}
	parts.Height = HgtxToHeight(hgtx)
	parts.DupID = HgtxToDupID(hgtx)

	if typ == BlkDataTx || typ == BlkDataTxOut {
		if parts.TxIdx, err = r.Uint16BE(); err != nil {
			return NotBlkData, parts, err
		}
	}
	if typ == BlkDataTxOut {
		if parts.TxOutIdx, err = r.Uint16BE(); err != nil {
			return NotBlkData, parts, err
		}
	}
	return typ, parts, nil
}

// CheckPrefixByte peeks one byte and reports whether it matches the
// expected table prefix. With rewindWhenDone the cursor is restored, which
// lets callers dispatch polymorphic reads.
func CheckPrefixByte(r *serialize.Reader, expected Prefix, rewindWhenDone bool) (bool, error) {
	b, err := r.Uint8()
	if err != nil {
		return false, err
	}
	ok := Prefix(b) == expected
	if rewindWhenDone || !ok {
		r.Rewind(1)
	}
	return ok, nil
}

// CheckPrefixByteWError is like CheckPrefixByte but turns a mismatch into
// an error naming the expected table.
func CheckPrefixByteWError(r *serialize.Reader, expected Prefix, rewindWhenDone bool) error {
	b, err := r.Uint8()
	if err != nil {
		return err
	}
	if Prefix(b) != expected {
		r.Rewind(1)
		return fmt.Errorf("dbutils: expected prefix %s, got %s",
			PrefixName(expected), PrefixName(Prefix(b)))
	}
	if rewindWhenDone {
		r.Rewind(1)
	}
	return nil
}

// HeadHgtKey returns the HEADHGT key for a height.
func HeadHgtKey(height uint32) []byte {
	var w serialize.Writer
	w.PutUint8(uint8(PrefixHeadHgt))
	w.PutUint32BE(height)
	return w.Bytes()
}

// HeadHashKey returns the HEADHASH key for a block hash.
func HeadHashKey(hash []byte) []byte {
	return append([]byte{byte(PrefixHeadHash)}, hash...)
}

// TxHintsKey returns the TXHINTS key for a tx hash: the table prefix plus
// the first four bytes of the hash.
func TxHintsKey(txHash []byte) []byte {
	return append([]byte{byte(PrefixTxHints)}, txHash[:4]...)
}

// ScriptKey returns the SCRIPT table key for a script's unique key. The
// unique key already begins with its own script-type byte.
func ScriptKey(uniqueKey []byte) []byte {
	return append([]byte{byte(PrefixScript)}, uniqueKey...)
}

// UndoKey returns the UNDODATA key of a block.
func UndoKey(height uint32, dup uint8) []byte {
	return append([]byte{byte(PrefixUndoData)}, HeightAndDupToHgtx(height, dup)...)
}

// DBInfoKey is the fixed key of the global meta record.
func DBInfoKey() []byte {
	return []byte{byte(PrefixDBInfo)}
}
