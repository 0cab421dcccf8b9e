package records

import (
	"fmt"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// HeightUnset marks a DBInfo that has no top block yet.
const HeightUnset uint32 = 0xFFFFFFFF

// StoredDBInfo is the global meta record, present in both stores. It
// exists iff the database has been initialised; its top hash must agree
// with the header stored at (top height, preferred dup).
//
// Value: magic(4) | top_height(u32 LE) | top_hash(32) | armory_version(u32 LE) |
// db_type(u8) | prune_type(u8)
type StoredDBInfo struct {
	Magic      []byte
	TopBlkHgt  uint32
	TopBlkHash common.Hash
	ArmoryVer  uint32
	DBType     DBType
	PruneType  PruneType
}

// NewStoredDBInfo builds the record written at database init.
func NewStoredDBInfo(magic []byte, pol Policy) *StoredDBInfo {
	return &StoredDBInfo{
		Magic:     common.CopyBytes(magic),
		TopBlkHgt: HeightUnset,
		ArmoryVer: Version,
		DBType:    pol.DBType(),
		PruneType: pol.PruneType(),
	}
}

func (s *StoredDBInfo) IsInitialized() bool { return len(s.Magic) > 0 }

func (s *StoredDBInfo) GetDBKey() []byte { return dbutils.DBInfoKey() }

func (s *StoredDBInfo) SerializeDBValue(w *serialize.Writer) error {
	if len(s.Magic) != 4 {
		return fmt.Errorf("records: dbinfo magic must be 4 bytes, have %d", len(s.Magic))
	}
	w.PutBytes(s.Magic)
	w.PutUint32(s.TopBlkHgt)
	w.PutBytes(s.TopBlkHash.Bytes())
	w.PutUint32(s.ArmoryVer)
	w.PutUint8(uint8(s.DBType))
	w.PutUint8(uint8(s.PruneType))
	return nil
}

func (s *StoredDBInfo) UnserializeDBValue(r *serialize.Reader) error {
	magic, err := r.Bytes(4)
	if err != nil {
		return err
	}
	if s.TopBlkHgt, err = r.Uint32(); err != nil {
		return err
	}
	hash, err := r.Bytes(common.HashLength)
	if err != nil {
		return err
	}
	if s.ArmoryVer, err = r.Uint32(); err != nil {
		return err
	}
	dbType, err := r.Uint8()
	if err != nil {
		return err
	}
	pruneType, err := r.Uint8()
	if err != nil {
		return err
	}
	s.Magic = magic
	s.TopBlkHash = common.BytesToHash(hash)
	s.DBType = DBType(dbType)
	s.PruneType = PruneType(pruneType)
	return nil
}
