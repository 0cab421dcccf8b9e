package records

import (
	"fmt"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// DupAndHash is one known block at a height.
type DupAndHash struct {
	Dup  uint8
	Hash common.Hash
}

// ErrDupHashConflict is returned when a dup ID is re-inserted with a
// different hash. The entry is replaced so the store stays usable, but the
// caller must reconcile.
var ErrDupHashConflict = fmt.Errorf("records: differing hash pushed into existing head-height dup")

// StoredHeadHgtList enumerates every known block at one height and names
// the preferred duplicate (the main-branch one). The preferred dup is in
// the list iff the list is non-empty; at most one entry per dup.
type StoredHeadHgtList struct {
	Height         uint32
	DupAndHashList []DupAndHash
	PreferredDup   uint8
}

func NewStoredHeadHgtList(height uint32) *StoredHeadHgtList {
	return &StoredHeadHgtList{
		Height:       height,
		PreferredDup: dbutils.DupIDUnset,
	}
}

func (hhl *StoredHeadHgtList) IsInitialized() bool { return hhl.Height != HeightUnset }

// AddDupAndHash inserts (dup, hash). Re-inserting an existing dup with the
// same hash is a no-op; with a different hash the entry is replaced and
// ErrDupHashConflict reported. Ordering is insertion order.
func (hhl *StoredHeadHgtList) AddDupAndHash(dup uint8, hash common.Hash) error {
	for i := range hhl.DupAndHashList {
		if hhl.DupAndHashList[i].Dup != dup {
			continue
		}
		if hhl.DupAndHashList[i].Hash == hash {
			return nil
		}
		hhl.DupAndHashList[i] = DupAndHash{Dup: dup, Hash: hash}
		return ErrDupHashConflict
	}
	hhl.DupAndHashList = append(hhl.DupAndHashList, DupAndHash{Dup: dup, Hash: hash})
	return nil
}

func (hhl *StoredHeadHgtList) SetPreferredDupID(dup uint8) { hhl.PreferredDup = dup }

// NextFreeDup returns the smallest dup ID not yet taken at this height.
func (hhl *StoredHeadHgtList) NextFreeDup() uint8 {
	for dup := uint8(0); dup < dbutils.DupIDUnset; dup++ {
		taken := false
		for i := range hhl.DupAndHashList {
			if hhl.DupAndHashList[i].Dup == dup {
				taken = true
				break
			}
		}
		if !taken {
			return dup
		}
	}
	return dbutils.DupIDUnset
}

// HashForDup returns the hash recorded for a dup, or a zero hash.
func (hhl *StoredHeadHgtList) HashForDup(dup uint8) common.Hash {
	for i := range hhl.DupAndHashList {
		if hhl.DupAndHashList[i].Dup == dup {
			return hhl.DupAndHashList[i].Hash
		}
	}
	return common.Hash{}
}

func (hhl *StoredHeadHgtList) GetDBKey(withPrefix bool) []byte {
	key := dbutils.HeadHgtKey(hhl.Height)
	if withPrefix {
		return key
	}
	return key[1:]
}

// Value: num_entries(u8) | (dup(u8) | hash(32))* | preferred_dup(u8)
func (hhl *StoredHeadHgtList) SerializeDBValue(w *serialize.Writer) error {
	if len(hhl.DupAndHashList) > 0xFF {
		return fmt.Errorf("records: %d entries in head-height list", len(hhl.DupAndHashList))
	}
	if len(hhl.DupAndHashList) > 0 && hhl.PreferredDup != dbutils.DupIDUnset {
		found := false
		for i := range hhl.DupAndHashList {
			if hhl.DupAndHashList[i].Dup == hhl.PreferredDup {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("records: preferred dup %d not in head-height list", hhl.PreferredDup)
		}
	}
	w.PutUint8(uint8(len(hhl.DupAndHashList)))
	for i := range hhl.DupAndHashList {
		w.PutUint8(hhl.DupAndHashList[i].Dup)
		w.PutBytes(hhl.DupAndHashList[i].Hash.Bytes())
	}
	w.PutUint8(hhl.PreferredDup)
	return nil
}

func (hhl *StoredHeadHgtList) UnserializeDBValue(r *serialize.Reader) error {
	count, err := r.Uint8()
	if err != nil {
		return err
	}
	hhl.DupAndHashList = make([]DupAndHash, count)
	for i := range hhl.DupAndHashList {
		if hhl.DupAndHashList[i].Dup, err = r.Uint8(); err != nil {
			return err
		}
		hash, err := r.Bytes(common.HashLength)
		if err != nil {
			return err
		}
		hhl.DupAndHashList[i].Hash = common.BytesToHash(hash)
	}
	if hhl.PreferredDup, err = r.Uint8(); err != nil {
		return err
	}
	return nil
}

func (hhl *StoredHeadHgtList) UnserializeDBKey(key []byte) error {
	r := serialize.NewReader(key)
	if err := dbutils.CheckPrefixByteWError(r, dbutils.PrefixHeadHgt, false); err != nil {
		return err
	}
	height, err := r.Uint32BE()
	if err != nil {
		return err
	}
	hhl.Height = height
	return nil
}
