package dbutils

import (
	"sort"

	"github.com/ledgerwatch/lmdb-go/lmdb"
)

// The database is split into two physical stores. HEADERS is small and hot
// (header metadata only), BLKDATA carries everything else.
type DBSelect int

const (
	HEADERS DBSelect = iota
	BLKDATA
	DBCount
)

func (d DBSelect) String() string {
	switch d {
	case HEADERS:
		return "HEADERS"
	case BLKDATA:
		return "BLKDATA"
	}
	return "UNKNOWN"
}

// Prefix is the single byte that names a logical table. All keys in both
// stores start with one. Assignments are stable across database versions;
// adding a table requires a new prefix and a version bump in DBInfo.
type Prefix uint8

const (
	// Global meta record, present in both stores. Key body is empty.
	PrefixDBInfo Prefix = 0x00

	// Header by hash.
	// Key: prefix || block_hash(32)
	// Value: flags || header80 || hgtx(4) || numTx || numBytes || merkle blob
	PrefixHeadHash Prefix = 0x01

	// All known headers at a height, with the preferred duplicate ID.
	// Key: prefix || height (u32 BE)
	// Value: count(u8) || (dup(u8) || hash(32))* || preferredDup(u8)
	PrefixHeadHgt Prefix = 0x02

	// Block, tx and txout rows share one table so that sorted iteration
	// walks a block's rows contiguously.
	// Key: prefix || hgtx(4) [|| txIdx (u16 BE) [|| txOutIdx (u16 BE)]]
	PrefixTxData Prefix = 0x03

	// Tx-hash prefix to the list of 6-byte dbkeys sharing it.
	// Key: prefix || first 4 bytes of tx hash
	PrefixTxHints Prefix = 0x04

	// Per-script history. Key body is the script's unique key, which
	// itself begins with a script-type byte.
	PrefixScript Prefix = 0x05

	// Per-block undo data, written on apply, consumed on rewind.
	// Key: prefix || hgtx(4)
	PrefixUndoData Prefix = 0x06

	// Reserved for authenticated index nodes. No codec is defined yet.
	PrefixTrieNodes Prefix = 0x07

	PrefixCount Prefix = 0x08
)

var prefixNames = map[Prefix]string{
	PrefixDBInfo:    "DBINFO",
	PrefixHeadHash:  "HEADHASH",
	PrefixHeadHgt:   "HEADHGT",
	PrefixTxData:    "TXDATA",
	PrefixTxHints:   "TXHINTS",
	PrefixScript:    "SCRIPT",
	PrefixUndoData:  "UNDODATA",
	PrefixTrieNodes: "TRIENODES",
}

// PrefixName returns the table name for a prefix byte, for logs.
func PrefixName(p Prefix) string {
	if n, ok := prefixNames[p]; ok {
		return n
	}
	return "INVALID"
}

// Store names, one lmdb DBI each.
const (
	HeadersStore    = "headers"
	BlkDataStore    = "blkdata"
	MigrationsStore = "migrations"
)

type StoreConfigItem struct {
	Flags uint
	DBI   lmdb.DBI
}

type StoresCfg map[string]StoreConfigItem

// Stores - list of all stores. App will panic if some store is not in this
// list. Sorted in `init`.
var Stores = []string{
	HeadersStore,
	BlkDataStore,
	MigrationsStore,
}

var StoresConfigs = StoresCfg{
	HeadersStore: {},
	BlkDataStore: {},
	MigrationsStore: {},
}

// StoreForPrefix names the physical store a table lives in. DBINFO exists
// in both; callers address it per store.
func StoreForPrefix(p Prefix) string {
	switch p {
	case PrefixHeadHash, PrefixHeadHgt:
		return HeadersStore
	default:
		return BlkDataStore
	}
}

func sortStores() {
	sort.Strings(Stores)
}

func init() {
	sortStores()
	for _, name := range Stores {
		if _, ok := StoresConfigs[name]; !ok {
			StoresConfigs[name] = StoreConfigItem{}
		}
	}
}
