// Package records holds the stored-record model of the engine: the eight
// record kinds that live in the HEADERS and BLKDATA stores, their
// serialise/deserialise contracts, and the database policy value every
// codec consults.
package records

// Version of the record serialization format. Bumped when a table is
// added or a value layout changes.
const Version uint32 = 0

// DBType selects how much of the chain is persisted and in what form.
type DBType uint8

const (
	DBLite DBType = iota
	DBPartial
	DBFull
	DBSuper
	DBWhatever
)

func (t DBType) String() string {
	switch t {
	case DBLite:
		return "LITE"
	case DBPartial:
		return "PARTIAL"
	case DBFull:
		return "FULL"
	case DBSuper:
		return "SUPER"
	case DBWhatever:
		return "WHATEVER"
	}
	return "INVALID"
}

type PruneType uint8

const (
	PruneAll PruneType = iota
	PruneNone
	PruneWhatever
)

// MerkleSerType selects how much of a block's merkle tree a stored header
// carries.
type MerkleSerType uint8

const (
	MerkleSerNone MerkleSerType = iota
	MerkleSerPartial
	MerkleSerFull
)

type TxSerType uint8

const (
	TxSerFull TxSerType = iota
	TxSerFragged
	TxSerCountOut
)

// Spentness of a stored txout. SpentUnknown is the state of records whose
// spentness was never resolved (pruned profiles).
type Spentness uint8

const (
	Unspent Spentness = iota
	Spent
	SpentUnknown
)

// TxAvail answers "can this tx be produced from the database":
// it exists as a row, it must be re-fetched via its block, or nothing is
// known about it.
type TxAvail uint8

const (
	TxExists TxAvail = iota
	TxGetBlock
	TxUnknown
)

// Policy carries the database profile and prune policy chosen at open.
// It is an immutable value threaded into every codec entry point; the
// zero value resolves to FULL / no pruning, which is what codecs fall
// back to when run before the database is configured.
type Policy struct {
	typ   DBType
	prune PruneType
	set   bool
}

func NewPolicy(typ DBType, prune PruneType) Policy {
	return Policy{typ: typ, prune: prune, set: true}
}

func (p Policy) DBType() DBType {
	if !p.set {
		return DBFull
	}
	return p.typ
}

func (p Policy) PruneType() PruneType {
	if !p.set {
		return PruneNone
	}
	return p.prune
}

// MerkleType maps the profile to the merkle blob a stored header carries:
// LITE keeps the full tree (it stores little else), PARTIAL and FULL keep
// just enough to verify, SUPER keeps nothing since the tree is always
// recomputable from stored txs.
func (p Policy) MerkleType() MerkleSerType {
	switch p.DBType() {
	case DBLite:
		return MerkleSerFull
	case DBPartial, DBFull:
		return MerkleSerPartial
	default:
		return MerkleSerNone
	}
}

// FragTxs reports whether txs are stored without their outputs, each
// output living at its own child key.
func (p Policy) FragTxs() bool {
	switch p.DBType() {
	case DBFull, DBSuper:
		return true
	default:
		return false
	}
}
