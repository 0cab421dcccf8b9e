package records

import (
	"bytes"
	"math"
	"testing"

	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/common/serialize"
)

// buildRawTx assembles a legacy-serialized tx with the given output values.
func buildRawTx(values ...uint64) []byte {
	var w serialize.Writer
	w.PutUint32(1) // version
	w.PutVarInt(1) // one input
	w.PutBytes(make([]byte, 32))
	w.PutUint32(0xFFFFFFFF) // outpoint index (coinbase-style)
	w.PutVarBytes([]byte{0x04, 0xde, 0xad, 0xbe, 0xef})
	w.PutUint32(0xFFFFFFFF) // sequence
	w.PutVarInt(uint64(len(values)))
	for i, v := range values {
		w.PutUint64(v)
		w.PutVarBytes([]byte{0x76, 0xa9, byte(i), 0x88, 0xac})
	}
	w.PutUint32(0) // locktime
	return w.Bytes()
}

func buildRawBlock(numTx int) []byte {
	var w serialize.Writer
	header := make([]byte, common.Header80Length)
	header[0] = 1 // block version
	w.PutBytes(header)
	w.PutVarInt(uint64(numTx))
	for i := 0; i < numTx; i++ {
		w.PutBytes(buildRawTx(uint64(1000*(i+1)), uint64(2000*(i+1))))
	}
	return w.Bytes()
}

func TestDBInfoRoundTrip(t *testing.T) {
	pol := NewPolicy(DBFull, PruneNone)
	info := NewStoredDBInfo([]byte{0xf9, 0xbe, 0xb4, 0xd9}, pol)
	info.TopBlkHgt = 1234
	info.TopBlkHash = common.DoubleHashH([]byte("top"))

	var w serialize.Writer
	if err := info.SerializeDBValue(&w); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	var got StoredDBInfo
	if err := got.UnserializeDBValue(serialize.NewReader(w.Bytes())); err != nil {
		t.Fatalf("unserialize: %v", err)
	}
	if !bytes.Equal(got.Magic, info.Magic) || got.TopBlkHgt != 1234 ||
		got.TopBlkHash != info.TopBlkHash || got.DBType != DBFull || got.PruneType != PruneNone {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// stable bytes
	var w2 serialize.Writer
	if err := info.SerializeDBValue(&w2); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Equal(w.Bytes(), w2.Bytes()) {
		t.Error("serialization is not byte-stable")
	}
}

func TestPolicyDefaults(t *testing.T) {
	var pol Policy
	if pol.DBType() != DBFull || pol.PruneType() != PruneNone {
		t.Errorf("zero policy must resolve to FULL/NONE, got %s/%d", pol.DBType(), pol.PruneType())
	}
	if NewPolicy(DBLite, PruneAll).DBType() != DBLite {
		t.Error("explicit policy overridden")
	}
	if NewPolicy(DBSuper, PruneNone).MerkleType() != MerkleSerNone {
		t.Error("SUPER must store no merkle")
	}
	if NewPolicy(DBLite, PruneNone).MerkleType() != MerkleSerFull {
		t.Error("LITE must store the full merkle")
	}
	if !NewPolicy(DBFull, PruneNone).FragTxs() {
		t.Error("FULL must frag txs")
	}
	if NewPolicy(DBLite, PruneNone).FragTxs() {
		t.Error("LITE must not frag txs")
	}
}

func TestStoredHeaderRoundTrip(t *testing.T) {
	pol := NewPolicy(DBFull, PruneNone)
	sh := NewStoredHeader()
	if err := sh.UnserializeFullBlock(serialize.NewReader(buildRawBlock(3)), true); err != nil {
		t.Fatalf("unserialize full block: %v", err)
	}
	sh.SetKeyData(100, 0)
	sh.NumBytes = uint32(len(buildRawBlock(3)))
	sh.Merkle = common.DoubleHashH([]byte("merkle")).Bytes()
	sh.BlockAppliedToDB = true

	if sh.NumTx != 3 || len(sh.StxMap) != 3 {
		t.Fatalf("expected 3 txs, got %d/%d", sh.NumTx, len(sh.StxMap))
	}
	if !sh.HaveFullBlock() {
		t.Error("expected full block")
	}

	for _, db := range []dbutils.DBSelect{dbutils.HEADERS, dbutils.BLKDATA} {
		var w serialize.Writer
		if err := sh.SerializeDBValue(db, pol, &w); err != nil {
			t.Fatalf("%s serialize: %v", db, err)
		}
		got := NewStoredHeader()
		if err := got.UnserializeDBValue(db, serialize.NewReader(w.Bytes())); err != nil {
			t.Fatalf("%s unserialize: %v", db, err)
		}
		if got.NumTx != sh.NumTx || got.NumBytes != sh.NumBytes {
			t.Errorf("%s: counters mismatch: %d/%d", db, got.NumTx, got.NumBytes)
		}
		if !bytes.Equal(got.Merkle, sh.Merkle) {
			t.Errorf("%s: merkle mismatch", db)
		}
		if got.Unser.MerkleType != MerkleSerPartial {
			t.Errorf("%s: expected partial merkle recording, got %d", db, got.Unser.MerkleType)
		}
		if db == dbutils.HEADERS {
			if got.ThisHash != sh.ThisHash {
				t.Errorf("hash not recovered from raw header")
			}
			if got.BlockHeight != 100 || got.DuplicateID != 0 {
				t.Errorf("hgtx not recovered: %d/%d", got.BlockHeight, got.DuplicateID)
			}
			if got.Unser.BlkVer != 1 {
				t.Errorf("expected block version 1, got %d", got.Unser.BlkVer)
			}
		}
		if db == dbutils.BLKDATA && !got.BlockAppliedToDB {
			t.Error("applied marker lost")
		}
	}
}

func TestStoredHeaderSuperStoresNoMerkle(t *testing.T) {
	pol := NewPolicy(DBSuper, PruneNone)
	sh := NewStoredHeader()
	if err := sh.UnserializeHeader(make([]byte, 80)); err != nil {
		t.Fatal(err)
	}
	sh.Merkle = []byte{1, 2, 3}

	var w serialize.Writer
	if err := sh.SerializeDBValue(dbutils.HEADERS, pol, &w); err != nil {
		t.Fatal(err)
	}
	got := NewStoredHeader()
	if err := got.UnserializeDBValue(dbutils.HEADERS, serialize.NewReader(w.Bytes())); err != nil {
		t.Fatal(err)
	}
	if len(got.Merkle) != 0 {
		t.Errorf("SUPER profile stored a merkle blob: %x", got.Merkle)
	}
}

func TestHeaderFullBlockRoundTrip(t *testing.T) {
	raw := buildRawBlock(2)
	sh := NewStoredHeader()
	if err := sh.UnserializeFullBlock(serialize.NewReader(raw), true); err != nil {
		t.Fatal(err)
	}
	var w serialize.Writer
	if err := sh.SerializeFullBlock(&w); err != nil {
		t.Fatalf("serialize full block: %v", err)
	}
	if !bytes.Equal(w.Bytes(), raw) {
		t.Error("full block did not round-trip byte-identically")
	}
}

func TestStoredTxFraggedRoundTrip(t *testing.T) {
	pol := NewPolicy(DBFull, PruneNone)
	raw := buildRawTx(50000, 26000)

	stx := NewStoredTx()
	if err := stx.CreateFromTx(raw, true, true); err != nil {
		t.Fatalf("create: %v", err)
	}
	stx.SetKeyData(123456, 2, 7)

	if stx.NumTxOut != 2 || !stx.IsFragged {
		t.Fatalf("unexpected frag state: numTxOut=%d fragged=%v", stx.NumTxOut, stx.IsFragged)
	}
	if stx.NumBytes != uint32(len(raw)) {
		t.Errorf("numBytes: expected %d, got %d", len(raw), stx.NumBytes)
	}
	if stx.FragBytes != uint32(len(stx.DataCopy)) {
		t.Errorf("fragBytes %d does not match frag encoding %d", stx.FragBytes, len(stx.DataCopy))
	}

	// full tx reassembles byte-identically from frag + outputs
	full, err := stx.SerializedTx()
	if err != nil {
		t.Fatalf("serialized tx: %v", err)
	}
	if !bytes.Equal(full, raw) {
		t.Error("reassembled tx differs from wire bytes")
	}

	var w serialize.Writer
	if err := stx.SerializeDBValue(pol, &w); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got := NewStoredTx()
	if err := got.UnserializeDBValue(serialize.NewReader(w.Bytes())); err != nil {
		t.Fatalf("unserialize: %v", err)
	}
	if !got.IsFragged || got.NumTxOut != 2 || got.Version != 1 || got.LockTime != 0 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !bytes.Equal(got.DataCopy, stx.DataCopy) {
		t.Error("frag data mismatch")
	}
	if got.Unser.TxSerType != TxSerFragged {
		t.Errorf("expected fragged recording, got %d", got.Unser.TxSerType)
	}
}

func TestStoredTxFullRoundTrip(t *testing.T) {
	pol := NewPolicy(DBLite, PruneNone)
	raw := buildRawTx(999)

	stx := NewStoredTx()
	if err := stx.CreateFromTx(raw, false, false); err != nil {
		t.Fatal(err)
	}
	var w serialize.Writer
	if err := stx.SerializeDBValue(pol, &w); err != nil {
		t.Fatal(err)
	}
	got := NewStoredTx()
	if err := got.UnserializeDBValue(serialize.NewReader(w.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got.IsFragged {
		t.Error("full tx read back as fragged")
	}
	if !bytes.Equal(got.DataCopy, raw) {
		t.Error("full tx data mismatch")
	}
	if got.ThisHash != stx.ThisHash {
		t.Error("full tx hash not recovered")
	}
}

func TestStoredTxChildKeys(t *testing.T) {
	stx := NewStoredTx()
	if err := stx.CreateFromTx(buildRawTx(1, 2, 3), true, true); err != nil {
		t.Fatal(err)
	}
	stx.SetKeyData(500, 1, 9)
	child := stx.GetDBKeyOfChild(2, true)
	want := dbutils.BlkDataKeyTxOut(500, 1, 9, 2)
	if !bytes.Equal(child, want) {
		t.Errorf("child key: expected %x, got %x", want, child)
	}
	if !stx.StxoMap[2].MatchesDBKey(stx.GetDBKeyOfChild(2, false)) {
		t.Error("child stxo does not match its own key")
	}
	if !stx.StxoMap[2].MatchesDBKey(stx.GetDBKey(false)) {
		t.Error("child stxo does not match parent key")
	}
}

func TestStoredTxOutSpentness(t *testing.T) {
	pol := NewPolicy(DBFull, PruneNone)

	stxo := NewStoredTxOut()
	var w serialize.Writer
	w.PutUint64(25000)
	w.PutVarBytes([]byte{0x76, 0xa9, 0x14})
	stxo.DataCopy = w.Bytes()
	stxo.TxVersion = 1
	stxo.BlockHeight = 100
	stxo.DuplicateID = 0
	stxo.TxIndex = 1
	stxo.TxOutIndex = 0
	stxo.Spentness = Unspent

	// unspent, no force: spent-by field absent after round trip
	var v1 serialize.Writer
	if err := stxo.SerializeDBValue(pol, false, &v1); err != nil {
		t.Fatal(err)
	}
	got := NewStoredTxOut()
	if err := got.UnserializeDBValue(serialize.NewReader(v1.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got.Spentness != Unspent || len(got.SpentByTxInKey) != 0 {
		t.Errorf("unspent round trip: spentness=%d spentBy=%x", got.Spentness, got.SpentByTxInKey)
	}
	if got.Value() != 25000 {
		t.Errorf("value: expected 25000, got %d", got.Value())
	}

	// force-saved: value grows by the key length, reads back clean
	var v2 serialize.Writer
	if err := stxo.SerializeDBValue(pol, true, &v2); err != nil {
		t.Fatal(err)
	}
	if v2.Len() != v1.Len()+SpentByKeyLength {
		t.Errorf("force-save did not emit the spent-by field: %d vs %d", v2.Len(), v1.Len())
	}
	got2 := NewStoredTxOut()
	if err := got2.UnserializeDBValue(serialize.NewReader(v2.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got2.Spentness != Unspent || len(got2.SpentByTxInKey) != 0 {
		t.Errorf("force-saved unspent read back dirty: %+v", got2)
	}

	// spent: key required and round-trips
	stxo.Spentness = Spent
	var v3 serialize.Writer
	if err := stxo.SerializeDBValue(pol, false, &v3); err == nil {
		t.Error("expected error: spent without spent-by key")
	}
	stxo.SpentByTxInKey = dbutils.BlkDataKeyTxOutNoPrefix(101, 0, 4, 2)
	v3 = serialize.Writer{}
	if err := stxo.SerializeDBValue(pol, false, &v3); err != nil {
		t.Fatal(err)
	}
	got3 := NewStoredTxOut()
	if err := got3.UnserializeDBValue(serialize.NewReader(v3.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got3.Spentness != Spent || !bytes.Equal(got3.SpentByTxInKey, stxo.SpentByTxInKey) {
		t.Errorf("spent round trip: %+v", got3)
	}
}

func TestStoredTxOutValueSentinel(t *testing.T) {
	stxo := NewStoredTxOut()
	stxo.DataCopy = []byte{1, 2, 3}
	if stxo.Value() != math.MaxUint64 {
		t.Errorf("short txout must return the MaxUint64 sentinel, got %d", stxo.Value())
	}
}

func TestSSHRoundTripAndOrder(t *testing.T) {
	pol := NewPolicy(DBFull, PruneNone)
	ssh := NewStoredScriptHistory(append([]byte{0x00}, common.DoubleHashH([]byte("script")).Bytes()[:20]...))
	ssh.AlreadyScannedUpToBlk = 150

	// inserted out of order, must come back chronological
	keys := [][]byte{
		dbutils.BlkDataKeyTxOutNoPrefix(120, 0, 3, 1),
		dbutils.BlkDataKeyTxOutNoPrefix(100, 0, 1, 0),
		dbutils.BlkDataKeyTxOutNoPrefix(120, 0, 2, 0),
		dbutils.BlkDataKeyTxOutNoPrefix(100, 0, 1, 2),
	}
	for i, k := range keys {
		if err := ssh.InsertTxio(TxIOPair{TxOutKey: k, ValueOf: uint64(1000 * (i + 1))}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 1; i < len(ssh.TxioVect); i++ {
		if !ssh.TxioVect[i-1].Less(&ssh.TxioVect[i]) {
			t.Fatalf("txio vect out of order at %d", i)
		}
	}

	// duplicates are rejected
	if err := ssh.InsertTxio(TxIOPair{TxOutKey: keys[0], ValueOf: 1}); err == nil {
		t.Error("expected duplicate txio to be rejected")
	}

	if err := ssh.MarkTxOutSpent(keys[1], dbutils.BlkDataKeyTxOutNoPrefix(130, 0, 0, 0)); err != nil {
		t.Fatalf("mark spent: %v", err)
	}
	if ssh.ScriptReceived() != 1000+2000+3000+4000 {
		t.Errorf("received: got %d", ssh.ScriptReceived())
	}
	if ssh.ScriptBalance() != 1000+3000+4000 {
		t.Errorf("balance: got %d", ssh.ScriptBalance())
	}

	ssh.MultisigDBKeys = [][]byte{dbutils.BlkDataKeyTxOutNoPrefix(99, 0, 0, 0)}

	var w serialize.Writer
	if err := ssh.SerializeDBValue(pol, &w); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got := &StoredScriptHistory{}
	if err := got.UnserializeDBKey(ssh.GetDBKey(true), true); err != nil {
		t.Fatalf("key: %v", err)
	}
	if err := got.UnserializeDBValue(serialize.NewReader(w.Bytes())); err != nil {
		t.Fatalf("unserialize: %v", err)
	}
	if !bytes.Equal(got.UniqueKey, ssh.UniqueKey) {
		t.Error("unique key mismatch")
	}
	if got.AlreadyScannedUpToBlk != 150 || len(got.TxioVect) != 4 || len(got.MultisigDBKeys) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.TxioVect[0].HasTxIn() {
		t.Error("spent marker lost; first chronological row was the spent one")
	}
	if got.TxioVect[0].Height() != 100 || got.TxioVect[0].TxIdx() != 1 || got.TxioVect[0].TxOutIdx() != 0 {
		t.Errorf("txio key accessors: %d/%d/%d", got.TxioVect[0].Height(), got.TxioVect[0].TxIdx(), got.TxioVect[0].TxOutIdx())
	}
}

func TestUndoDataRoundTrip(t *testing.T) {
	pol := NewPolicy(DBFull, PruneNone)

	stxo := NewStoredTxOut()
	var raw serialize.Writer
	raw.PutUint64(777)
	raw.PutVarBytes([]byte{0xac})
	stxo.DataCopy = raw.Bytes()
	stxo.BlockHeight = 90
	stxo.DuplicateID = 0
	stxo.TxIndex = 2
	stxo.TxOutIndex = 1
	stxo.ParentHash = common.DoubleHashH([]byte("parent"))
	stxo.Spentness = Unspent

	su := NewStoredUndoData()
	su.BlockHeight = 91
	su.DuplicateID = 0
	su.BlockHash = common.DoubleHashH([]byte("block91"))
	su.StxOutsRemovedByBlock = []*StoredTxOut{stxo}
	su.OutPointsAddedByBlock = append(su.OutPointsAddedByBlock,
		OutPointForHash(common.DoubleHashH([]byte("newtx")), 0),
		OutPointForHash(common.DoubleHashH([]byte("newtx")), 1))

	var w serialize.Writer
	if err := su.SerializeDBValue(pol, &w); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got := NewStoredUndoData()
	if err := got.UnserializeDBKey(su.GetDBKey(true)); err != nil {
		t.Fatalf("key: %v", err)
	}
	if err := got.UnserializeDBValue(serialize.NewReader(w.Bytes())); err != nil {
		t.Fatalf("unserialize: %v", err)
	}
	if got.BlockHeight != 91 || got.BlockHash != su.BlockHash {
		t.Errorf("identity mismatch: %+v", got)
	}
	if len(got.StxOutsRemovedByBlock) != 1 || len(got.OutPointsAddedByBlock) != 2 {
		t.Fatalf("counts mismatch")
	}
	gotStxo := got.StxOutsRemovedByBlock[0]
	if gotStxo.BlockHeight != 90 || gotStxo.TxIndex != 2 || gotStxo.TxOutIndex != 1 {
		t.Errorf("restored stxo key mismatch: %+v", gotStxo)
	}
	if gotStxo.ParentHash != stxo.ParentHash || gotStxo.Value() != 777 {
		t.Errorf("restored stxo payload mismatch")
	}
	if got.OutPointsAddedByBlock[1].Index != 1 {
		t.Errorf("outpoint mismatch: %+v", got.OutPointsAddedByBlock[1])
	}
}

func TestTxHints(t *testing.T) {
	hash := common.DoubleHashH([]byte("some tx"))
	sth := NewStoredTxHints(hash.Bytes())

	k1 := dbutils.BlkDataKeyTxNoPrefix(10, 0, 3)
	k2 := dbutils.BlkDataKeyTxNoPrefix(10, 1, 3)
	if err := sth.AddHint(k1); err != nil {
		t.Fatal(err)
	}
	if err := sth.AddHint(k1); err != nil { // dedupe
		t.Fatal(err)
	}
	if err := sth.AddHint(k2); err != nil {
		t.Fatal(err)
	}
	if sth.NumHints() != 2 {
		t.Fatalf("expected 2 hints, got %d", sth.NumHints())
	}

	// preferred key must be in the list
	sth.PreferredDBKey = dbutils.BlkDataKeyTxNoPrefix(99, 0, 0)
	var bad serialize.Writer
	if err := sth.SerializeDBValue(&bad); err == nil {
		t.Error("expected error for preferred key outside the list")
	}

	sth.SetPreferredTx(10, 0, 3)
	var w serialize.Writer
	if err := sth.SerializeDBValue(&w); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got := &StoredTxHints{}
	if err := got.UnserializeDBKey(sth.GetDBKey(true), true); err != nil {
		t.Fatal(err)
	}
	if err := got.UnserializeDBValue(serialize.NewReader(w.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got.NumHints() != 2 || !bytes.Equal(got.PreferredDBKey, k1) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !bytes.Equal(got.TxHashPrefix, hash.Bytes()[:4]) {
		t.Error("hash prefix mismatch")
	}

	got.RemoveHint(k1)
	if got.NumHints() != 1 || got.PreferredDBKey != nil {
		t.Errorf("remove did not clear preferred: %+v", got)
	}
}

func TestHeadHgtListDedupAndConflict(t *testing.T) {
	h1 := common.DoubleHashH([]byte("h1"))
	h2 := common.DoubleHashH([]byte("h2"))

	hhl := NewStoredHeadHgtList(700)
	if err := hhl.AddDupAndHash(0, h1); err != nil {
		t.Fatal(err)
	}
	if err := hhl.AddDupAndHash(0, h1); err != nil { // same hash: no-op
		t.Fatal(err)
	}
	if err := hhl.AddDupAndHash(1, h2); err != nil {
		t.Fatal(err)
	}
	if len(hhl.DupAndHashList) != 2 {
		t.Fatalf("expected [(0,h1),(1,h2)], got %d entries", len(hhl.DupAndHashList))
	}

	// conflicting hash: replaced AND reported
	if err := hhl.AddDupAndHash(0, h2); err != ErrDupHashConflict {
		t.Errorf("expected ErrDupHashConflict, got %v", err)
	}
	if hhl.HashForDup(0) != h2 {
		t.Error("conflicting entry was not replaced")
	}
	if hhl.NextFreeDup() != 2 {
		t.Errorf("expected next free dup 2, got %d", hhl.NextFreeDup())
	}

	hhl.SetPreferredDupID(1)
	var w serialize.Writer
	if err := hhl.SerializeDBValue(&w); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got := NewStoredHeadHgtList(0)
	if err := got.UnserializeDBKey(hhl.GetDBKey(true)); err != nil {
		t.Fatal(err)
	}
	if err := got.UnserializeDBValue(serialize.NewReader(w.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got.Height != 700 || got.PreferredDup != 1 || len(got.DupAndHashList) != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// preferred dup must be in the list
	bad := NewStoredHeadHgtList(1)
	_ = bad.AddDupAndHash(0, h1)
	bad.SetPreferredDupID(5)
	var bw serialize.Writer
	if err := bad.SerializeDBValue(&bw); err == nil {
		t.Error("expected error for preferred dup outside the list")
	}
}
