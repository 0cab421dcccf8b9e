package migrations

import (
	"testing"

	"github.com/utxowatch/turbo-btc/blockdb"
	"github.com/utxowatch/turbo-btc/common"
	"github.com/utxowatch/turbo-btc/core/records"
)

var testMagic = []byte{0x0b, 0x11, 0x09, 0x07}

func TestApplyIsRecordedAndSkipped(t *testing.T) {
	db := blockdb.MustOpenInMem(records.NewPolicy(records.DBFull, records.PruneNone), testMagic)
	defer db.Close()

	runs := 0
	m := &Migrator{Migrations: []Migration{{
		Name: "count_runs",
		Up: func(db *blockdb.DB) error {
			runs++
			return nil
		},
	}}}

	if err := m.Apply(db); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.Apply(db); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if runs != 1 {
		t.Errorf("migration ran %d times", runs)
	}

	applied, err := db.AppliedMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if !applied["count_runs"] {
		t.Error("migration not recorded")
	}
}

func TestClearStaleUndoData(t *testing.T) {
	db := blockdb.MustOpenInMem(records.NewPolicy(records.DBFull, records.PruneNone), testMagic)
	defer db.Close()

	// a fresh store has no top; any undo record is stale
	su := records.NewStoredUndoData()
	su.BlockHeight = 5
	su.DuplicateID = 0
	su.BlockHash = common.DoubleHashH([]byte("orphaned"))
	su.OutPointsAddedByBlock = append(su.OutPointsAddedByBlock,
		records.OutPointForHash(common.DoubleHashH([]byte("tx")), 0))
	if err := db.PutUndoData(su); err != nil {
		t.Fatal(err)
	}

	if err := NewMigrator().Apply(db); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, err := db.GetUndoData(5, 0); err != blockdb.ErrKeyNotFound {
		t.Errorf("stale undo record survived: %v", err)
	}
}
