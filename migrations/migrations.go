// Package migrations applies one-off database fixups at open.
//
// Migrations apply sequentially in the order of this list, skipping the
// ones already recorded in the migrations store. Each applied name is
// stored together with the DBInfo it executed under, so a bug report can
// show the context.
//
// Idempotency is expected: a migration interrupted half way will run again
// on the next open and must converge to the same state. Adding a table
// means a new prefix byte and a version bump in DBInfo, never a reuse.
package migrations

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/utxowatch/turbo-btc/blockdb"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/core/records"
)

var migrations = []Migration{
	clearStaleUndoData,
}

type Migration struct {
	Name string
	Up   func(db *blockdb.DB) error
}

func NewMigrator() *Migrator {
	return &Migrator{Migrations: migrations}
}

type Migrator struct {
	Migrations []Migration
}

func (m *Migrator) Apply(db *blockdb.DB) error {
	if len(m.Migrations) == 0 {
		return nil
	}

	applied, err := db.AppliedMigrations()
	if err != nil {
		return err
	}

	for _, v := range m.Migrations {
		if applied[v.Name] {
			continue
		}
		log.Info("Apply migration", "name", v.Name)
		if err := v.Up(db); err != nil {
			return err
		}
		if err := db.MarkMigrationApplied(v.Name); err != nil {
			return err
		}
		log.Info("Applied migration", "name", v.Name)
	}
	return nil
}

// clearStaleUndoData drops undo records above the recorded top. They are
// leftovers of a crash between writing undo data and advancing the top;
// the blocks they belong to were never fully applied.
var clearStaleUndoData = Migration{
	Name: "clear_stale_undo_data",
	Up: func(db *blockdb.DB) error {
		info, err := db.GetDBInfo(dbutils.BLKDATA)
		if err != nil {
			return err
		}
		type loc struct {
			height uint32
			dup    uint8
		}
		var stale []loc
		err = db.WalkUndoData(func(su *records.StoredUndoData) (bool, error) {
			if info.TopBlkHgt == records.HeightUnset || su.BlockHeight > info.TopBlkHgt {
				stale = append(stale, loc{su.BlockHeight, su.DuplicateID})
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, l := range stale {
			if err := db.DeleteUndoData(l.height, l.dup); err != nil {
				return err
			}
		}
		if len(stale) > 0 {
			log.Info("Dropped stale undo records", "count", len(stale))
		}
		return nil
	},
}
