package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/utxowatch/turbo-btc/blockdb"
	"github.com/utxowatch/turbo-btc/common/dbutils"
	"github.com/utxowatch/turbo-btc/core/records"
	"github.com/utxowatch/turbo-btc/migrations"
)

// mainnet network magic
var magic = []byte{0xf9, 0xbe, 0xb4, 0xd9}

func init() {
	rootCmd.AddCommand(dbinfoCmd)
}

func policyFromFlags() (records.Policy, error) {
	var typ records.DBType
	switch strings.ToUpper(dbType) {
	case "LITE":
		typ = records.DBLite
	case "PARTIAL":
		typ = records.DBPartial
	case "FULL":
		typ = records.DBFull
	case "SUPER":
		typ = records.DBSuper
	default:
		return records.Policy{}, fmt.Errorf("unknown db profile %q", dbType)
	}
	return records.NewPolicy(typ, records.PruneNone), nil
}

var dbinfoCmd = &cobra.Command{
	Use:   "dbinfo",
	Short: "Print the meta record of both stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := policyFromFlags()
		if err != nil {
			return err
		}
		db, err := blockdb.New(pol, magic).Path(datadir).Open()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := migrations.NewMigrator().Apply(db); err != nil {
			return err
		}

		for _, sel := range []dbutils.DBSelect{dbutils.HEADERS, dbutils.BLKDATA} {
			info, err := db.GetDBInfo(sel)
			if err != nil {
				return err
			}
			top := "none"
			if info.TopBlkHgt != records.HeightUnset {
				top = fmt.Sprintf("%d (%s)", info.TopBlkHgt, info.TopBlkHash.Hex())
			}
			fmt.Printf("%s: magic=%x version=%d profile=%s top=%s\n",
				sel, info.Magic, info.ArmoryVer, info.DBType, top)
		}
		return nil
	},
}
