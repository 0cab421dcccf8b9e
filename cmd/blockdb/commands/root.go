package commands

import (
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"
)

var (
	datadir string
	dbType  string
	verbose bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&datadir, "datadir", "", "path to the engine's database directory")
	rootCmd.PersistentFlags().StringVar(&dbType, "dbtype", "FULL", "database profile: LITE, PARTIAL, FULL or SUPER")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")
}

var rootCmd = &cobra.Command{
	Use:   "blockdb",
	Short: "Inspect and drive the block storage engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		lvl := log.LvlInfo
		if verbose {
			lvl = log.LvlDebug
		}
		log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("Command failed", "err", err)
		os.Exit(1)
	}
}
