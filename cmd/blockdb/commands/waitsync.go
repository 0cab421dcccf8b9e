package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/utxowatch/turbo-btc/noderpc"
)

var (
	rpcPort     int
	nodeDatadir string
)

func init() {
	waitSyncCmd.Flags().IntVar(&rpcPort, "rpcport", 8332, "node RPC port on localhost")
	waitSyncCmd.Flags().StringVar(&nodeDatadir, "nodedatadir", "", "node data directory holding bitcoin.conf or .cookie")
	rootCmd.AddCommand(waitSyncCmd)
}

var waitSyncCmd = &cobra.Command{
	Use:   "wait-sync",
	Short: "Block until the local node reports its chain as synced",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := noderpc.New(noderpc.NewHTTPTransport(rpcPort), noderpc.Datadir(nodeDatadir), nil)

		quit := make(chan struct{})
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-interrupt
			close(quit)
		}()

		return client.WaitOnChainSync(func() {
			status := client.ChainStatus()
			log.Info("Node state", "state", status.State(),
				"progress", status.Progress(), "blocksLeft", status.BlocksLeft())
		}, quit)
	},
}
