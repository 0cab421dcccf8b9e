package main

import (
	"github.com/utxowatch/turbo-btc/cmd/blockdb/commands"
)

func main() {
	commands.Execute()
}
