// Command deskd runs the paper-trading desk: the live market feed, indicator
// engine, paper ledger and strategy runner behind a REST + WebSocket gateway.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
