// Command redserver runs a single-node, in-memory, RESP2-speaking
// Redis-compatible server with actor-based concurrency and optional
// master/replica replication.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
