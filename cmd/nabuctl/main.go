// Command nabuctl is the operator CLI for the Nabulines index: it rebuilds
// and verifies secondary indexes, inspects records, and manages API keys.
//
// Usage:
//
//	nabuctl [--config configs/development.yaml] <command>
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(&app{out: os.Stdout}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
