// Command ionic runs the incident feed daemon and its terminal dashboard.
//
// Usage:
//
//	ionic serve                  Poll feeds and serve the local HTTP API
//	ionic tui                    Poll feeds and open the incident list
//	ionic search <term>          Search a stored collection
//	ionic events                 Inspect the pipeline event log
package main

import (
	"fmt"
	"os"
)

const usage = `ionic: Toronto incident feeds

Usage:
  ionic <command> [flags]

Commands:
  serve    Poll feeds and serve the local HTTP API
  tui      Poll feeds and open the incident list
  search   Search a stored collection
  events   Inspect the pipeline event log

Run 'ionic <command> -h' for command-specific help.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	// Shift args so subcommands see their own flags at os.Args[1:]
	os.Args = os.Args[1:]

	switch cmd {
	case "serve":
		runServe()
	case "tui":
		runTUI()
	case "search":
		runSearch()
	case "events":
		runEvents()
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s\n", cmd, usage)
		os.Exit(1)
	}
}
