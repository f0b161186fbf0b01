package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

// errUsage marks bad invocations; main prints the usage text for them.
var errUsage = errors.New("usage")

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	if err := runCommand(command, flag.Args()[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n\n", err)
			printUsage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "flightlog %s: %v\n", command, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`flightlog - inspect fruitpilot flight logs

Usage: flightlog <command> [options] [session-id]

Commands:
  list       List recent sessions
  summary    Print the statistics of one session
  report     Write the timeline HTML and altitude PNG of one session
  delete     Remove one session and all its records
  backup     Write a consistent copy of the flight log
  migrate    Run schema migrations: up, down or version
  serve      Serve the sessions API without a live controller
  version    Show the flightlog version
  help       Show this help message

Common Flags:
  --db <file>    Flight log path (default: flight.db)

Examples:
  flightlog list --limit 5
  flightlog summary 0f3c2a1e-7d4b-4c38-9d55-2f0f3b8f1a6e
  flightlog report --out reports 0f3c2a1e-7d4b-4c38-9d55-2f0f3b8f1a6e
  flightlog migrate --db /var/lib/fruitpilot/flight.db version
  flightlog serve --listen :8081`)
}
