// Command fruitctl is a remote operator console for a running fruitpilot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/fruitpilot/internal/api"
	"github.com/banshee-data/fruitpilot/internal/httputil"
	"github.com/banshee-data/fruitpilot/internal/version"
)

var (
	addr        = flag.String("addr", "http://127.0.0.1:8080", "Base URL of the fruitpilot HTTP API")
	timeout     = flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `fruitctl - remote console for fruitpilot

Usage:
  fruitctl [flags]              read commands from stdin
  fruitctl [flags] status       print the controller status
  fruitctl [flags] <command>    send one command, e.g. "takeoff 8"

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(*addr, httputil.NewStandardClient(&http.Client{Timeout: *timeout}))
	if err := run(ctx, client, flag.Args(), os.Stdin, os.Stdout); err != nil {
		log.Fatalf("fruitctl: %v", err)
	}
}
