// Command statusd is a stand-in for the on-board status display: it prints
// every state token fruitpilot sends and answers it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/fruitpilot/internal/groundlink"
	"github.com/banshee-data/fruitpilot/internal/version"
)

var (
	listen      = flag.String("listen", ":12345", "TCP listen address")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("listen %s: %v", *listen, err)
	}
	log.Printf("status display listening on %s", ln.Addr())
	if err := serve(ctx, ln, os.Stdout); err != nil && ctx.Err() == nil {
		log.Fatalf("status display: %v", err)
	}
}

// serve prints one line per token until ctx is done.
func serve(ctx context.Context, ln net.Listener, out io.Writer) error {
	srv := &groundlink.StatusServer{
		OnToken: func(token, reply string) {
			fmt.Fprintf(out, "%s %-12s %s\n", time.Now().Format("15:04:05"), token, reply)
		},
	}
	return srv.Serve(ctx, ln)
}
