package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/fruitpilot/internal/version"
)

var (
	configFile   = flag.String("config", "", "Mission config JSON (default: config.json when present)")
	devMode      = flag.Bool("dev", false, "Fly the simulator against a scripted camera")
	scriptFile   = flag.String("script", "", "Scripted camera fixture for -dev (default: built-in)")
	listen       = flag.String("listen", ":8080", "HTTP listen address; empty disables the API")
	dbFile       = flag.String("db", "", "Flight log path (overrides db_path)")
	connect      = flag.String("connect", "", "Vehicle endpoint, e.g. tcp:10.147.84.40:5762 (overrides connect)")
	fallback     = flag.String("fallback", "", "Endpoint tried when -connect fails (overrides fallback_connect; empty disables it)")
	radioPort    = flag.String("radio", "", "Serial port of the ground radio; empty disables it")
	radioBaud    = flag.Int("radio-baud", 57600, "Ground radio baud rate")
	statusAddr   = flag.String("status-addr", "", "Status display host:port (overrides status_addr)")
	telemetryUDP = flag.String("telemetry-udp", "", "host:port receiving telemetry datagrams (overrides telemetry_udp)")
	snapshotDir  = flag.String("snapshots", "", "Directory for annotated detection frames (overrides snapshot_dir)")
	takeoffAlt   = flag.Float64("takeoff", 0, "Take off to this altitude at startup; 0 waits for the operator")
	noConsole    = flag.Bool("no-console", false, "Do not read operator commands from stdin")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	opts := options{
		ConfigPath:   *configFile,
		Dev:          *devMode,
		ScriptPath:   *scriptFile,
		Listen:       *listen,
		DBPath:       *dbFile,
		Connect:      *connect,
		RadioPort:    *radioPort,
		RadioBaud:    *radioBaud,
		StatusAddr:   *statusAddr,
		TelemetryUDP: *telemetryUDP,
		SnapshotDir:  *snapshotDir,
		TakeoffAltM:  *takeoffAlt,
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "fallback" {
			opts.Fallback = fallback
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var console io.Reader = os.Stdin
	if *noConsole {
		console = nil
	}

	log.Printf("starting %s", version.Get())
	outcome, err := run(ctx, opts, console, os.Stdout)
	if err != nil {
		log.Fatalf("session ended with %s: %v", outcome, err)
	}
	log.Printf("session ended with %s", outcome)
}
