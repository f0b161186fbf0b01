package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/fruitpilot/internal/api"
	"github.com/banshee-data/fruitpilot/internal/flightlog"
	"github.com/banshee-data/fruitpilot/internal/report"
	"github.com/banshee-data/fruitpilot/internal/security"
	"github.com/banshee-data/fruitpilot/internal/version"
)

const defaultDB = "flight.db"

func runCommand(command string, args []string, out io.Writer) error {
	switch command {
	case "list":
		return handleList(args, out)
	case "summary":
		return handleSummary(args, out)
	case "report":
		return handleReport(args, out)
	case "delete":
		return handleDelete(args, out)
	case "backup":
		return handleBackup(args, out)
	case "migrate":
		return handleMigrate(args, out)
	case "serve":
		return handleServe(args)
	case "version":
		fmt.Fprintf(out, "flightlog %s\n", version.Get())
		return nil
	case "help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func newFlagSet(name string, out io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	db := fs.String("db", defaultDB, "Flight log path")
	return fs, db
}

// openLog opens an existing flight log and brings its schema up to date.
func openLog(path string) (*flightlog.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("flight log %s: %w", path, err)
	}
	return flightlog.NewDB(path)
}

// sessionArg parses fs and returns its single positional session ID.
func sessionArg(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%w: %s takes one session ID", errUsage, fs.Name())
	}
	return fs.Arg(0), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func handleList(args []string, out io.Writer) error {
	fs, dbPath := newFlagSet("list", out)
	limit := fs.Int("limit", 20, "Number of sessions to show")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	db, err := openLog(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.ListSessions(*limit)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no sessions recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tOUTCOME\tVEHICLE")
	for _, s := range sessions {
		outcome := s.Outcome
		if s.EndedAt == nil {
			outcome = "(running)"
		}
		vehicle := s.Vehicle
		if s.Dev {
			vehicle += " (dev)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID), humanize.Time(s.StartedAt), s.Duration().Round(100*time.Millisecond), outcome, vehicle)
	}
	return tw.Flush()
}

func handleSummary(args []string, out io.Writer) error {
	fs, dbPath := newFlagSet("summary", out)
	asJSON := fs.Bool("json", false, "Print JSON instead of text")
	id, err := sessionArg(fs, args)
	if err != nil {
		return err
	}

	db, err := openLog(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sum, err := db.Summarize(id)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	writeSummary(out, sum)
	return nil
}

func writeSummary(out io.Writer, sum flightlog.Summary) {
	s := sum.Session
	fmt.Fprintf(out, "session   %s\n", s.ID)
	fmt.Fprintf(out, "started   %s (%s)\n", s.StartedAt.Format(time.RFC3339), humanize.Time(s.StartedAt))
	fmt.Fprintf(out, "vehicle   %s dev=%v\n", s.Vehicle, s.Dev)
	fmt.Fprintf(out, "outcome   %s %s\n", s.Outcome, s.Reason)
	fmt.Fprintf(out, "duration  %s\n", sum.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSTATE\tSECONDS")
	states := make([]string, 0, len(sum.TimeInState))
	for st := range sum.TimeInState {
		states = append(states, st)
	}
	sort.Strings(states)
	for _, st := range states {
		fmt.Fprintf(tw, "%s\t%.1f\n", st, float64(sum.TimeInState[st])/1000)
	}
	tw.Flush()

	fmt.Fprintf(out, "\ntransitions %d, frames with detections %d, detections %d\n", sum.Transitions, sum.Frames, sum.Detections)
	fmt.Fprintf(out, "commands %v, failed %d\n", sum.Commands, sum.FailedCommands)
	for _, row := range []struct {
		name string
		st   flightlog.Stats
	}{
		{"confidence", sum.Confidence},
		{"distance_cm", sum.DistanceCM},
		{"altitude_m", sum.AltitudeM},
	} {
		if row.st.N == 0 {
			continue
		}
		fmt.Fprintf(out, "%-12s n=%d mean=%.2f sd=%.2f min=%.2f median=%.2f max=%.2f\n",
			row.name, row.st.N, row.st.Mean, row.st.StdDev, row.st.Min, row.st.Median, row.st.Max)
	}
	fmt.Fprintf(out, "battery used %d%%\n", sum.BatteryUsedPct)
}

func handleReport(args []string, out io.Writer) error {
	fs, dbPath := newFlagSet("report", out)
	outDir := fs.String("out", ".", "Output directory (under the working or temp directory)")
	assets := fs.String("assets-host", "", "Load echarts from this host instead of the CDN")
	id, err := sessionArg(fs, args)
	if err != nil {
		return err
	}

	if err := security.ValidateExportPath(*outDir); err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}

	db, err := openLog(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sess, err := report.Load(db, id)
	if err != nil {
		return err
	}

	base := security.SanitizeFilename(id)
	write := func(name string, render func(io.Writer) error) error {
		path := filepath.Join(*outDir, name)
		if err := security.ValidatePathWithinDirectory(path, *outDir); err != nil {
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := render(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", path)
		return nil
	}

	if err := write(base+"-timeline.html", func(w io.Writer) error {
		return report.Timeline(w, sess, report.TimelineOptions{AssetsHost: *assets})
	}); err != nil {
		return err
	}
	return write(base+"-altitude.png", func(w io.Writer) error {
		return report.AltitudePlot(w, sess)
	})
}

func handleDelete(args []string, out io.Writer) error {
	fs, dbPath := newFlagSet("delete", out)
	id, err := sessionArg(fs, args)
	if err != nil {
		return err
	}

	db, err := openLog(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DeleteSession(id); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %s\n", id)
	return nil
}

func handleBackup(args []string, out io.Writer) error {
	fs, dbPath := newFlagSet("backup", out)
	dest := fs.String("out", "", "Backup file (default: flight-<timestamp>.db in the working directory)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	path := *dest
	if path == "" {
		path = fmt.Sprintf("flight-%s.db", time.Now().UTC().Format("20060102T150405Z"))
	}
	if err := security.ValidateExportPath(path); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	db, err := openLog(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Backup(path); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s (%s)\n", path, humanize.Bytes(uint64(info.Size())))
	return nil
}

func handleMigrate(args []string, out io.Writer) error {
	fs, dbPath := newFlagSet("migrate", out)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: migrate takes up, down or version", errUsage)
	}
	action := fs.Arg(0)
	switch action {
	case "up", "down", "version":
	default:
		return fmt.Errorf("%w: unknown migrate action %q", errUsage, action)
	}

	// OpenDB: a migration tool must not migrate on open.
	db, err := flightlog.OpenDB(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations := flightlog.MigrationsFS()
	switch action {
	case "up":
		if err := db.MigrateUp(migrations); err != nil {
			return err
		}
	case "down":
		if err := db.MigrateDown(migrations); err != nil {
			return err
		}
	}

	v, dirty, err := db.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version %d dirty=%v\n", v, dirty)
	return nil
}

func handleServe(args []string) error {
	fs, dbPath := newFlagSet("serve", os.Stderr)
	listen := fs.String("listen", ":8081", "Listen address")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	db, err := openLog(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	mux := http.NewServeMux()
	mux.Handle("/api/", api.NewServer(nil, db).ServeMux())
	if err := db.AttachAdminRoutes(mux); err != nil {
		log.Printf("admin routes: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(mux)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	log.Printf("serving %s on %s", *dbPath, *listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
