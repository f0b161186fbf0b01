// Package operator turns operator text lines into navigation requests. The
// same parser serves stdin, the ground radio and the HTTP API.
package operator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/fruitpilot/internal/monitoring"
	"github.com/banshee-data/fruitpilot/internal/nav"
)

var logf = monitoring.Component("operator")

var (
	// ErrEmpty is returned for blank lines and comments.
	ErrEmpty = errors.New("empty command")
	// ErrUnknown is returned for words outside the command set.
	ErrUnknown = errors.New("unknown command")
)

// MaxTakeoffAltitudeM bounds the takeoff argument.
const MaxTakeoffAltitudeM = 120

// Help lists the accepted commands.
const Help = "commands: connect (d), takeoff [alt] (t), land (l), rtl, exit (e, q), search on|off, status"

var aliases = map[string]nav.RequestKind{
	"connect": nav.RequestConnect,
	"d":       nav.RequestConnect,
	"takeoff": nav.RequestTakeoff,
	"t":       nav.RequestTakeoff,
	"m":       nav.RequestTakeoff,
	"land":    nav.RequestLand,
	"l":       nav.RequestLand,
	"rtl":     nav.RequestRTL,
	"exit":    nav.RequestExit,
	"e":       nav.RequestExit,
	"q":       nav.RequestExit,
	"quit":    nav.RequestExit,
	"search":  nav.RequestSearch,
	"status":  nav.RequestStatus,
}

// Parse reads one command line. Words are case-insensitive.
func Parse(line string) (nav.Request, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nav.Request{}, ErrEmpty
	}
	fields := strings.Fields(strings.ToLower(line))
	kind, ok := aliases[fields[0]]
	if !ok {
		return nav.Request{}, fmt.Errorf("%w %q", ErrUnknown, fields[0])
	}
	req := nav.Request{Kind: kind}
	args := fields[1:]

	switch kind {
	case nav.RequestTakeoff:
		if len(args) > 1 {
			return nav.Request{}, fmt.Errorf("takeoff takes at most one altitude")
		}
		if len(args) == 1 {
			alt, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return nav.Request{}, fmt.Errorf("invalid takeoff altitude %q", args[0])
			}
			if alt <= 0 || alt > MaxTakeoffAltitudeM {
				return nav.Request{}, fmt.Errorf("takeoff altitude must be in (0, %d] m, got %g", MaxTakeoffAltitudeM, alt)
			}
			req.AltitudeM = alt
		}
		return req, nil

	case nav.RequestSearch:
		if len(args) == 0 {
			req.Enable = true
			return req, nil
		}
		if len(args) > 1 {
			return nav.Request{}, fmt.Errorf("search takes on or off")
		}
		switch args[0] {
		case "on", "1", "true":
			req.Enable = true
		case "off", "0", "false":
			req.Enable = false
		default:
			return nav.Request{}, fmt.Errorf("search takes on or off, got %q", args[0])
		}
		return req, nil
	}

	if len(args) > 0 {
		return nav.Request{}, fmt.Errorf("%s takes no arguments", kind)
	}
	return req, nil
}

// SubmitFunc hands a request to the frame loop.
type SubmitFunc func(nav.Request) error

// RunLines parses every line from lines and submits it. Replies and parse
// errors go to reply. It returns when lines is closed or ctx is done.
func RunLines(ctx context.Context, lines <-chan string, submit SubmitFunc, reply func(string), source string) error {
	if reply == nil {
		reply = func(string) {}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			req, err := Parse(line)
			if errors.Is(err, ErrEmpty) {
				continue
			}
			if err != nil {
				reply(err.Error() + "; " + Help)
				continue
			}
			req.Source = source
			req.Reply = reply
			if err := submit(req); err != nil {
				logf("%s: %s rejected: %v", source, req, err)
				reply(fmt.Sprintf("%s rejected: %v", req, err))
			}
		}
	}
}

// Run reads lines from r, e.g. stdin, until EOF or ctx is done. Replies are
// written to w one per line.
func Run(ctx context.Context, r io.Reader, w io.Writer, submit SubmitFunc, source string) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(r)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scan.Err()
	}()

	reply := func(s string) {
		if w != nil {
			fmt.Fprintln(w, s)
		}
	}
	if err := RunLines(ctx, lines, submit, reply, source); err != nil {
		return err
	}
	select {
	case err := <-scanErr:
		return err
	default:
		return nil
	}
}
