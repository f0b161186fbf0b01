package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/banshee-data/fruitpilot/internal/api"
	"github.com/banshee-data/fruitpilot/internal/operator"
)

// run dispatches on args: none reads a console from in, "status" prints the
// controller status and anything else is sent as one command line.
func run(ctx context.Context, client *api.Client, args []string, in io.Reader, out io.Writer) error {
	switch {
	case len(args) == 0:
		fmt.Fprintln(out, operator.Help)
		return operator.Run(ctx, in, out, client.Submit(ctx), "remote")
	case len(args) == 1 && args[0] == "status":
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return writeStatus(out, st)
	default:
		line := strings.Join(args, " ")
		if _, err := operator.Parse(line); err != nil {
			return fmt.Errorf("%w; %s", err, operator.Help)
		}
		resp, err := client.Command(ctx, line)
		if err != nil {
			return err
		}
		reply := resp.Reply
		if reply == "" {
			reply = resp.Command + " accepted"
		}
		fmt.Fprintln(out, reply)
		return nil
	}
}

func writeStatus(out io.Writer, st api.StatusResponse) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "session\t%s\n", st.SessionID)
	fmt.Fprintf(tw, "state\t%s (%s)\n", st.State, st.Token)
	if st.Outcome != "" && st.Outcome != "NONE" {
		fmt.Fprintf(tw, "outcome\t%s\n", st.Outcome)
	}
	f := st.Flags
	fmt.Fprintf(tw, "flags\tarmed=%v guided=%v connected=%v search=%v alt_target=%.1fm\n",
		f.Armed, f.Guided, f.Connected, f.SearchEnabled, f.AltitudeTargetM)
	fmt.Fprintf(tw, "frames\t%s\n", humanize.Comma(int64(st.Frames)))
	fmt.Fprintf(tw, "scan yaw\t%.0f°\n", st.ScanYawDeg)
	if t := st.Telemetry; t != nil {
		fmt.Fprintf(tw, "vehicle\t%s alt=%.1fm heading=%.0f° battery=%d%% (%s)\n",
			t.Mode, t.AltitudeM, t.HeadingDeg, t.BatteryPct, humanize.Time(t.Time))
	}
	if st.Confidence != nil {
		fmt.Fprintf(tw, "target\tconfidence=%.2f", *st.Confidence)
		if st.DistanceCM != nil {
			fmt.Fprintf(tw, " distance=%.0fcm", *st.DistanceCM)
		}
		fmt.Fprintln(tw)
	}
	if st.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", st.Error)
	}
	fmt.Fprintf(tw, "version\t%s\n", st.Version)
	return tw.Flush()
}
