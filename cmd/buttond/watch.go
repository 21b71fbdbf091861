package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/buttond/internal/bridge"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/events"
	"github.com/srg/buttond/internal/radio"
	"golang.org/x/term"
)

var watchJSON bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream button notifications",
	Long: `Subscribes to the server and prints every notification until interrupted.
Notifications buffered by the server while nobody was watching are printed first.`,
	Example: `  buttond watch
  buttond watch --json | jq .`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		printer := newEventPrinter(out, watchJSON, isTerminal(out))

		return withClient(cmd, func(ctx context.Context, c *bridge.Client) error {
			return c.Subscribe(ctx, printer.print)
		})
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print raw notification lines")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// eventPrinter renders notifications as JSON lines or as one human readable line each.
type eventPrinter struct {
	out  io.Writer
	json bool

	name  *color.Color
	value *color.Color
	fail  *color.Color
}

func newEventPrinter(out io.Writer, asJSON, colored bool) *eventPrinter {
	p := &eventPrinter{
		out:   out,
		json:  asJSON,
		name:  color.New(color.FgCyan, color.Bold),
		value: color.New(color.FgGreen),
		fail:  color.New(color.FgRed),
	}
	for _, c := range []*color.Color{p.name, p.value, p.fail} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *eventPrinter) print(ev events.Event) {
	if p.json {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(p.out, string(data))
		return
	}
	fmt.Fprintln(p.out, p.format(ev))
}

// format renders "15:04:05 #seq name key=value ..." with keys in a stable order.
func (p *eventPrinter) format(ev events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d %s", ev.Time.Local().Format("15:04:05.000"), ev.Seq, p.name.Sprint(ev.Name))

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := describeValue(ev.Name, k, ev.Payload[k])
		if k == events.KeyError {
			fmt.Fprintf(&b, " %s=%s", k, p.fail.Sprintf("%q", v))
			continue
		}
		fmt.Fprintf(&b, " %s=%s", k, p.value.Sprint(v))
	}
	return b.String()
}

// describeValue names state ordinals: button states, or the power state for managerStateUpdate.
func describeValue(name events.Name, key string, v any) string {
	if key != events.KeyState {
		return fmt.Sprint(v)
	}

	var ordinal int
	switch n := v.(type) {
	case float64:
		ordinal = int(n)
	case int:
		ordinal = n
	default:
		return fmt.Sprint(v)
	}

	if name == events.ManagerStateUpdate {
		return radio.PowerState(ordinal).String()
	}
	return button.ConnectionState(ordinal).String()
}
