package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/buttond/internal/bridge"
	"github.com/srg/buttond/internal/button"
	"github.com/srg/buttond/internal/radio"
)

var buttonsJSON bool

var buttonsCmd = &cobra.Command{
	Use:   "buttons",
	Short: "List known buttons",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var res bridge.ButtonsResult
		if err := request(cmd, bridge.MethodGetButtons, nil, &res); err != nil {
			return err
		}
		if buttonsJSON {
			return writeJSON(cmd.OutOrStdout(), res.Buttons)
		}
		return displayButtonsTable(cmd.OutOrStdout(), res.Buttons)
	},
}

var scanningCmd = &cobra.Command{
	Use:   "scanning",
	Short: "Report whether a scan is in progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var res bridge.ScanningResult
		if err := request(cmd, bridge.MethodIsScanning, nil, &res); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.IsScanning)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for a new button and pair it",
	Long: `Starts a scan and waits until a button was found and verified. Press a button
in pairing mode while the scan runs. Interrupting the command stops the scan.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return messageRequest(cmd, bridge.MethodScanForButtons, nil)
	},
}

var stopScanCmd = &cobra.Command{
	Use:   "stop-scan",
	Short: "Stop the scan in progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var res bridge.StopScanResult
		if err := request(cmd, bridge.MethodStopScan, nil, &res); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Scan stopped")
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <button-id>",
	Short: "Connect a known button",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return messageRequest(cmd, bridge.MethodConnectButton, bridge.ButtonParams{ButtonID: args[0]})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <button-id>",
	Short: "Disconnect a known button",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return messageRequest(cmd, bridge.MethodDisconnectButton, bridge.ButtonParams{ButtonID: args[0]})
	},
}

var removeAllCmd = &cobra.Command{
	Use:   "remove-all",
	Short: "Disconnect and forget every button",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return messageRequest(cmd, bridge.MethodRemoveAllButtons, nil)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the radio power state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var res bridge.ManagerStateResult
		if err := request(cmd, bridge.MethodGetManagerState, nil, &res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d)\n", radio.PowerState(res.State), res.State)
		return nil
	},
}

func init() {
	buttonsCmd.Flags().BoolVar(&buttonsJSON, "json", false, "Print buttons as JSON")
}

// withClient dials the server and runs fn until it returns or the command is interrupted.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *bridge.Client) error) error {
	if _, err := configureLogger(cmd, logrusSilent); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := socketPath(cmd)
	c, err := bridge.Dial(ctx, path)
	if err != nil {
		return notRunning(path, err)
	}
	defer c.Close()

	return fn(ctx, c)
}

func request(cmd *cobra.Command, method string, params, result any) error {
	return withClient(cmd, func(ctx context.Context, c *bridge.Client) error {
		return c.Call(ctx, method, params, result)
	})
}

// messageRequest issues a request answering {message} and prints the message.
func messageRequest(cmd *cobra.Command, method string, params any) error {
	var res bridge.MessageResult
	if err := request(cmd, method, params, &res); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func socketPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("socket"); path != "" {
		return path
	}
	return bridge.DefaultSocketPath()
}

func displayButtonsTable(out io.Writer, buttons []button.Button) error {
	if len(buttons) == 0 {
		fmt.Fprintln(out, "No buttons known. Run 'buttond scan' to pair one.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUTTON ID\tNAME\tSTATE")
	fmt.Fprintln(w, strings.Repeat("-", 48))

	for _, b := range buttons {
		name := b.Name()
		if name == "" {
			name = "-"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, name, b.State)
	}

	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
