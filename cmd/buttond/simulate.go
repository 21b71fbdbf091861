package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/buttond/internal/radio/simradio"
	"github.com/srg/buttond/internal/session"
)

var simulateOptimistic bool

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Run a scripted radio scenario",
	Long: `Runs a scenario against an in-process session and simulated radio. Every
notification is printed to stdout as one JSON line; request outcomes go to stderr.`,
	Example: `  buttond simulate scenarios/demo.yaml
  buttond simulate scenarios/demo.yaml 2>/dev/null | jq -c '[.event, .data]'`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().BoolVar(&simulateOptimistic, "optimistic-disconnect", true, "Emit buttonDisconnected as soon as a disconnect is requested")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, logrusSilent)
	if err != nil {
		return err
	}

	scenario, err := simradio.LoadScenario(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := simradio.New(scenario.Options(logger))
	sess := session.New(session.Options{
		Logger:               logger,
		OptimisticDisconnect: simulateOptimistic,
	})
	defer sess.Close()

	printer := newEventPrinter(cmd.OutOrStdout(), true, false)
	sess.Subscribe(printer.print)

	if err := sess.Bind(sim); err != nil {
		return fmt.Errorf("failed to bind simulated radio: %w", err)
	}

	// Scan completions are reported from the session's goroutine.
	var mu sync.Mutex
	stderr := cmd.ErrOrStderr()
	err = scenario.Run(ctx, sess, sim, func(res simradio.StepResult) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case res.Async && res.Err != nil:
			fmt.Fprintf(stderr, "step %d: %s completed: %s\n", res.Index, res.Step, FormatUserError(res.Err))
		case res.Async:
			fmt.Fprintf(stderr, "step %d: %s completed\n", res.Index, res.Step)
		case res.Err != nil:
			fmt.Fprintf(stderr, "step %d: %s: %s\n", res.Index, res.Step, FormatUserError(res.Err))
		default:
			fmt.Fprintf(stderr, "step %d: %s: ok\n", res.Index, res.Step)
		}
	})
	if err != nil {
		return err
	}

	// Flush notifications still queued for delivery before closing.
	return sess.Events().Sync(ctx)
}
