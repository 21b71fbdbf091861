package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/buttond/internal/bridge"
	"github.com/srg/buttond/internal/radio"
	"github.com/srg/buttond/internal/testutils"
)

// syncBuffer is a bytes.Buffer safe for a command writing while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandSuite runs a bridge server over the SessionSuite session, so client commands
// talk to a real socket backed by the simulated radio.
type CommandSuite struct {
	testutils.SessionSuite

	dir    string
	socket string
	hub    *bridge.Hub
	server *bridge.Server

	cancel context.CancelFunc
	served chan error
}

func (s *CommandSuite) SetupTest() {
	s.RadioOptions.Power = radio.PowerOn
	s.RadioOptions.AutoConnect = true
	s.RadioOptions.AutoDisconnect = true
	s.SessionSuite.SetupTest()

	dir, err := os.MkdirTemp("", "bd")
	s.Require().NoError(err)
	s.dir = dir
	s.socket = filepath.Join(dir, bridge.SocketName)

	s.hub = bridge.NewHub(s.Session, bridge.HubOptions{Logger: s.Logger, Metrics: s.Metrics})
	handler := bridge.NewHandler(s.Session, bridge.HandlerOptions{Logger: s.Logger, Metrics: s.Metrics})
	s.server = bridge.NewServer(handler, s.hub, bridge.ServerOptions{Path: s.socket, Logger: s.Logger})
	s.Require().NoError(s.server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.served = make(chan error, 1)
	go func() { s.served <- s.server.Serve(ctx) }()
}

func (s *CommandSuite) TearDownTest() {
	s.cancel()
	s.NoError(<-s.served)
	s.hub.Close()
	_ = os.RemoveAll(s.dir)
	resetFlags(rootCmd)
	s.SessionSuite.TearDownTest()
}

// ExecuteCommand runs the root command against the suite's server and returns stdout.
func (s *CommandSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), nil, args...)
}

// ExecuteCommandContext runs the root command with ctx, writing stdout to out when set.
func (s *CommandSuite) ExecuteCommandContext(ctx context.Context, out *syncBuffer, args ...string) (string, error) {
	if out == nil {
		out = &syncBuffer{}
	}
	errOut := &syncBuffer{}

	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetArgs(append(args, "--socket", s.socket))
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

// resetFlags restores every flag of cmd and its children to its default value.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}
