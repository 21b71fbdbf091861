package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/buttond/internal/bridge"
	"github.com/srg/buttond/internal/groutine"
	"github.com/srg/buttond/internal/metrics"
	"github.com/srg/buttond/internal/radio"
	"github.com/srg/buttond/internal/radio/bluez"
	"github.com/srg/buttond/internal/radio/goble"
	"github.com/srg/buttond/internal/radio/simradio"
	"github.com/srg/buttond/internal/session"
	"github.com/srg/buttond/pkg/config"
)

// maxGoroutines fails the liveness check; a healthy server stays far below it.
const maxGoroutines = 10000

var (
	serveBackend  string
	serveConfig   string
	serveHTTP     string
	serveScenario string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the button session manager",
	Long: `Runs the button session manager on the selected radio backend and exposes it on a
Unix socket. Metrics and health endpoints are served on --http unless it is empty.

Backends:
  goble  HCI (Linux) or CoreBluetooth (macOS) through go-ble
  bluez  the BlueZ daemon over the D-Bus system bus
  sim    an in-process simulated radio, optionally driven by --scenario`,
	Example: `  buttond serve
  buttond serve --backend bluez --http :9467
  buttond serve --backend sim --scenario scenarios/demo.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "Radio backend: goble, bluez or sim (overrides config)")
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&serveHTTP, "http", "", "Metrics and health listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveScenario, "scenario", "", "Scenario driving the sim backend")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := serveSettings(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg.Level())
	if err != nil {
		return err
	}

	var scenario *simradio.Scenario
	if serveScenario != "" {
		if cfg.Backend != config.BackendSim {
			return fmt.Errorf("--scenario requires the %s backend", config.BackendSim)
		}
		if scenario, err = simradio.LoadScenario(serveScenario); err != nil {
			return err
		}
	}

	d, err := newDaemon(cfg, logger, scenario)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.run(ctx)
}

// serveSettings loads the config file and applies flag overrides.
func serveSettings(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(serveConfig)
	if err != nil {
		return nil, err
	}

	if serveBackend != "" {
		cfg.Backend = serveBackend
	}
	if cmd.Flags().Changed("http") {
		cfg.HTTPAddr = serveHTTP
	}
	if socket, _ := cmd.Flags().GetString("socket"); socket != "" {
		cfg.SocketPath = socket
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = bridge.DefaultSocketPath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// daemon is one running server: session, radio, bridge and the HTTP side channel.
type daemon struct {
	cfg      *config.Config
	logger   *logrus.Logger
	registry *prometheus.Registry

	session  *session.Session
	sim      *simradio.Radio
	scenario *simradio.Scenario
	hub      *bridge.Hub
	server   *bridge.Server
	health   healthcheck.Handler
}

func newDaemon(cfg *config.Config, logger *logrus.Logger, scenario *simradio.Scenario) (*daemon, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	r, sim, err := newRadio(cfg, logger, scenario)
	if err != nil {
		return nil, err
	}

	sess := session.New(session.Options{
		Logger:               logger,
		Metrics:              m,
		ReplayBufferSize:     cfg.Session.ReplayBufferSize,
		OptimisticDisconnect: cfg.Session.OptimisticDisconnect,
	})

	hub := bridge.NewHub(sess, bridge.HubOptions{
		Buffer:      cfg.Bridge.SubscriberBuffer,
		SendTimeout: cfg.Bridge.SubscriberTimeout,
		Logger:      logger,
		Metrics:     m,
	})
	handler := bridge.NewHandler(sess, bridge.HandlerOptions{
		Logger:         logger,
		Metrics:        m,
		RequestTimeout: cfg.Bridge.RequestTimeout,
	})
	server := bridge.NewServer(handler, hub, bridge.ServerOptions{
		Path:   cfg.SocketPath,
		Logger: logger,
	})

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddReadinessCheck("radio-powered-on", func() error {
		if state := sess.PowerState(); state != radio.PowerOn {
			return fmt.Errorf("radio is %s", state)
		}
		return nil
	})

	if err := sess.Bind(r); err != nil {
		_ = sess.Close()
		_ = r.Close()
		return nil, fmt.Errorf("failed to bind radio: %w", err)
	}

	return &daemon{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		session:  sess,
		sim:      sim,
		scenario: scenario,
		hub:      hub,
		server:   server,
		health:   health,
	}, nil
}

// newRadio creates the configured backend. sim is set for the simulated backend only.
func newRadio(cfg *config.Config, logger *logrus.Logger, scenario *simradio.Scenario) (radio.Radio, *simradio.Radio, error) {
	switch cfg.Backend {
	case config.BackendGoble:
		g, err := goble.New(goble.Options{
			Logger:                  logger,
			ServiceUUID:             cfg.Radio.ServiceUUID,
			EventCharacteristicUUID: cfg.Radio.EventCharacteristicUUID,
			ScanTimeout:             cfg.Radio.ScanTimeout,
			ConnectTimeout:          cfg.Radio.ConnectTimeout,
			Workers:                 cfg.Radio.Workers,
			OpenRetries:             cfg.Radio.OpenRetries,
			KnownButtons:            cfg.Radio.KnownButtons,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, nil, nil
	case config.BackendBlueZ:
		return bluez.New(bluez.Options{
			Logger:                  logger,
			Adapter:                 cfg.Radio.Adapter,
			ServiceUUID:             cfg.Radio.ServiceUUID,
			EventCharacteristicUUID: cfg.Radio.EventCharacteristicUUID,
			ScanTimeout:             cfg.Radio.ScanTimeout,
			OpenRetries:             cfg.Radio.OpenRetries,
		}), nil, nil
	case config.BackendSim:
		opts := simradio.Options{
			Logger:         logger,
			Power:          radio.PowerOn,
			Restore:        cfg.Radio.KnownButtons,
			AutoConnect:    true,
			AutoDisconnect: true,
		}
		if scenario != nil {
			opts = scenario.Options(logger)
		}
		sim := simradio.New(opts)
		return sim, sim, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// run serves until ctx is done, then shuts everything down.
func (d *daemon) run(ctx context.Context) error {
	defer d.close()

	if err := d.server.Listen(); err != nil {
		return err
	}

	httpServer := d.httpServer()
	if httpServer != nil {
		groutine.Go(ctx, "http", func(context.Context) {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.WithError(err).Error("HTTP listener failed")
			}
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	if d.scenario != nil {
		groutine.Go(ctx, "scenario", d.runScenario)
	}

	d.logger.WithFields(logrus.Fields{
		"backend": d.cfg.Backend,
		"socket":  d.server.Path(),
		"http":    d.cfg.HTTPAddr,
	}).Info("buttond started")

	err := d.server.Serve(ctx)
	d.logger.Info("buttond stopping")
	return err
}

func (d *daemon) runScenario(ctx context.Context) {
	log := d.logger.WithField("scenario", d.scenario.Name)
	err := d.scenario.Run(ctx, d.session, d.sim, func(res simradio.StepResult) {
		entry := log.WithFields(logrus.Fields{"step": res.Index, "action": res.Step.String()})
		if res.Err != nil {
			entry = entry.WithError(res.Err)
		}
		entry.Info("Scenario step")
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Scenario aborted")
		return
	}
	log.Info("Scenario finished")
}

// httpServer builds the metrics and health listener, nil when disabled.
func (d *daemon) httpServer() *http.Server {
	if d.cfg.HTTPAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.Handle("/live", d.health)
	mux.Handle("/ready", d.health)
	return &http.Server{
		Addr:              d.cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (d *daemon) close() {
	_ = d.server.Close()
	d.hub.Close()
	if err := d.session.Close(); err != nil {
		d.logger.WithError(err).Warn("Radio close failed")
	}
}
