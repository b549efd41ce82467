// Package main is the gapd entry point: the Bluetooth GAP host dispatcher
// daemon and a small client for inspecting a running daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/adapter/bluez"
	"github.com/radio-control/gapd/internal/adapter/fake"
	"github.com/radio-control/gapd/internal/audit"
	"github.com/radio-control/gapd/internal/auth"
	"github.com/radio-control/gapd/internal/bond"
	"github.com/radio-control/gapd/internal/bonder"
	"github.com/radio-control/gapd/internal/config"
	"github.com/radio-control/gapd/internal/host"
	"github.com/radio-control/gapd/internal/logging"
	"github.com/radio-control/gapd/internal/rpc"
	"github.com/radio-control/gapd/internal/telemetry"
)

// Version is overridden at link time.
var Version = "0.1.0"

var (
	flgConfig   = cli.StringFlag{Name: "config, c", Usage: "YAML configuration file"}
	flgLogLevel = cli.StringFlag{Name: "log-level", Usage: "Override log.level"}
	flgSocket   = cli.StringFlag{Name: "socket, s", Usage: "Override transport.address"}
	flgDriver   = cli.StringFlag{Name: "driver", Usage: "Override driver.kind (bluez or fake)"}
	flgToken    = cli.StringFlag{Name: "token", Usage: "Bearer token presented in Open", EnvVar: "GAPD_TOKEN"}
)

func main() {
	app := cli.NewApp()
	app.Name = "gapd"
	app.Usage = "Bluetooth GAP host dispatcher"
	app.Version = Version
	app.Flags = []cli.Flag{flgConfig, flgLogLevel, flgSocket, flgDriver}
	app.Action = serve
	app.Commands = []cli.Command{
		{
			Name:   "config",
			Usage:  "Print the effective configuration",
			Action: printConfig,
		},
		{
			Name:   "adapters",
			Usage:  "List the adapters of a running daemon",
			Action: listAdapters,
			Flags:  []cli.Flag{flgToken, cli.DurationFlag{Name: "timeout, t", Value: 5 * time.Second, Usage: "Request timeout"}},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gapd: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if level := c.GlobalString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if socket := c.GlobalString("socket"); socket != "" {
		cfg.Transport.Address = socket
	}
	if driver := c.GlobalString("driver"); driver != "" {
		cfg.Driver.Kind = driver
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid command line overrides: %w", err)
	}
	return cfg, nil
}

func printConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	// Never echo secrets
	cfg.Auth.SecretKey = ""

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func serve(c *cli.Context) error {
	// Step 1: Load configuration
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Step 2: Logging
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	logger.WithField("version", Version).Info("starting gapd")

	// Step 3: Audit trail
	auditLogger, err := audit.NewLogger(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	defer auditLogger.Close()

	// Step 4: Bond storage
	var store bond.Store = bond.NewMemoryStore()
	if cfg.Bonds.File != "" {
		fileStore, err := bond.OpenFileStore(cfg.Bonds.File)
		if err != nil {
			return fmt.Errorf("failed to open bond store: %w", err)
		}
		store = fileStore
		logger.WithField("file", fileStore.Path()).Info("bond store opened")
	}

	// Step 5: Event hub and dispatcher
	hub := telemetry.NewHub(cfg.Timing, cfg.Events.BufferSize, logger)
	defer hub.Stop()

	dispatcher := host.NewDispatcher(host.Options{
		Store:         store,
		Events:        hub,
		Logger:        logger,
		DriverTimeout: cfg.Timing.DriverCommandTimeout,
		RevokeTimeout: cfg.Timing.RevokeTimeout,
	})
	defer dispatcher.Close()
	hub.SetSnapshot(dispatcher.Snapshot)

	ctx, cancel := signalContext(logger)
	defer cancel()

	// Step 6: Controller driver
	watcher, closeDriver, err := openDriver(ctx, cfg, dispatcher, logger)
	if err != nil {
		return err
	}
	defer closeDriver()

	watchErr := make(chan error, 1)
	go func() { watchErr <- dispatcher.Run(ctx, watcher) }()

	// Step 7: Authentication
	var verifier bonder.TokenVerifier
	if cfg.Auth.Enabled {
		v, err := auth.NewVerifierFromConfig(cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to initialize token verifier: %w", err)
		}
		verifier = v
	}

	// Step 8: Bonder service on the RPC transport
	service := bonder.NewService(bonder.Options{
		Dispatcher: dispatcher,
		Events:     hub,
		Verifier:   verifier,
		Audit:      auditLogger,
		Timing:     cfg.Timing,
		Logger:     logger,
	})

	listener, err := rpc.Listen(cfg.Transport.Network, cfg.Transport.Address)
	if err != nil {
		return err
	}
	server := rpc.NewServer(listener, service, cfg.Transport.MaxConnections, logger)
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	logger.WithFields(logrus.Fields{
		"network": cfg.Transport.Network,
		"address": server.Addr().String(),
		"driver":  cfg.Driver.Kind,
		"auth":    cfg.Auth.Enabled,
	}).Info("gapd started")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("rpc server failed")
			return err
		}
	case err := <-watchErr:
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("controller watch failed")
			return err
		}
	}

	logger.Info("gapd stopped")
	return nil
}

// openDriver returns the hotplug source for the configured driver.
func openDriver(ctx context.Context, cfg *config.Config, router adapter.PairingRouter, logger *logrus.Logger) (adapter.Watcher, func(), error) {
	switch cfg.Driver.Kind {
	case "fake":
		logger.WithField("adapters", cfg.Driver.FakeAdapters).Warn("using fake controllers")
		return fake.NewBus(cfg.Driver.FakeAdapters...), func() {}, nil

	case "bluez":
		driver, err := bluez.Dial(ctx, logger)
		if err != nil {
			return nil, nil, err
		}

		agent := bluez.NewAgent(router, cfg.Timing.PairingReplyTimeout, logger)
		go func() {
			if err := driver.ServePairing(ctx, agent); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("pairing agent stopped")
			}
		}()
		return driver, func() { _ = driver.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver.Kind)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger logrus.FieldLogger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-signals:
			logger.WithField("signal", sig.String()).Info("received signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx, cancel
}

func listAdapters(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	ch, err := rpc.Dial(ctx, cfg.Transport.Network, cfg.Transport.Address)
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := roundTrip(ctx, ch, "1", rpc.MethodOpen, rpc.OpenParams{Token: c.String("token")}); err != nil {
		return err
	}
	resp, err := roundTrip(ctx, ch, "2", rpc.MethodGetAdapters, nil)
	if err != nil {
		return err
	}

	var result rpc.AdaptersResult
	if err := resp.DecodeResult(&result); err != nil {
		return fmt.Errorf("failed to decode adapters: %w", err)
	}
	for _, info := range result.Adapters {
		fmt.Printf("%-8s %-17s %-20q powered=%t discovering=%t discoverable=%t\n",
			info.ID, info.Address, info.Name, info.Powered, info.Discovering, info.Discoverable)
	}
	return nil
}

// roundTrip sends one request and waits for its response, skipping events.
func roundTrip(ctx context.Context, ch rpc.Channel, id, method string, params interface{}) (rpc.Message, error) {
	req, err := rpc.NewRequest(id, method, params)
	if err != nil {
		return rpc.Message{}, err
	}
	if err := ch.Send(ctx, req); err != nil {
		return rpc.Message{}, err
	}

	for {
		msg, err := ch.Recv(ctx)
		if err != nil {
			return rpc.Message{}, err
		}
		if msg.Kind != rpc.KindResponse || msg.ID != id {
			continue
		}
		if msg.Status == nil {
			return msg, fmt.Errorf("%s: response without status", method)
		}
		if !msg.Status.IsOK() {
			return msg, fmt.Errorf("%s failed: %s %s", method, msg.Status.Code, msg.Status.Message)
		}
		return msg, nil
	}
}
