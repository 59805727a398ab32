package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fako1024/btobd/pkg/api"
	"github.com/fako1024/btobd/pkg/config"
	"github.com/fako1024/btobd/pkg/events"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/manager"
	"github.com/fako1024/btobd/pkg/memory"
	"github.com/fako1024/btobd/pkg/stream"
	"go.uber.org/zap"
)

type flags struct {
	configPath string
	bridge     string
	debug      bool
}

func main() {

	// Parse command line options
	var f flags
	flag.StringVar(&f.configPath, "config", "btobd.yaml", "path to the configuration file")
	flag.StringVar(&f.bridge, "bridge", "", "bridge to use (mock, ble, bluez, serial), overrides the configuration")
	flag.BoolVar(&f.debug, "debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}
	if f.bridge != "" {
		cfg.Bridge.Type = f.bridge
	}

	log, err := logging.New(f.debug || cfg.Log.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	if err := run(cfg, log); err != nil {
		log.Fatalf("%s", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {

	bridge, release, err := cfg.Bridge.NewBridge(log)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			log.Warnf("failed to release bridge: %s", err)
		}
	}()

	backend, err := memory.NewFileBackend(cfg.Store.Dir, cfg.Store.Namespace)
	if err != nil {
		return fmt.Errorf("failed to initialize device memory: %w", err)
	}
	store, err := memory.Open(backend, memory.WithLogger(log.Named("memory")))
	if err != nil {
		return fmt.Errorf("failed to open device memory at %s: %w", backend.Path(), err)
	}

	bus := events.NewBus()
	m := manager.New(bridge, store,
		manager.WithConfig(cfg.Manager),
		manager.WithBus(bus),
		manager.WithLogger(log.Named("manager")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A blocking condition is recorded by the manager and reported via the API, it
	// can be resolved (and re-checked) without restarting
	if err := m.Start(ctx); err != nil {
		log.Warnf("bluetooth is not usable yet: %s", err)
	}

	go logEvents(log.Named("events"), bus.Subscribe())

	if cfg.API.Listen != "" {
		a := api.New(m, cfg.API.Listen, api.WithLogger(log.Named("api")))
		defer func() {
			if err := a.Shutdown(); err != nil {
				log.Warnf("failed to shut down API: %s", err)
			}
		}()
		log.Infof("serving API on %s", cfg.API.Listen)
	}
	if cfg.Stream.Listen != "" {
		s := stream.New(bus, stream.WithLogger(log.Named("stream")))
		go func() {
			if err := s.Run(ctx, cfg.Stream.Listen); err != nil {
				log.Errorf("event stream failed: %s", err)
			}
		}()
	}

	if cfg.AutoConnect && m.Preferences().AutoConnect {
		go func() {
			res, err := m.AttemptAutoConnect(ctx)
			switch {
			case errors.Is(err, manager.ErrAutoConnectDisabled):
			case err != nil:
				log.Warnf("auto-connect failed: %s", err)
			default:
				log.Infof("auto-connected to `%s` (adapter ready: %v)", res.Device, res.AdapterReady())
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)
	<-sigChan
	log.Infof("Got signal, terminating connection to device")

	cancel()
	return m.Shutdown()
}

func logEvents(log *zap.SugaredLogger, sub *events.Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case events.KindDeviceFound, events.KindConnectionQuality:
			log.Debugw(string(ev.Kind), eventFields(ev)...)
		default:
			log.Infow(string(ev.Kind), eventFields(ev)...)
		}
	}
}

func eventFields(ev events.Event) []interface{} {
	var fields []interface{}
	if ev.Device != nil {
		fields = append(fields, "device", ev.Device.String(), "score", ev.Device.CompatibilityScore)
	}
	if ev.Phase != "" {
		fields = append(fields, "phase", ev.Phase)
	}
	if ev.Error != "" {
		fields = append(fields, "error", ev.Error)
	}
	if ev.Kind == events.KindScanFinished {
		fields = append(fields, "devices", len(ev.Devices))
	}
	if ev.Kind == events.KindDisconnected {
		fields = append(fields, "terminal", ev.Terminal)
	}
	if ev.Kind == events.KindConnected {
		fields = append(fields, "adapterReady", ev.AdapterReady)
	}
	if ev.Quality != "" {
		fields = append(fields, "quality", ev.Quality, "latency", ev.Latency)
	}
	if ev.Attempt > 0 {
		fields = append(fields, "attempt", ev.Attempt, "delay", ev.Delay)
	}
	return fields
}
