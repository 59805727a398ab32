package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fako1024/btobd/pkg/config"
	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/manager"
	"github.com/fako1024/btobd/pkg/memory"
	"go.uber.org/zap"
)

type flags struct {
	configPath string
	bridge     string
	addr       string
	commands   string
	scanOnly   bool
	listSaved  bool
	forget     string
	unblock    string
	timeout    time.Duration
	debug      bool
}

func main() {

	// Parse command line options
	var f flags
	flag.StringVar(&f.configPath, "config", "btobd.yaml", "Path to the configuration file")
	flag.StringVar(&f.bridge, "bridge", "", "Bridge to use (mock, ble, bluez, serial)")
	flag.StringVar(&f.addr, "addr", "", "Address of the adapter to connect to (auto-connect if empty)")
	flag.StringVar(&f.commands, "cmd", "ATRV", "Comma-separated list of commands to send once connected")
	flag.BoolVar(&f.scanOnly, "scan", false, "Scan for devices and print the ranked result")
	flag.BoolVar(&f.listSaved, "saved", false, "Print the saved devices and the connection history")
	flag.StringVar(&f.forget, "forget", "", "Remove a saved device (`all` clears the device memory)")
	flag.StringVar(&f.unblock, "unblock", "", "Remove a device from the blacklist")
	flag.DurationVar(&f.timeout, "timeout", 0, "Scan timeout (configured default if zero)")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	log, err := logging.New(f.debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	if err := run(f, log); err != nil {
		log.Fatal(err)
	}
}

func run(f flags, log *zap.SugaredLogger) (err error) {

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if f.bridge != "" {
		cfg.Bridge.Type = f.bridge
	}
	cfg.Manager.HeartbeatInterval = 0

	backend, err := memory.NewFileBackend(cfg.Store.Dir, cfg.Store.Namespace)
	if err != nil {
		return fmt.Errorf("failed to initialize device memory: %w", err)
	}
	store, err := memory.Open(backend, memory.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open device memory: %w", err)
	}

	// Device memory maintenance does not require a bridge
	switch {
	case f.listSaved:
		return printSaved(store)
	case f.forget == "all":
		return store.Clear()
	case f.forget != "":
		return store.Remove(f.forget)
	case f.unblock != "":
		return store.Unblacklist(f.unblock)
	}

	bridge, release, err := cfg.Bridge.NewBridge(log)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	m := manager.New(bridge, store,
		manager.WithConfig(cfg.Manager),
		manager.WithLogger(log.Named("manager")),
	)
	defer func() {
		if serr := m.Shutdown(); serr != nil && err == nil {
			err = serr
		}
	}()

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("bluetooth not usable: %w", err)
	}

	if f.scanOnly {
		scan, err := m.StartScan(f.timeout)
		if err != nil {
			return fmt.Errorf("failed to start scan: %w", err)
		}
		res, err := scan.Wait(ctx)
		if err != nil {
			return err
		}
		if res.Err != nil {
			return fmt.Errorf("scan failed: %w", res.Err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tNAME\tCLASS\tSCORE\tRSSI\tPAIRED")
		for _, d := range res.Devices {
			rssi := "-"
			if d.SignalStrength != nil {
				rssi = fmt.Sprintf("%d", *d.SignalStrength)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%v\n", d.Address, d.Name, d.Class, d.CompatibilityScore, rssi, d.IsPaired)
		}
		return w.Flush()
	}

	var res manager.ConnectResult
	if f.addr == "" {
		res, err = m.AttemptAutoConnect(ctx)
	} else {
		res, err = m.Connect(ctx, f.addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if derr := m.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}()

	fmt.Printf("connected to %s\n", res.Device)
	for _, ex := range res.Handshake {
		status := ex.Response
		if ex.Err != nil {
			status = "ERROR: " + ex.Err.Error()
		}
		fmt.Printf("  %-6s %s\n", ex.Command, status)
	}
	if !res.AdapterReady() {
		return fmt.Errorf("adapter handshake failed: %w", res.HandshakeErr)
	}

	for _, cmd := range strings.Split(f.commands, ",") {
		if cmd = strings.TrimSpace(cmd); cmd == "" {
			continue
		}
		resp, err := m.SendCommand(ctx, cmd, 0)
		if err != nil {
			return fmt.Errorf("failed to send command `%s`: %w", cmd, err)
		}
		fmt.Printf("%s: %s\n", cmd, resp)
	}

	return nil
}

func printSaved(store *memory.Store) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tLAST CONNECTED\tCOUNT\tAUTO-RECONNECT\tBLACKLISTED")
	for _, d := range store.SavedDevices() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%v\n", d.Address, d.Name, d.LastConnectedAt.Format(time.RFC3339), d.ConnectionCount, d.AutoReconnect, store.IsBlacklisted(d.Address))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	for _, h := range store.History() {
		fmt.Printf("%s  %-20s %-10s %s\n", h.ConnectedAt.Format(time.RFC3339), h.Name, h.Duration.Round(time.Second), h.Reason)
	}

	return nil
}
