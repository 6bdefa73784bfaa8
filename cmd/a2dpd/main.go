// ABOUTME: Entry point for the A2DP media transport daemon
// ABOUTME: Parses CLI flags, loads configuration and runs the service loop, link layer and channel server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sendspin/bluestream/internal/audiohal"
	"github.com/Sendspin/bluestream/internal/bluez"
	"github.com/Sendspin/bluestream/internal/config"
	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/loop"
	"github.com/Sendspin/bluestream/internal/profile"
	"github.com/Sendspin/bluestream/internal/statemachine"
	"github.com/Sendspin/bluestream/internal/ui"
	"github.com/Sendspin/bluestream/internal/version"
	"golang.org/x/sync/errgroup"
)

var (
	configFile = flag.String("config", "", "Config file path (YAML)")
	port       = flag.Int("port", 8928, "Audio channel server port")
	name       = flag.String("name", "", "Friendly name for mDNS (default: hostname-a2dp)")
	logFile    = flag.String("log-file", "a2dpd.log", "Log file path")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	mdns       = flag.Bool("mdns", true, "Advertise the channel server over mDNS")
	tui        = flag.Bool("tui", false, "Show the status dashboard")
	adapter    = flag.String("adapter", "hci0", "BlueZ adapter")
	bluezOn    = flag.Bool("bluez", true, "Drive peers through BlueZ over D-Bus")
	roles      = flag.String("roles", "source", "Comma separated roles to serve (source, sink)")
	offload    = flag.Bool("offload", false, "Hand encoding to the controller when the codec allows it")
	connect    = flag.String("connect", "", "Comma separated peer addresses to connect at startup")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

// flagKeys maps flag names to configuration keys
var flagKeys = map[string]string{
	"port":     "port",
	"name":     "name",
	"log-file": "log_file",
	"debug":    "debug",
	"mdns":     "mdns",
	"tui":      "tui",
	"adapter":  "adapter",
	"bluez":    "bluez",
	"roles":    "roles",
	"offload":  "offload",
}

// setFlags returns the explicitly set flags as configuration overrides
func setFlags() map[string]any {
	overrides := make(map[string]any)
	flag.Visit(func(f *flag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if g, ok := f.Value.(flag.Getter); ok {
			overrides[key] = g.Get()
		}
	})
	return overrides
}

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(*configFile, setFlags())
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	if cfg.TUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	log.Printf("Starting %s: %s on port %d", version.String(), cfg.Name, cfg.Port)
	if cfg.Debug {
		log.Printf("Debug logging enabled")
	}
	log.Printf("Roles: %v, offload: %v, logging to: %s", cfg.Roles, cfg.Offload, cfg.LogFile)

	if err := run(cfg); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}
	log.Printf("Daemon stopped")
}

// mediaLink is the link layer seen by the profile manager and the streams
type mediaLink interface {
	profile.Link
	SendMedia(addr device.Address, packet []byte) error
	Run(ctx context.Context) error
}

func run(cfg *config.Config) error {
	svcLoop := loop.New(cfg.Debug)

	var (
		manager *profile.Manager
		link    mediaLink
	)
	// The manager is created below, before any link goroutine starts.
	events := linkEvents(func() *profile.Manager { return manager })
	if cfg.BlueZ {
		link = bluez.New(bluez.Config{Adapter: cfg.Adapter, Roles: cfg.Roles, Debug: cfg.Debug}, events)
	} else {
		log.Printf("BlueZ disabled, peers connect over the loopback link")
		link = newLoopbackLink(events, cfg.Debug)
	}

	manager = profile.New(cfg.Profile(), svcLoop, link, link)
	if err := manager.Init(cfg.Roles, cfg.Offload); err != nil {
		return fmt.Errorf("init roles: %w", err)
	}

	srv := audiohal.New(audiohal.Config{
		Port:       cfg.Port,
		Name:       cfg.Name,
		Roles:      cfg.Roles,
		EnableMDNS: cfg.MDNS,
		Debug:      cfg.Debug,
	}, svcLoop, manager.Service())
	if _, err := srv.Listen(); err != nil {
		return err
	}

	var dash *ui.Dashboard
	if cfg.TUI {
		dash = ui.NewDashboard(cfg.Name, cfg.Port)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The loop outlives the other goroutines so shutdown can run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- svcLoop.Run(loopCtx) }()

	g, ctx := errgroup.WithContext(sigCtx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return link.Run(ctx) })

	if dash != nil {
		g.Go(func() error {
			err := dash.Run()
			if err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			defer dash.Stop()
			select {
			case <-dash.QuitChan():
				return errQuit
			case <-ctx.Done():
				return nil
			}
		})
		g.Go(func() error {
			ticker := time.NewTicker(250 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					svcLoop.Post(func() {
						dash.Update(ui.Snapshot{
							Name:      cfg.Name,
							Port:      cfg.Port,
							SessionID: manager.Service().ID(),
							Sessions:  manager.Service().Snapshot(),
							Channels:  srv.Connections(),
						})
					})
				}
			}
		})
	}

	for _, s := range strings.Split(*connect, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		addr, err := device.ParseAddress(s)
		if err != nil {
			return err
		}
		log.Printf("Connecting to %s as %s", addr, cfg.Roles[0])
		manager.ConnectAsync(addr, cfg.Roles[0])
	}

	log.Printf("Press Ctrl-C to stop")
	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		err = nil
	}

	shutdown := make(chan struct{})
	svcLoop.Post(func() {
		manager.Shutdown()
		close(shutdown)
	})
	select {
	case <-shutdown:
	case err := <-loopDone:
		return err
	case <-time.After(5 * time.Second):
		log.Printf("Shutdown timed out")
	}
	stopLoop()
	<-loopDone
	return err
}

var errQuit = errors.New("quit requested")

// linkEvents forwards link events to the manager once it exists
type linkEvents func() *profile.Manager

func (f linkEvents) LinkEventAsync(addr device.Address, role device.Role, ev statemachine.Event) {
	if m := f(); m != nil {
		m.LinkEventAsync(addr, role, ev)
	}
}
