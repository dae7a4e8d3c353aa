// Walkie: CLI entry point.
//
// Runs one station of the LAN walkie-talkie: every configured channel is
// announced on the local network and connected to the other stations found
// on it. Audio devices are headless (tone, silence or WAV files).
//
// It can be launched interactively (no flags) or non-interactively via a
// config file and CLI flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"

	"github.com/1ureka/walkie/internal/app"
	"github.com/1ureka/walkie/internal/channel"
	"github.com/1ureka/walkie/internal/config"
	"github.com/1ureka/walkie/internal/discovery"
	"github.com/1ureka/walkie/internal/metrics"
	"github.com/1ureka/walkie/internal/monitor"
	"github.com/1ureka/walkie/internal/util"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "YAML config file")
	station := flag.String("station", "", "Station name shown to other stations")
	channels := flag.String("channel", "", "Comma separated channel names")
	listen := flag.String("listen", "", "TCP listen address for sessions (default :0)")
	input := flag.String("input", "", "Audio input: silence, tone or a WAV file")
	output := flag.String("output", "", "Audio output: null or a WAV file path")
	beep := flag.String("beep", "", "Roger beep WAV file")
	mode := flag.String("discovery", "", "Discovery mode: lan or local")
	peers := flag.Int("peers", 0, "Simulated stations to run in-process (local discovery only)")
	monitorAddr := flag.String("monitor", "", "Serve the HTTP monitor on this address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *debugMode || cfg.Log.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Walkie v%s", version))
	pterm.Println()

	// No config and no station → interactive mode.
	if *configPath == "" && *station == "" {
		askStation(cfg)
	}

	// Flags override the config file.
	override(&cfg.Station, *station)
	override(&cfg.ListenAddr, *listen)
	override(&cfg.Audio.Input, *input)
	override(&cfg.Audio.Output, *output)
	override(&cfg.Audio.RogerBeep, *beep)
	override(&cfg.Discovery.Mode, *mode)
	if *channels != "" {
		cfg.Channels = splitList(*channels)
	}
	if *monitorAddr != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Addr = *monitorAddr
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *peers > 0 && cfg.Discovery.Mode != config.ModeLocal {
		util.LogError("-peers needs -discovery local")
		os.Exit(1)
	}

	run(ctx, cfg, *peers)
	util.LogInfo("successfully stopped all channels")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config, peers int) {
	hub := monitor.NewHub()
	observers := channel.Observers{consoleObserver{}, hub}

	opts := app.Options{Config: cfg, Observer: observers}
	var network *discovery.Network
	if cfg.Discovery.Mode == config.ModeLocal {
		network = discovery.NewNetwork()
		opts.Discovery = network
		opts.Closer = func() error { network.Close(); return nil }
	}

	svc, err := app.New(opts)
	if err != nil {
		util.LogError("failed to start station: %v", err)
		os.Exit(1)
	}
	if err := svc.Start(); err != nil {
		util.LogError("%v", err)
		shutdown(svc)
		os.Exit(1)
	}

	var sims []*app.Service
	for i := 1; i <= peers; i++ {
		sim, err := startSimulated(ctx, cfg, network, i)
		if err != nil {
			util.LogError("simulated station %d: %v", i, err)
			continue
		}
		sims = append(sims, sim)
	}

	if cfg.Monitor.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics.Register(reg)

		srv := monitor.NewServer(hub, reg)
		addr, err := srv.Start(cfg.Monitor.Addr)
		if err != nil {
			util.LogError("%v", err)
		} else {
			util.LogSuccess("monitor on http://%s/stations", addr)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
		}
	}

	util.StartStatsReporter(ctx)
	printHelp()

	console(ctx, svc)

	for _, sim := range sims {
		shutdown(sim)
	}
	shutdown(svc)
}

// startSimulated runs an extra station on the shared in-process network. It
// talks for two seconds every eight until ctx ends.
func startSimulated(ctx context.Context, base *config.Config, network *discovery.Network, n int) (*app.Service, error) {
	cfg := *base
	cfg.Station = fmt.Sprintf("Sim %d", n)
	cfg.DeviceID = fmt.Sprintf("%s-sim%d", base.DeviceID, n)
	cfg.Audio.Input = "tone"
	cfg.Audio.Output = "null"
	cfg.ListenAddr = "127.0.0.1:0"

	sim, err := app.New(app.Options{Config: &cfg, Discovery: network})
	if err != nil {
		return nil, err
	}
	if err := sim.Start(); err != nil {
		shutdown(sim)
		return nil, err
	}

	go func() {
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sim.Talk(true)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
				}
				sim.Talk(false)
			case <-ctx.Done():
				return
			}
		}
	}()
	return sim, nil
}

func shutdown(svc *app.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		util.LogWarning("%v", err)
	}
}

// consoleObserver logs channel state changes.
type consoleObserver struct{}

func (consoleObserver) StateChanged(ch *channel.Channel, st channel.Status) {
	switch {
	case st.Err != nil && st.State == channel.Announcing:
		util.LogError("[%s] registration failed: %v", ch.Name(), st.Err)
	case st.State == channel.Active:
		util.LogSuccess("[%s] on air as %q, port %d", ch.Name(), st.ServiceName, st.Port)
	}
}

func (consoleObserver) StationsChanged(ch *channel.Channel, stations []channel.Station) {
	util.LogDebug("[%s] %d station(s)", ch.Name(), len(stations))
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askStation prompts for the station name and channel.
func askStation(cfg *config.Config) {
	name, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(fmt.Sprintf("Station name (%s)", cfg.Station)).
		Show()
	if name = strings.TrimSpace(name); name != "" {
		cfg.Station = name
	}
	pterm.Println()

	options := []string{"Channel_00", "Channel_01", "Channel_02", "Channel_03"}
	picked, _ := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultText("Select a channel").
		Show()
	if picked != "" {
		cfg.Channels = []string{picked}
	}
	pterm.Println()
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
