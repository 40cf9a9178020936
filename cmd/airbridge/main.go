// Command airbridge runs the air-side control bridge: it opens the
// configured wireless adapters and flight-controller serial lines, then
// drives the bidirectional multiplexing engine in internal/bridge until a
// termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aetheris-systems/airbridge/internal/bridge"
	"github.com/aetheris-systems/airbridge/internal/config"
	"github.com/aetheris-systems/airbridge/internal/logging"
	"github.com/aetheris-systems/airbridge/internal/monitor"
	"github.com/aetheris-systems/airbridge/internal/rcencode"
	"github.com/aetheris-systems/airbridge/internal/rcpublish"
	"github.com/aetheris-systems/airbridge/internal/serialport"
	"github.com/aetheris-systems/airbridge/internal/transport"
)

var (
	adaptersFlag   = flag.String("adapters", "", "comma-separated wireless adapter names (required)")
	controlSerial  = flag.String("control-serial", "/dev/ttyUSB0", "control serial device path")
	rcSerial       = flag.String("rc-serial", "", "dedicated RC serial device path (required if -use-sumd)")
	mode           = flag.String("mode", "m", "radio mode selector")
	commID         = flag.Int("comm-id", 0, "comm ID, 0-255, must match ground station")
	serialProtocol = flag.Int("serial-protocol", int(config.ProtocolMAVLinkTransparent), "1=MSPv1 2=MSPv2 3=MAVLinkV1 4=MAVLinkV2 5=MAVLinkTransparent")
	chunkSize      = flag.Int("chunk-size", config.DefaultChunkSize, "bytes per transparent-mode frame")
	useSUMD        = flag.Bool("use-sumd", false, "send RC frames on a dedicated serial port instead of the control serial")
	baud           = flag.Int("baud", config.DefaultBaud, "control-serial baud rate")
	frameType      = flag.Int("frame-type", 2, "1=RTS 2=DATA")
	bitrateMbps    = flag.Int("bitrate", 18, "802.11 bitrate option, 1..54 Mbps")
	offset80211    = flag.Bool("offset-80211", false, "enable payload-outside-802.11-header mode")
	logLevel       = flag.String("log-level", "info", "debug|info|warn|error")
	logFile        = flag.String("log-file", "stdout", "log output path, or \"stdout\"")
	listPorts      = flag.Bool("list-ports", false, "list detected USB serial ports and exit")
	monitorIngest  = flag.String("monitor-ingest", "", "address of a running airbridge-monitor's ingest endpoint, e.g. http://127.0.0.1:8095/ingest; empty disables the diagnostic side-channel")
)

func main() {
	flag.Parse()

	logging.Log = logging.New(*logLevel, *logFile)

	if *listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "list-ports: %v\n", err)
			os.Exit(2)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "usage error:\n%v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		logging.Log.WithError(err).Fatal("airbridge exiting")
	}
}

func buildConfig() config.Config {
	cfg := config.Default()
	cfg.Adapters = splitNonEmpty(*adaptersFlag)
	cfg.ControlSerialPath = *controlSerial
	cfg.RCSerialPath = *rcSerial
	cfg.Mode = *mode
	cfg.CommID = uint8(*commID)
	cfg.SerialProtocol = config.Protocol(*serialProtocol)
	cfg.ChunkSize = *chunkSize
	cfg.UseSUMD = *useSUMD
	cfg.Baud = *baud
	cfg.FrameType = *frameType
	cfg.BitrateMbps = *bitrateMbps
	cfg.Offset80211 = *offset80211
	cfg.LogLevel = *logLevel
	cfg.LogFile = *logFile
	return cfg
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run opens every endpoint — radio sockets are fatal on failure, serial
// lines are retried forever — and then blocks in the loop until ctx is
// canceled.
func run(ctx context.Context, cfg config.Config) error {
	opts := transport.FramingOptions{
		BitrateMbps: cfg.BitrateMbps,
		FrameType:   cfg.FrameType,
		Offset80211: cfg.Offset80211,
	}

	controlPort, err := serialport.OpenWithRetry(cfg.ControlSerialPath, cfg.Baud, ctx.Done())
	if err != nil {
		return fmt.Errorf("airbridge: control serial: %w", err)
	}

	var rcPort serialport.Port
	if cfg.UseSUMD {
		rcPort, err = serialport.OpenWithRetry(cfg.RCSerialPath, 115200, ctx.Done())
		if err != nil {
			return fmt.Errorf("airbridge: rc serial: %w", err)
		}
	}

	publisher := rcpublish.New()
	uplink := bridge.NewUplink(rcencode.SUMD{}, controlPort, rcPort, publisher)

	// loop is assigned once bridge.New runs below; the emit closures below
	// only execute afterward (on adapter-fed readiness or beacon ticks), so
	// capturing it by reference here and dereferencing inside the closure
	// is safe.
	var loop *bridge.Loop
	emit := func(port transport.LogicalPort, seq uint8, payload []byte) {
		bridge.FanOut(loop.Adapters(), port, seq, payload)
	}

	statusEmit := emit
	if *monitorIngest != "" {
		ingest := monitor.NewIngestClient(*monitorIngest)
		statusEmit = func(port transport.LogicalPort, seq uint8, payload []byte) {
			emit(port, seq, payload)
			if port == transport.PortStatus {
				ingest.PushAsync(seq, payload)
			}
		}
	}

	downlink := bridge.NewDownlink(cfg.SerialProtocol, cfg.ChunkSize, opts, emit)
	beacon := bridge.NewBeacon(uplink, statusEmit)

	loop = bridge.New(nil, controlPort, uplink, downlink, beacon)

	// Radio-socket open failure is fatal here, unlike serial above: there
	// is no retry for a missing or misconfigured wireless adapter.
	for _, name := range cfg.Adapters {
		radio, err := transport.OpenRawSocket(name, cfg.Mode)
		if err != nil {
			return fmt.Errorf("airbridge: adapter %s: %w", name, err)
		}
		loop.AddAdapter(bridge.NewAdapterEndpoint(name, radio, opts, loop.RCChannel(), loop.ControlChannel()))
	}

	logging.Log.WithField("adapters", cfg.Adapters).WithField("protocol", cfg.SerialProtocol.String()).Info("airbridge starting")
	return loop.Run(ctx)
}
