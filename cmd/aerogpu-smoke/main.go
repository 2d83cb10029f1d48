package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	aerogpu "github.com/aerovm/aerogpu-go"
	"github.com/aerovm/aerogpu-go/internal/abi"
	"github.com/aerovm/aerogpu-go/internal/logging"
)

// config mirrors DeviceParams for the YAML config file. Zero values fall
// back to the defaults.
type config struct {
	RingEntries         uint32 `yaml:"ring_entries"`
	CmdBufferSize       int    `yaml:"cmd_buffer_size"`
	AllocTableSlots     int    `yaml:"alloc_table_slots"`
	ArenaSize           int    `yaml:"arena_size"`
	MaxPresentsInFlight int    `yaml:"max_presents_in_flight"`
	SubmissionLogSize   int    `yaml:"submission_log_size"`
	SharedCounterName   string `yaml:"shared_counter_name"`
}

func loadConfig(path string) (aerogpu.DeviceParams, error) {
	params := aerogpu.DefaultParams()
	if path == "" {
		return params, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return params, err
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return params, err
	}

	if cfg.RingEntries != 0 {
		params.RingEntries = cfg.RingEntries
	}
	if cfg.CmdBufferSize != 0 {
		params.CmdBufferSize = cfg.CmdBufferSize
	}
	if cfg.AllocTableSlots != 0 {
		params.AllocTableSlots = cfg.AllocTableSlots
	}
	if cfg.ArenaSize != 0 {
		params.ArenaSize = cfg.ArenaSize
	}
	if cfg.MaxPresentsInFlight != 0 {
		params.MaxPresentsInFlight = cfg.MaxPresentsInFlight
	}
	if cfg.SubmissionLogSize != 0 {
		params.SubmissionLogSize = cfg.SubmissionLogSize
	}
	params.SharedCounterName = cfg.SharedCounterName
	return params, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file overriding device parameters")
		frames     = flag.Int("frames", 120, "Number of frames to submit")
		draws      = flag.Int("draws", 16, "Draw packets per frame")
		transport  = flag.String("transport", "ring", "Transport flavor: ring, direct, present")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	params, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Invalid config '%s': %v", *configPath, err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	// The smoke workload runs against the in-process emulator; the point
	// is exercising the full guest-side path, not a real device.
	var tp aerogpu.Transport
	switch *transport {
	case "ring":
		tp = aerogpu.NewTestDevice()
	case "direct":
		tp = aerogpu.NewTestSubmitDevice()
	case "present":
		tp = aerogpu.NewTestPresentDevice()
	default:
		log.Fatalf("Unknown transport '%s'", *transport)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	device, err := aerogpu.OpenDevice(tp, params, &aerogpu.Options{
		Context: ctx,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to open device", "error", err)
		os.Exit(1)
	}
	defer device.Close()

	dctx, err := device.NewContext(aerogpu.EngineRender)
	if err != nil {
		logger.Error("failed to create context", "error", err)
		os.Exit(1)
	}
	defer dctx.Close()

	logger.Info("starting smoke workload",
		"frames", *frames,
		"draws_per_frame", *draws,
		"transport", *transport)

	start := time.Now()
	for frame := 0; frame < *frames; frame++ {
		if ctx.Err() != nil {
			break
		}
		if err := runFrame(device, dctx, frame, *draws); err != nil {
			logger.Error("frame failed", "frame", frame, "error", err)
			os.Exit(1)
		}
	}

	if _, err := dctx.WaitIdle(ctx, 5*time.Second); err != nil {
		logger.Error("waiting for idle", "error", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	snap := device.MetricsSnapshot()
	fmt.Printf("Frames:          %d in %v\n", *frames, elapsed.Round(time.Millisecond))
	fmt.Printf("Submissions:     %d (%d presents)\n", snap.Submissions, snap.Presents)
	fmt.Printf("Packets:         %d (%s)\n", snap.Packets, formatSize(snap.PacketBytes))
	fmt.Printf("Alloc entries:   %d\n", snap.AllocEntries)
	fmt.Printf("Capacity events: %d encoder, %d table, %d ring\n",
		snap.EncoderFlushes, snap.TableFlushes, snap.RingFullStalls)
	fmt.Printf("Probes:          %d\n", snap.ProbeQueries)
	fmt.Printf("Latency:         avg %v, p50 %v, p99 %v\n",
		time.Duration(snap.AvgLatencyNs),
		time.Duration(snap.LatencyP50Ns),
		time.Duration(snap.LatencyP99Ns))
	fmt.Printf("Bandwidth:       %s/s\n", formatSize(uint64(snap.Bandwidth)))
}

// runFrame encodes one frame's worth of state, draws and a present.
func runFrame(device *aerogpu.Device, dctx *aerogpu.Context, frame, draws int) error {
	vb, err := device.AllocID()
	if err != nil {
		return err
	}
	rt, err := device.AllocID()
	if err != nil {
		return err
	}
	if err := dctx.TrackResources(abi.AllocFlagRead, vb); err != nil {
		return err
	}
	if _, err := dctx.TrackResource(rt, abi.AllocFlagWrite); err != nil {
		return err
	}

	if err := dctx.DebugMarker(fmt.Sprintf("frame %d", frame)); err != nil {
		return err
	}

	clearBody, err := dctx.AppendRaw(abi.CmdClear, 16)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(clearBody, uint32(frame))

	for i := 0; i < draws; i++ {
		body, err := dctx.AppendRaw(abi.CmdDraw, 16)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(body[0:], uint32(i*3)) // first vertex
		binary.LittleEndian.PutUint32(body[4:], 3)           // vertex count
		binary.LittleEndian.PutUint32(body[8:], vb)          // vertex buffer
		binary.LittleEndian.PutUint32(body[12:], rt)         // render target
	}

	_, err = dctx.Present()
	return err
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
