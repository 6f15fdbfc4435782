// Command compass is the main entry point for the Compass voice-activity
// gating server.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/compass-agent/compass/internal/config"
	"github.com/compass-agent/compass/internal/health"
	"github.com/compass-agent/compass/internal/ingest"
	"github.com/compass-agent/compass/internal/observe"
	"github.com/compass-agent/compass/internal/pipeline"
	"github.com/compass-agent/compass/internal/store"
	"github.com/compass-agent/compass/internal/store/postgres"
	"github.com/compass-agent/compass/pkg/audio"
	"github.com/compass-agent/compass/pkg/gate"
	"github.com/compass-agent/compass/pkg/provider/vad"
	"github.com/compass-agent/compass/pkg/provider/vad/energy"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	stdinMode := flag.Bool("stdin", false, "gate raw PCM from stdin instead of serving WebSocket ingest")
	floatInput := flag.Bool("float32", false, "with -stdin: input is little-endian float32 samples, converted to int16 before gating")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "compass: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "compass: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("compass starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "compass",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Classifier ────────────────────────────────────────────────────────────
	newClassifier, err := classifierFactory(cfg.Classifier.Name)
	if err != nil {
		slog.Error("failed to resolve classifier", "err", err)
		return 1
	}
	slog.Info("classifier selected", "name", cfg.Classifier.Name)

	// ── Segment store (optional) ──────────────────────────────────────────────
	var (
		segStore store.SegmentStore
		checkers []health.Checker
	)
	if cfg.Store.PostgresDSN != "" {
		pg, err := postgres.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect segment store", "err", err)
			return 1
		}
		defer pg.Close()
		segStore = pg
		checkers = append(checkers, health.Checker{Name: "segment_store", Check: pg.Ping})
		slog.Info("segment store connected")
	} else {
		slog.Info("segment store disabled")
	}

	gateCfg := gate.Config{
		SampleRate:     cfg.Gate.SampleRate,
		FrameMs:        cfg.Gate.FrameMs,
		Aggressiveness: cfg.Gate.Aggressiveness,
		PreRollMs:      cfg.Gate.PreRollMs,
		SilenceStopMs:  cfg.Gate.SilenceStopMs,
	}

	// ── Stdin demo mode ───────────────────────────────────────────────────────
	if *stdinMode {
		if err := runStdin(ctx, gateCfg, newClassifier(), cfg.Pipeline.QueueSize, segStore, metrics, *floatInput); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("stdin gating error", "err", err)
			return 1
		}
		slog.Info("goodbye")
		return 0
	}

	// ── Ingest server ─────────────────────────────────────────────────────────
	if cfg.Server.ListenAddr == "" {
		fmt.Fprintln(os.Stderr, "compass: server.listen_addr is empty — set it or pass -stdin")
		return 1
	}

	srv, err := ingest.New(ingest.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		Gate:          gateCfg,
		NewClassifier: newClassifier,
		QueueSize:     cfg.Pipeline.QueueSize,
		Store:         segStore,
		Metrics:       metrics,
		Checkers:      checkers,
	})
	if err != nil {
		slog.Error("failed to initialise ingest server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down", "listen_addr", cfg.Server.ListenAddr)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// classifierFactory resolves a classifier name to a per-session constructor.
func classifierFactory(name string) (func() vad.Classifier, error) {
	switch name {
	case "energy":
		return func() vad.Classifier { return energy.New() }, nil
	default:
		return nil, fmt.Errorf("unknown classifier %q", name)
	}
}

// stdinChunkSize is deliberately unaligned with any frame size to exercise
// partial-frame carry-over.
const stdinChunkSize = 4096

// floatConv converts a little-endian float32 sample stream to int16 PCM,
// carrying partial-sample bytes between chunks so chunk boundaries need not
// align to 4 bytes.
type floatConv struct {
	carry []byte
}

func (fc *floatConv) convert(chunk []byte) []byte {
	buf := chunk
	if len(fc.carry) > 0 {
		buf = append(fc.carry, chunk...)
	}
	n := len(buf) / 4 * 4
	samples := make([]float32, 0, n/4)
	for i := 0; i < n; i += 4 {
		samples = append(samples, math.Float32frombits(binary.LittleEndian.Uint32(buf[i:])))
	}
	fc.carry = append([]byte(nil), buf[n:]...)
	return audio.Float32ToInt16LE(samples)
}

// runStdin gates raw mono PCM read from stdin and prints one line per
// finalised segment. Input is little-endian int16, or little-endian float32
// when floatInput is set. Intended for piping from arecord/sox:
//
//	arecord -f S16_LE -r 16000 -c 1 -t raw | compass -stdin
func runStdin(ctx context.Context, gateCfg gate.Config, c vad.Classifier, queueSize int, st store.SegmentStore, metrics *observe.Metrics, floatInput bool) error {
	p, err := pipeline.New(pipeline.Config{
		SessionID:  fmt.Sprintf("stdin-%d", time.Now().Unix()),
		Gate:       gateCfg,
		Classifier: c,
		QueueSize:  queueSize,
		Store:      st,
		Metrics:    metrics,
		OnSegment: func(seg gate.Segment) {
			fmt.Printf("segment t0=%s t1=%s duration=%s bytes=%d\n",
				seg.T0, seg.T1, seg.Duration(), len(seg.PCM))
		},
	})
	if err != nil {
		return err
	}

	var fc *floatConv
	if floatInput {
		fc = &floatConv{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		defer p.Close()
		r := bufio.NewReader(os.Stdin)
		buf := make([]byte, stdinChunkSize)
		for {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			n, err := r.Read(buf)
			if n > 0 {
				if fc != nil {
					p.Feed(fc.convert(buf[:n]))
				} else {
					p.Feed(buf[:n])
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("read stdin: %w", err)
			}
		}
	})

	err = g.Wait()
	st2 := p.Stats()
	slog.Info("stdin gating finished",
		"frames_total", st2.FramesTotal,
		"frames_speech", st2.FramesSpeech,
		"segments", st2.Segments,
		"wake_ups", st2.WakeUps,
		"flaps", st2.Flaps,
	)
	return err
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
