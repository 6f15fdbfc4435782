// Package pipeline assembles a gate with its collaborators: the bounded
// capture queue, structured logging, metrics, and best-effort segment
// metadata persistence.
//
// The gate itself is single-threaded and provides no synchronisation, so the
// pipeline owns it behind a mutex and drives it from the single goroutine
// running [Pipeline.Run]. Capture code on other goroutines hands chunks off
// through [Pipeline.Feed], which never blocks: when the queue is full the
// oldest chunk is dropped and counted, favouring fresh audio over stale.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/compass-agent/compass/internal/observe"
	"github.com/compass-agent/compass/internal/store"
	"github.com/compass-agent/compass/pkg/gate"
	"github.com/compass-agent/compass/pkg/provider/vad"
)

// storeTimeout bounds one segment metadata write.
const storeTimeout = 5 * time.Second

// Config holds the construction parameters for a [Pipeline].
type Config struct {
	// SessionID identifies this stream in logs and persisted records.
	SessionID string

	// Gate holds the gate parameters; see [gate.Config] for defaults and
	// valid values. The Classifier, OnWake, and OnSegment fields are owned
	// by the pipeline and must be left nil.
	Gate gate.Config

	// Classifier decides speech/non-speech per frame. Required.
	Classifier vad.Classifier

	// QueueSize is the bounded chunk queue capacity. Default: 64.
	QueueSize int

	// Store, when non-nil, receives segment metadata. Writes are
	// best-effort: failures are logged and counted, never fatal.
	Store store.SegmentStore

	// Metrics, when non-nil, mirrors gate diagnostics into OTel instruments.
	Metrics *observe.Metrics

	// OnSegment, when non-nil, receives each finalised segment after
	// logging, metrics, and persistence. It runs on the pipeline goroutine.
	OnSegment func(gate.Segment)
}

// Pipeline owns one gate and the goroutine hand-off in front of it.
// Construct with [New]; Feed and Stats are safe for concurrent use.
type Pipeline struct {
	sessionID string
	g         *gate.Gate
	metrics   *observe.Metrics
	store     store.SegmentStore
	onSegment func(gate.Segment)

	queue     chan []byte
	closeOnce sync.Once

	mu   sync.Mutex // guards g
	prev gate.Stats // last stats snapshot mirrored to metrics

	runCtx context.Context // context of the active Run, for callbacks
}

// New validates cfg and returns a Pipeline ready to Run.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Gate.Classifier != nil || cfg.Gate.OnWake != nil || cfg.Gate.OnSegment != nil {
		return nil, errors.New("pipeline: Gate.Classifier and gate callbacks must be nil; use Config.Classifier and Config.OnSegment")
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("pipeline: queue size %d must not be negative", cfg.QueueSize)
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}

	p := &Pipeline{
		sessionID: cfg.SessionID,
		metrics:   cfg.Metrics,
		store:     cfg.Store,
		onSegment: cfg.OnSegment,
		queue:     make(chan []byte, cfg.QueueSize),
		runCtx:    context.Background(),
	}

	gcfg := cfg.Gate
	gcfg.Classifier = cfg.Classifier
	gcfg.OnWake = p.handleWake
	gcfg.OnSegment = p.handleSegment

	g, err := gate.New(gcfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.g = g
	return p, nil
}

// Feed hands a PCM chunk to the pipeline without blocking. The chunk is
// copied, so the caller may reuse its buffer. When the queue is full the
// oldest pending chunk is dropped.
//
// Feed must not be called after [Pipeline.Close].
func (p *Pipeline) Feed(chunk []byte) {
	cp := append([]byte(nil), chunk...)
	for {
		select {
		case p.queue <- cp:
			return
		default:
		}
		// Queue full: drop the oldest chunk and retry.
		select {
		case <-p.queue:
			if p.metrics != nil {
				p.metrics.QueueDrops.Add(context.Background(), 1)
			}
			slog.Debug("pipeline: queue full, dropped oldest chunk", "session_id", p.sessionID)
		default:
		}
	}
}

// Close stops accepting chunks. Run drains the queue and returns once all
// pending chunks are processed. Safe to call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.queue) })
}

// Run processes queued chunks until ctx is cancelled, Close is called and
// the queue drains, or the classifier fails. It must be called from exactly
// one goroutine.
func (p *Pipeline) Run(ctx context.Context) error {
	p.runCtx = ctx
	defer func() { p.runCtx = context.Background() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-p.queue:
			if !ok {
				return nil
			}
			if err := p.process(ctx, chunk); err != nil {
				return err
			}
		}
	}
}

// process feeds one chunk through the gate and mirrors the resulting
// diagnostics deltas into metrics.
func (p *Pipeline) process(ctx context.Context, chunk []byte) error {
	start := time.Now()

	p.mu.Lock()
	err := p.g.ProcessPCM(chunk)
	st := p.g.Stats()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ChunkProcessDuration.Record(ctx, time.Since(start).Seconds())
		p.mirror(ctx, st)
	}
	if err != nil {
		return fmt.Errorf("pipeline: session %s: %w", p.sessionID, err)
	}
	return nil
}

// mirror adds the deltas between the previous and current stats snapshots to
// the OTel counters. Called only from the Run goroutine.
func (p *Pipeline) mirror(ctx context.Context, st gate.Stats) {
	if d := st.FramesSpeech - p.prev.FramesSpeech; d > 0 {
		p.metrics.FramesProcessed.Add(ctx, int64(d),
			metric.WithAttributes(attribute.String("decision", "speech")))
	}
	if d := st.FramesSilence - p.prev.FramesSilence; d > 0 {
		p.metrics.FramesProcessed.Add(ctx, int64(d),
			metric.WithAttributes(attribute.String("decision", "silence")))
	}
	if d := st.WakeUps - p.prev.WakeUps; d > 0 {
		p.metrics.WakeUps.Add(ctx, int64(d))
	}
	if d := st.Segments - p.prev.Segments; d > 0 {
		p.metrics.SegmentsEmitted.Add(ctx, int64(d))
	}
	if d := st.Flaps - p.prev.Flaps; d > 0 {
		p.metrics.Flaps.Add(ctx, int64(d))
	}
	p.prev = st
}

// Stats returns a snapshot of the gate's diagnostics counters. Safe for
// concurrent use.
func (p *Pipeline) Stats() gate.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.g.Stats()
}

// handleWake runs on the pipeline goroutine inside gate processing.
func (p *Pipeline) handleWake() {
	slog.Info("speech onset detected", "session_id", p.sessionID)
}

// handleSegment logs, persists, and forwards one finalised segment. It runs
// on the pipeline goroutine inside gate processing; the gate isolates panics.
func (p *Pipeline) handleSegment(seg gate.Segment) {
	slog.Info("segment finalised",
		"session_id", p.sessionID,
		"t0", seg.T0,
		"t1", seg.T1,
		"duration", seg.Duration(),
		"bytes", len(seg.PCM),
	)

	if p.metrics != nil {
		p.metrics.SegmentDuration.Record(p.runCtx, seg.Duration().Seconds())
	}

	if p.store != nil {
		p.persist(seg)
	}

	if p.onSegment != nil {
		p.onSegment(seg)
	}
}

// persist writes segment metadata best-effort.
func (p *Pipeline) persist(seg gate.Segment) {
	ctx, span := observe.StartSpan(p.runCtx, "segment.persist")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	err := p.store.WriteSegment(ctx, store.SegmentRecord{
		SessionID:  p.sessionID,
		T0:         seg.T0,
		T1:         seg.T1,
		SampleRate: seg.SampleRate,
		ByteLen:    len(seg.PCM),
	})

	status := "ok"
	if err != nil {
		status = "error"
		observe.Logger(ctx).Warn("pipeline: segment metadata write failed",
			"session_id", p.sessionID,
			"err", err,
		)
	}
	if p.metrics != nil {
		p.metrics.StoreWrites.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", status)))
	}
}
