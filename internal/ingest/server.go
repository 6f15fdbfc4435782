// Package ingest provides the WebSocket PCM ingestion server.
//
// Each /ingest connection gets its own pipeline (and therefore its own gate
// and classifier): binary messages are raw little-endian 16-bit mono PCM
// chunks at the configured sample rate, sliced into frames by the gate with
// no alignment requirement. Text messages are JSON control commands:
// {"type":"stats"} is answered with a snapshot of the gate's diagnostics
// counters, {"type":"history"} with the session's recently persisted segment
// metadata. Finalised segments are announced back to the client as JSON
// events.
//
// The server also exposes /healthz, /readyz, and a Prometheus /metrics
// endpoint next to the ingest route.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/compass-agent/compass/internal/health"
	"github.com/compass-agent/compass/internal/observe"
	"github.com/compass-agent/compass/internal/pipeline"
	"github.com/compass-agent/compass/internal/store"
	"github.com/compass-agent/compass/pkg/gate"
	"github.com/compass-agent/compass/pkg/provider/vad"
)

// shutdownTimeout bounds graceful HTTP server shutdown.
const shutdownTimeout = 10 * time.Second

// historyLimit caps the records returned for one history request.
const historyLimit = 20

// Config holds the construction parameters for a [Server].
type Config struct {
	// ListenAddr is the TCP address to listen on (e.g., ":8080").
	ListenAddr string

	// Gate holds the per-session gate parameters. Classifier and callbacks
	// must be nil; they are wired per connection.
	Gate gate.Config

	// NewClassifier constructs one classifier per session. Required —
	// classifiers may carry per-stream state and must not be shared.
	NewClassifier func() vad.Classifier

	// QueueSize is the per-session chunk queue capacity.
	QueueSize int

	// Store, when non-nil, receives segment metadata from every session.
	Store store.SegmentStore

	// Metrics, when non-nil, is used for all instrumentation.
	Metrics *observe.Metrics

	// Checkers are evaluated by the /readyz endpoint.
	Checkers []health.Checker
}

// Server accepts PCM streams over WebSocket and gates them. Construct with
// [New].
type Server struct {
	cfg     Config
	nextID  atomic.Uint64
	handler http.Handler
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.NewClassifier == nil {
		return nil, errors.New("ingest: NewClassifier is required")
	}

	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ingest", s.handleIngest)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(cfg.Checkers...).Register(mux)

	var handler http.Handler = mux
	if cfg.Metrics != nil {
		handler = observe.Middleware(cfg.Metrics)(mux)
	}
	s.handler = handler
	return s, nil
}

// Handler returns the server's HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.handler,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			return fmt.Errorf("ingest: shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ingest: serve: %w", err)
		}
		return nil
	}
}

// statsEvent is the JSON reply to a {"type":"stats"} control message.
type statsEvent struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	FramesTotal   uint64 `json:"frames_total"`
	FramesSpeech  uint64 `json:"frames_speech"`
	FramesSilence uint64 `json:"frames_silence"`
	WakeUps       uint64 `json:"wake_ups"`
	Segments      uint64 `json:"segments"`
	Flaps         uint64 `json:"flaps"`
}

// segmentEvent announces one finalised segment to the client.
type segmentEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	T0Ms       int64  `json:"t0_ms"`
	T1Ms       int64  `json:"t1_ms"`
	DurationMs int64  `json:"duration_ms"`
	Bytes      int    `json:"bytes"`
}

// historyEvent is the JSON reply to a {"type":"history"} control message.
// Segments is newest first and empty when no store is configured.
type historyEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Segments  []historyRecord `json:"segments"`
}

// historyRecord is one persisted segment in a [historyEvent].
type historyRecord struct {
	T0Ms       int64 `json:"t0_ms"`
	T1Ms       int64 `json:"t1_ms"`
	SampleRate int   `json:"sample_rate"`
	Bytes      int   `json:"bytes"`
}

// controlMessage is a JSON text message from the client.
type controlMessage struct {
	Type string `json:"type"`
}

// handleIngest upgrades the connection and runs one gating session for its
// lifetime.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("ingest: websocket accept failed", "err", err)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = fmt.Sprintf("sess-%d-%d", time.Now().Unix(), s.nextID.Add(1))
	}

	ctx, span := observe.StartSpan(r.Context(), "ingest.session")
	defer span.End()
	log := observe.Logger(ctx).With("session_id", sessionID)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		defer s.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	}

	p, err := pipeline.New(pipeline.Config{
		SessionID:  sessionID,
		Gate:       s.cfg.Gate,
		Classifier: s.cfg.NewClassifier(),
		QueueSize:  s.cfg.QueueSize,
		Store:      s.cfg.Store,
		Metrics:    s.cfg.Metrics,
		OnSegment: func(seg gate.Segment) {
			s.notifySegment(ctx, conn, sessionID, seg)
		},
	})
	if err != nil {
		log.Error("ingest: pipeline construction failed", "err", err)
		conn.Close(websocket.StatusInternalError, "pipeline construction failed")
		return
	}

	log.Info("ingest session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer p.Close()
		return s.readLoop(gctx, conn, p, sessionID)
	})

	err = g.Wait()
	st := p.Stats()
	log.Info("ingest session ended",
		"frames_total", st.FramesTotal,
		"segments", st.Segments,
		"err", err,
	)

	if err != nil {
		conn.Close(websocket.StatusInternalError, "processing failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "session complete")
}

// readLoop consumes client messages until the connection closes. Binary
// messages feed the pipeline; text messages are control commands.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, p *pipeline.Pipeline, sessionID string) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Normal client closure ends the session without error.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("ingest: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			p.Feed(data)
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				observe.Logger(ctx).Warn("ingest: malformed control message",
					"session_id", sessionID,
					"err", err,
				)
				continue
			}
			switch msg.Type {
			case "stats":
				st := p.Stats()
				s.writeJSON(ctx, conn, statsEvent{
					Type:          "stats",
					SessionID:     sessionID,
					FramesTotal:   st.FramesTotal,
					FramesSpeech:  st.FramesSpeech,
					FramesSilence: st.FramesSilence,
					WakeUps:       st.WakeUps,
					Segments:      st.Segments,
					Flaps:         st.Flaps,
				})
			case "history":
				s.writeJSON(ctx, conn, s.history(ctx, sessionID))
			}
		}
	}
}

// history builds the reply for a history control message from the segment
// store. Store failures degrade to an empty reply; the session keeps running.
func (s *Server) history(ctx context.Context, sessionID string) historyEvent {
	ev := historyEvent{
		Type:      "history",
		SessionID: sessionID,
		Segments:  []historyRecord{},
	}
	if s.cfg.Store == nil {
		return ev
	}

	recs, err := s.cfg.Store.RecentSegments(ctx, sessionID, historyLimit)
	if err != nil {
		observe.Logger(ctx).Warn("ingest: segment history lookup failed",
			"session_id", sessionID,
			"err", err,
		)
		return ev
	}
	for _, rec := range recs {
		ev.Segments = append(ev.Segments, historyRecord{
			T0Ms:       rec.T0.Milliseconds(),
			T1Ms:       rec.T1.Milliseconds(),
			SampleRate: rec.SampleRate,
			Bytes:      rec.ByteLen,
		})
	}
	return ev
}

// notifySegment announces a finalised segment to the client. Best-effort: a
// write failure is logged, not propagated — the connection's fate is decided
// by the read loop.
func (s *Server) notifySegment(ctx context.Context, conn *websocket.Conn, sessionID string, seg gate.Segment) {
	s.writeJSON(ctx, conn, segmentEvent{
		Type:       "segment",
		SessionID:  sessionID,
		T0Ms:       seg.T0.Milliseconds(),
		T1Ms:       seg.T1.Milliseconds(),
		DurationMs: seg.Duration().Milliseconds(),
		Bytes:      len(seg.PCM),
	})
}

// writeJSON marshals v and writes it as a text message, logging failures.
func (s *Server) writeJSON(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		observe.Logger(ctx).Warn("ingest: marshal event", "err", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		observe.Logger(ctx).Warn("ingest: write event", "err", err)
	}
}
