package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/compass-agent/compass/internal/observe"
	storemock "github.com/compass-agent/compass/internal/store/mock"
	"github.com/compass-agent/compass/pkg/gate"
	vadmock "github.com/compass-agent/compass/pkg/provider/vad/mock"
)

// testGateConfig is the standard test shape: 16 kHz, 30 ms frames, 300 ms
// pre-roll, 700 ms silence stop.
func testGateConfig() gate.Config {
	return gate.Config{
		SampleRate:    16000,
		FrameMs:       30,
		PreRollMs:     300,
		SilenceStopMs: 700,
	}
}

// frameBytes for the test shape.
const frameBytes = 960

// boolRuns expands (count, decision) pairs into a schedule.
func boolRuns(pairs ...any) []bool {
	var out []bool
	for i := 0; i < len(pairs); i += 2 {
		n := pairs[i].(int)
		v := pairs[i+1].(bool)
		for j := 0; j < n; j++ {
			out = append(out, v)
		}
	}
	return out
}

func TestNew_RejectsPreWiredGate(t *testing.T) {
	_, err := New(Config{
		Gate:       gate.Config{OnWake: func() {}},
		Classifier: &vadmock.Classifier{},
	})
	if err == nil {
		t.Fatal("New accepted a gate config with callbacks set")
	}
}

func TestRun_EmitsAndPersistsSegment(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	st := &storemock.SegmentStore{}
	var got []gate.Segment

	p, err := New(Config{
		SessionID:  "sess-1",
		Gate:       testGateConfig(),
		Classifier: &vadmock.Classifier{Schedule: boolRuns(20, false, 12, true, 25, false)},
		QueueSize:  8,
		Store:      st,
		Metrics:    metrics,
		OnSegment:  func(s gate.Segment) { got = append(got, s) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 57 frames split across unaligned chunks.
	pcm := make([]byte, 57*frameBytes)
	p.Feed(pcm[:10_000])
	p.Feed(pcm[10_000:30_001])
	p.Feed(pcm[30_001:])
	p.Close()

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("segments delivered = %d, want 1", len(got))
	}
	if want := 10 * 30 * time.Millisecond; got[0].T0 != want {
		t.Errorf("T0 = %v, want %v", got[0].T0, want)
	}

	if len(st.Records) != 1 {
		t.Fatalf("persisted records = %d, want 1", len(st.Records))
	}
	rec := st.Records[0]
	if rec.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", rec.SessionID)
	}
	if want := 32 * 30 * time.Millisecond; rec.T1 != want {
		t.Errorf("T1 = %v, want %v", rec.T1, want)
	}
	if want := 22 * frameBytes; rec.ByteLen != want {
		t.Errorf("ByteLen = %d, want %d", rec.ByteLen, want)
	}

	// Gate counters mirrored into OTel.
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counterValue(rm, "compass.gate.segments"); got != 1 {
		t.Errorf("compass.gate.segments = %d, want 1", got)
	}
	if got := counterValue(rm, "compass.gate.frames"); got != 57 {
		t.Errorf("compass.gate.frames = %d, want 57", got)
	}
	if got := counterValue(rm, "compass.store.writes"); got != 1 {
		t.Errorf("compass.store.writes = %d, want 1", got)
	}
}

// counterValue sums all data points of the named int64 counter.
func counterValue(rm metricdata.ResourceMetrics, name string) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return -1
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestFeed_DropsOldestWhenFull(t *testing.T) {
	p, err := New(Config{
		Gate:       testGateConfig(),
		Classifier: &vadmock.Classifier{Schedule: []bool{false}},
		QueueSize:  1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Three single-frame chunks into a one-slot queue: only the last survives.
	for i := 0; i < 3; i++ {
		p.Feed(make([]byte, frameBytes))
	}
	p.Close()

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st := p.Stats(); st.FramesTotal != 1 {
		t.Errorf("FramesTotal = %d, want 1 (older chunks dropped)", st.FramesTotal)
	}
}

func TestRun_ClassifierErrorIsFatal(t *testing.T) {
	wantErr := errors.New("backend fault")
	p, err := New(Config{
		SessionID:  "sess-err",
		Gate:       testGateConfig(),
		Classifier: &vadmock.Classifier{Err: wantErr},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Feed(make([]byte, frameBytes))
	p.Close()

	if err := p.Run(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("Run error = %v, want wrapped %v", err, wantErr)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	p, err := New(Config{
		Gate:       testGateConfig(),
		Classifier: &vadmock.Classifier{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestStoreFailure_DoesNotStopProcessing(t *testing.T) {
	st := &storemock.SegmentStore{WriteErr: errors.New("db down")}
	var got int

	p, err := New(Config{
		Gate:       testGateConfig(),
		Classifier: &vadmock.Classifier{Schedule: boolRuns(1, true, 30, false)},
		Store:      st,
		OnSegment:  func(gate.Segment) { got++ },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Feed(make([]byte, 31*frameBytes))
	p.Close()

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 1 {
		t.Errorf("segments delivered = %d, want 1 despite store failure", got)
	}
}
