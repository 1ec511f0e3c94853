package app

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/ayusman/tagcast/internal/broker"
	"github.com/ayusman/tagcast/internal/capture"
	"github.com/ayusman/tagcast/internal/detector"
	"github.com/ayusman/tagcast/internal/message"
	"github.com/ayusman/tagcast/internal/metrics"
)

var testIntrinsics = capture.Intrinsics{Fx: 900, Fy: 900, Ppx: 320, Ppy: 240}

// recorder collects the order in which collaborators are touched.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// scriptedCamera wraps MockCamera, records Open and fails chosen reads.
type scriptedCamera struct {
	*capture.MockCamera
	rec    *recorder
	failOn int
	err    error
	reads  int
	closed bool
}

func (c *scriptedCamera) Open() error {
	if c.rec != nil {
		c.rec.add("open")
	}
	return c.MockCamera.Open()
}

func (c *scriptedCamera) Close() error {
	c.closed = true
	return c.MockCamera.Close()
}

func (c *scriptedCamera) ReadFrame() (*gocv.Mat, error) {
	c.reads++
	if c.failOn > 0 && c.reads == c.failOn {
		return nil, c.err
	}
	return c.MockCamera.ReadFrame()
}

func newFrames(t *testing.T, n int) []*gocv.Mat {
	t.Helper()
	frames := make([]*gocv.Mat, n)
	for i := range frames {
		m := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
		frames[i] = &m
	}
	t.Cleanup(func() {
		for _, f := range frames {
			f.Close()
		}
	})
	return frames
}

type fixture struct {
	rec       *recorder
	publisher *broker.MockPublisher
	camera    *scriptedCamera
	binder    *detector.MockBinder
	metrics   *metrics.Collector
	config    Config
}

// newFixture builds a pipeline over n frames; the first one is used for binding.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()

	rec := &recorder{}
	pub := broker.NewMockPublisher()
	pub.OnConnect = func() { rec.add("connect") }

	cam := &scriptedCamera{MockCamera: capture.NewMockCamera(newFrames(t, n), false), rec: rec}

	binder := detector.NewMockBinder()
	binder.OnBind = func(detector.BindParams) { rec.add("bind") }

	corrector := capture.NewCorrector(testIntrinsics, nil)
	t.Cleanup(corrector.Close)

	m := metrics.NewCollector()

	return &fixture{
		rec:       rec,
		publisher: pub,
		camera:    cam,
		binder:    binder,
		metrics:   m,
		config: Config{
			Publisher:  pub,
			Camera:     cam,
			Corrector:  corrector,
			Binder:     binder,
			Intrinsics: testIntrinsics,
			Metrics:    m,
		},
	}
}

func TestRun_PublishesOnlyNonEmptyBatches(t *testing.T) {
	f := newFixture(t, 4)
	f.binder.Detector.SetBatches(nil, []detector.Detection{detector.TagA()}, nil)

	var tapped [][]byte
	f.config.OnPublish = func(p []byte) { tapped = append(tapped, p) }

	a := New(f.config)
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs := f.publisher.Messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != broker.DefaultTopic {
		t.Errorf("topic = %q, want %q", msgs[0].Topic, broker.DefaultTopic)
	}

	payload := msgs[0].Payload
	if payload[len(payload)-1] != message.Terminator {
		t.Errorf("payload does not end with the terminator: %q", payload)
	}

	want, err := message.Encode([]detector.Detection{detector.TagA()})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(payload[:len(payload)-1], want) {
		t.Errorf("payload = %s, want %s", payload, want)
	}

	if len(tapped) != 1 || !bytes.Equal(tapped[0], want) {
		t.Errorf("OnPublish received %d payloads", len(tapped))
	}

	if got := f.binder.Detector.Calls(); got != 3 {
		t.Errorf("Detect called %d times, want 3", got)
	}

	snap := f.metrics.Snapshot()
	if snap.Frames != 3 || snap.EmptyFrames != 2 || snap.Published != 1 || snap.Detections != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRun_StartupOrder(t *testing.T) {
	f := newFixture(t, 2)

	if err := New(f.config).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := f.rec.list()
	want := []string{"connect", "open", "bind"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestRun_BindsToFirstFrameGeometry(t *testing.T) {
	f := newFixture(t, 1)
	f.config.TagEdgeLength = 0.2
	f.config.MaxTags = 3

	a := New(f.config)
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	p := f.binder.Params()
	g := p.Geometry
	if g.Width != 640 || g.Height != 480 {
		t.Errorf("bound to %dx%d, want 640x480", g.Width, g.Height)
	}
	if g.Format != capture.FormatRGBA {
		t.Errorf("bound format = %v, want RGBA", g.Format)
	}
	if g.Stride != 640*4 || g.Size != 640*480*4 {
		t.Errorf("stride/size = %d/%d", g.Stride, g.Size)
	}
	if p.Intrinsics != testIntrinsics || p.TagEdgeLength != 0.2 || p.MaxTags != 3 {
		t.Errorf("params = %+v", p)
	}
	if a.Geometry() != g {
		t.Errorf("Geometry() = %+v, want %+v", a.Geometry(), g)
	}
	// the bind frame is never handed to the detector
	if calls := f.binder.Detector.Calls(); calls != 0 {
		t.Errorf("Detect called %d times, want 0", calls)
	}
}

func TestRun_StartupFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		setup    func(f *fixture)
		stage    Stage
		wantOpen bool
	}{
		{
			name:  "broker connect",
			setup: func(f *fixture) { f.publisher.SetConnectError(boom) },
			stage: StageConnect,
		},
		{
			name:  "capture open",
			setup: func(f *fixture) { f.camera.SetOpenError(boom) },
			stage: StageOpen,
		},
		{
			name: "first frame",
			setup: func(f *fixture) {
				f.camera.failOn = 1
				f.camera.err = boom
			},
			stage:    StageFirstFrame,
			wantOpen: true,
		},
		{
			name:     "bind",
			setup:    func(f *fixture) { f.binder.Err = boom },
			stage:    StageBind,
			wantOpen: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			tt.setup(f)

			a := New(f.config)
			err := a.Run(context.Background())
			if err == nil {
				t.Fatal("Run() should fail")
			}

			var serr *StageError
			if !errors.As(err, &serr) || serr.Stage != tt.stage {
				t.Fatalf("Run() error = %v, want stage %s", err, tt.stage)
			}
			if !errors.Is(err, boom) {
				t.Errorf("Run() error does not wrap the cause: %v", err)
			}

			opened := false
			for _, e := range f.rec.list() {
				if e == "open" {
					opened = true
				}
			}
			if tt.stage == StageConnect && opened {
				t.Error("camera opened after broker connect failed")
			}
			if f.binder.Bound() != 0 {
				t.Error("detector bound after a startup failure")
			}
			if tt.wantOpen && !f.camera.closed {
				t.Error("camera not closed")
			}
			if tt.stage != StageConnect && !f.publisher.Disconnected() {
				t.Error("broker not disconnected")
			}
			if len(f.publisher.Messages()) != 0 {
				t.Error("published during a failed startup")
			}
			if a.State() != StateTerminated {
				t.Errorf("State() = %v, want terminated", a.State())
			}
		})
	}
}

func TestRun_DetectFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, 3)
	f.binder.Detector.SetError(errors.New("cuda fault"))

	if err := New(f.config).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.metrics.Snapshot().DetectFailures; got != 2 {
		t.Errorf("DetectFailures = %d, want 2", got)
	}
	if len(f.publisher.Messages()) != 0 {
		t.Error("published after detect failure")
	}
}

func TestRun_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, 3)
	tags := []detector.Detection{detector.TagA()}
	f.binder.Detector.SetBatches(tags, tags)
	f.publisher.SetPublishError(errors.New("socket closed"))

	if err := New(f.config).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	snap := f.metrics.Snapshot()
	if snap.PublishFailures != 2 || snap.Published != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRun_FailFast(t *testing.T) {
	t.Run("detect", func(t *testing.T) {
		f := newFixture(t, 3)
		f.config.FailFast = true
		f.binder.Detector.SetError(errors.New("cuda fault"))

		err := New(f.config).Run(context.Background())
		var serr *StageError
		if !errors.As(err, &serr) || serr.Stage != StageDetect || serr.Iteration != 1 {
			t.Fatalf("Run() error = %v, want detect failure on iteration 1", err)
		}
		if !f.binder.Detector.Closed() {
			t.Error("detector not closed")
		}
	})

	t.Run("publish", func(t *testing.T) {
		f := newFixture(t, 3)
		f.config.FailFast = true
		f.binder.Detector.SetBatches(nil, []detector.Detection{detector.TagA()})
		f.publisher.SetPublishError(errors.New("socket closed"))

		err := New(f.config).Run(context.Background())
		var serr *StageError
		if !errors.As(err, &serr) || serr.Stage != StagePublish || serr.Iteration != 2 {
			t.Fatalf("Run() error = %v, want publish failure on iteration 2", err)
		}
	})
}

func TestRun_CaptureFailureIsFatal(t *testing.T) {
	f := newFixture(t, 3)
	f.camera.failOn = 2
	f.camera.err = errors.New("v4l2 timeout")

	err := New(f.config).Run(context.Background())
	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StageCapture || serr.Iteration != 1 {
		t.Fatalf("Run() error = %v, want capture failure on iteration 1", err)
	}
}

func TestRun_ReleasesEverything(t *testing.T) {
	f := newFixture(t, 2)

	if err := New(f.config).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !f.binder.Detector.Closed() {
		t.Error("detector not closed")
	}
	if !f.camera.closed {
		t.Error("camera not closed")
	}
	if !f.publisher.Disconnected() {
		t.Error("broker not disconnected")
	}
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t, 2)
	f.camera.MockCamera = capture.NewMockCamera(newFrames(t, 2), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(f.config)
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.binder.Bound() != 1 {
		t.Error("detector should be bound before cancellation is observed")
	}
	if calls := f.binder.Detector.Calls(); calls != 0 {
		t.Errorf("Detect called %d times after cancellation", calls)
	}
}

func TestRun_StateTransitions(t *testing.T) {
	f := newFixture(t, 3)

	a := New(f.config)
	if a.State() != StateUninitialized {
		t.Fatalf("initial State() = %v", a.State())
	}

	var seen []State
	f.binder.OnBind = func(detector.BindParams) { seen = append(seen, a.State()) }
	f.config.Publisher.(*broker.MockPublisher).OnConnect = func() { seen = append(seen, a.State()) }

	// Detect runs while the loop is active.
	tags := []detector.Detection{detector.TagA()}
	f.binder.Detector.SetBatches(tags)
	a.config.OnPublish = func([]byte) { seen = append(seen, a.State()) }

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	seen = append(seen, a.State())

	want := []State{StateUninitialized, StateUninitialized, StateRunning, StateTerminated}
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states = %v, want %v", seen, want)
		}
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	f := newFixture(t, 1)
	a := New(f.config)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := a.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestRun_MissingCollaborator(t *testing.T) {
	f := newFixture(t, 1)
	f.config.Binder = nil

	a := New(f.config)
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail without a binder")
	}
	if f.publisher.Disconnected() || len(f.rec.list()) != 0 {
		t.Error("collaborators touched before configuration was checked")
	}
}

func TestRun_FPSFromIterationTime(t *testing.T) {
	f := newFixture(t, 3)

	base := time.Unix(1700000000, 0)
	var mu sync.Mutex
	ticks := 0
	now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ticks++
		return base.Add(time.Duration(ticks) * 999 * time.Millisecond)
	}
	t.Cleanup(func() { now = time.Now })

	if err := New(f.config).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.metrics.Snapshot().FPS; got != 1 {
		t.Errorf("FPS = %d, want 1", got)
	}
}

func TestStageError(t *testing.T) {
	cause := errors.New("boom")

	err := stageError(StagePublish, 7, cause)
	if got := err.Error(); got != "publish (iteration 7): boom" {
		t.Errorf("Error() = %q", got)
	}
	if errors.Cause(err) != cause {
		t.Error("errors.Cause() did not return the cause")
	}

	startup := stageError(StageBind, 0, cause)
	if got := startup.Error(); got != "bind: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateUninitialized: "uninitialized",
		StateBound:         "bound",
		StateRunning:       "running",
		StateTerminated:    "terminated",
		State(42):          "state(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}
