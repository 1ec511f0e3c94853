// Package app runs the tagcast frame loop: it owns the camera, corrector,
// detector and publisher for the lifetime of one run.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ayusman/tagcast/internal/broker"
	"github.com/ayusman/tagcast/internal/capture"
	"github.com/ayusman/tagcast/internal/detector"
	"github.com/ayusman/tagcast/internal/message"
	"github.com/ayusman/tagcast/internal/metrics"
)

// ErrAlreadyRunning is returned when Run is called on an App that has
// already been started. An App runs at most once.
var ErrAlreadyRunning = errors.New("pipeline already started")

// State is the lifecycle position of the pipeline.
type State int32

const (
	StateUninitialized State = iota
	StateBound
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the collaborators and settings of one pipeline run.
type Config struct {
	Publisher broker.Publisher
	Camera    capture.Camera
	Corrector *capture.Corrector
	Binder    detector.Binder

	Topic         string
	Intrinsics    capture.Intrinsics
	TagEdgeLength float64
	MaxTags       int
	// FailFast ends the run on the first detect or publish error.
	FailFast bool

	// Metrics and Logger are optional.
	Metrics *metrics.Collector
	Logger  *zap.Logger
	// OnPublish, when set, receives every payload after a successful
	// publish. It runs on the loop goroutine and must not block.
	OnPublish func(payload []byte)
}

// App is a single pipeline run.
type App struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	state   atomic.Int32
	started atomic.Bool

	mu       sync.RWMutex
	geometry capture.Geometry
}

// New creates an App. Zero-valued tag settings fall back to the detector
// defaults and an empty topic to broker.DefaultTopic.
func New(config Config) *App {
	if config.Topic == "" {
		config.Topic = broker.DefaultTopic
	}
	if config.TagEdgeLength == 0 {
		config.TagEdgeLength = detector.DefaultTagEdgeLength
	}
	if config.MaxTags == 0 {
		config.MaxTags = detector.DefaultMaxTags
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &App{
		config:  config,
		logger:  logger.Named("pipeline"),
		metrics: config.Metrics,
	}
}

// State returns the current lifecycle state. Safe for concurrent use.
func (a *App) State() State {
	return State(a.state.Load())
}

// Geometry returns the frame layout the detector was bound with.
// It is the zero Geometry until the pipeline is bound.
func (a *App) Geometry() capture.Geometry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.geometry
}

// Metrics returns the collector the run reports to, possibly nil.
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

func (a *App) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev != s {
		a.logger.Info("pipeline state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", s))
	}
}

// Run connects to the broker, opens the camera, binds the detector to the
// first frame and then processes frames until the stream closes, ctx is
// cancelled or a fatal error occurs.
//
// Stream closure and cancellation return nil. Every resource acquired is
// released before Run returns, in reverse order of acquisition.
func (a *App) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := a.checkConfig(); err != nil {
		a.setState(StateTerminated)
		return err
	}
	defer a.setState(StateTerminated)

	if err := a.config.Publisher.Connect(); err != nil {
		return stageError(StageConnect, 0, err)
	}
	defer a.config.Publisher.Disconnect()

	if err := a.config.Camera.Open(); err != nil {
		return stageError(StageOpen, 0, err)
	}
	defer func() {
		if err := a.config.Camera.Close(); err != nil {
			a.logger.Warn("camera close failed", zap.Error(err))
		}
	}()

	det, err := a.bind()
	if err != nil {
		return err
	}
	defer func() {
		if err := det.Close(); err != nil {
			a.logger.Warn("detector close failed", zap.Error(err))
		}
	}()

	a.setState(StateRunning)
	return a.runPipeline(ctx, det)
}

// bind reads the first frame, measures its canonical layout and binds the
// detector to it. The first frame is used for nothing else.
func (a *App) bind() (detector.Detector, error) {
	raw, err := a.config.Camera.ReadFrame()
	if err != nil {
		return nil, stageError(StageFirstFrame, 0, err)
	}
	rgba, err := a.config.Corrector.Canonicalize(raw)
	raw.Close()
	if err != nil {
		return nil, stageError(StageFirstFrame, 0, err)
	}
	geometry := capture.GeometryOf(rgba)
	rgba.Close()

	det, err := a.config.Binder.Bind(detector.BindParams{
		Geometry:      geometry,
		Intrinsics:    a.config.Intrinsics,
		TagEdgeLength: a.config.TagEdgeLength,
		MaxTags:       a.config.MaxTags,
	})
	if err != nil {
		return nil, stageError(StageBind, 0, err)
	}

	a.mu.Lock()
	a.geometry = geometry
	a.mu.Unlock()

	a.setState(StateBound)
	a.logger.Info("detector bound",
		zap.Int("width", geometry.Width),
		zap.Int("height", geometry.Height),
		zap.Int("stride", geometry.Stride),
		zap.Int("size", geometry.Size),
		zap.Float64("tag_edge_length", a.config.TagEdgeLength),
		zap.Int("max_tags", a.config.MaxTags))

	return det, nil
}

func (a *App) checkConfig() error {
	switch {
	case a.config.Publisher == nil:
		return errors.New("pipeline has no publisher")
	case a.config.Camera == nil:
		return errors.New("pipeline has no camera")
	case a.config.Corrector == nil:
		return errors.New("pipeline has no corrector")
	case a.config.Binder == nil:
		return errors.New("pipeline has no detector binder")
	}
	return nil
}

// publish frames and sends one encoded batch.
func (a *App) publish(payload []byte) error {
	if err := a.config.Publisher.Publish(a.config.Topic, message.Frame(payload)); err != nil {
		return err
	}
	if a.config.OnPublish != nil {
		a.config.OnPublish(payload)
	}
	return nil
}

// now is the loop clock; tests replace it.
var now = time.Now
