package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ayusman/tagcast/internal/app"
	"github.com/ayusman/tagcast/internal/broker"
	"github.com/ayusman/tagcast/internal/capture"
	"github.com/ayusman/tagcast/internal/config"
	"github.com/ayusman/tagcast/internal/detector"
	"github.com/ayusman/tagcast/internal/logging"
	"github.com/ayusman/tagcast/internal/metrics"
	"github.com/ayusman/tagcast/internal/server"
	"github.com/ayusman/tagcast/internal/store"
)

// RunCommand returns the run command, which runs the pipeline until the
// capture stream closes or the process is signalled.
//
// Exit codes:
//   - 0: stream closed or stopped by signal
//   - 1: the pipeline failed
//   - 2: configuration error
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Capture frames, detect tags and publish their poses",
		Flags: []cli.Flag{
			configFlag(),
			storeFlag(),
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn, error",
				EnvVars: []string{"TAGCAST_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:  "device",
				Usage: "Literal GStreamer capture pipeline (overrides capture.*)",
			},
			&cli.StringFlag{
				Name:    "broker",
				Usage:   "MQTT broker address, e.g. tcp://mqtt:18830",
				EnvVars: []string{"TAGCAST_BROKER"},
			},
			&cli.StringFlag{
				Name:  "http",
				Usage: "Status server listen address, e.g. :8080",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	runID := uuid.NewString()
	logger, err := logging.New(cfg.Log.Level, runID)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	defer func() { _ = logger.Sync() }()

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.New(cfg.Store.Path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open store: %v", err), exitConfigError)
		}
		defer st.Close()
	}

	optics, err := resolveOptics(cfg, st)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	if optics.Calibration != nil {
		if w, h := optics.Calibration.Width, optics.Calibration.Height; w != cfg.Capture.Width || h != cfg.Capture.Height {
			logger.Warn("calibration resolution differs from capture resolution",
				zap.String("calibration", optics.Calibration.Name),
				zap.Int("calibration_width", w),
				zap.Int("calibration_height", h),
				zap.Int("capture_width", cfg.Capture.Width),
				zap.Int("capture_height", cfg.Capture.Height))
		}
	}

	corrector := capture.NewCorrector(optics.Intrinsics, optics.Distortion)
	defer corrector.Close()

	collector := metrics.NewCollector()

	var hub *server.Hub
	if cfg.HTTP.Addr != "" {
		hub = server.NewHub(logger)
	}

	pipelineConfig := app.Config{
		Publisher:     broker.NewMQTTPublisher(cfg.BrokerConfig(), logger),
		Camera:        capture.NewCamera(cfg.Capture.DeviceString(), cfg.Capture.FPS),
		Corrector:     corrector,
		Binder:        newBinder(cfg, logger),
		Topic:         cfg.Broker.Topic,
		Intrinsics:    optics.Intrinsics,
		TagEdgeLength: cfg.Detector.TagEdgeLength,
		MaxTags:       cfg.Detector.MaxTags,
		FailFast:      cfg.Pipeline.FailFast,
		Metrics:       collector,
		Logger:        logger,
	}
	if hub != nil {
		pipelineConfig.OnPublish = hub.Broadcast
	}
	pipeline := app.New(pipelineConfig)

	var srv *server.Server
	if cfg.HTTP.Addr != "" {
		srv = server.New(server.Config{
			Pipeline: pipeline,
			Hub:      hub,
			RunID:    runID,
			Logger:   logger,
		})
		go func() {
			if err := srv.ListenAndServe(cfg.HTTP.Addr); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := &store.Run{ID: runID, Calibration: cfg.Camera.Calibration}
	if st != nil {
		if err := st.Runs().Start(run); err != nil {
			logger.Warn("cannot record run", zap.Error(err))
			st = nil
		}
	}

	logger.Info("starting pipeline",
		zap.String("device", cfg.Capture.DeviceString()),
		zap.String("broker", cfg.Broker.Address),
		zap.String("topic", cfg.Broker.Topic),
		zap.Bool("undistort", corrector.Undistorts()))

	runErr := pipeline.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", zap.Error(err))
		}
		cancel()
	}

	if st != nil {
		finishRun(st, run, collector.Snapshot(), outcomeOf(ctx, runErr), logger)
	}

	if runErr != nil {
		logger.Error("pipeline failed", zap.Error(runErr))
		return cli.Exit(fmt.Sprintf("pipeline failed: %v", runErr), exitPipelineFailure)
	}

	logger.Info("pipeline finished", zap.Any("metrics", collector.Snapshot()))
	return nil
}

// Optics is the camera model a run is configured with.
type Optics struct {
	Intrinsics capture.Intrinsics
	Distortion []float64
	// Calibration is the stored profile the optics came from, if any.
	Calibration *store.Calibration
}

// resolveOptics picks the named calibration profile from st, or the inline
// camera settings when no profile is named.
func resolveOptics(cfg *config.Config, st *store.Store) (Optics, error) {
	if name := cfg.Camera.Calibration; name != "" {
		if st == nil {
			return Optics{}, errors.Errorf("calibration %q requires a store", name)
		}
		cal, err := st.Calibrations().Get(name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Optics{}, errors.Errorf("calibration %q not found", name)
			}
			return Optics{}, err
		}
		return Optics{
			Intrinsics:  cal.Intrinsics,
			Distortion:  cal.Distortion[:],
			Calibration: cal,
		}, nil
	}

	if cfg.Camera.Intrinsics.IsZero() {
		return Optics{}, errors.New("camera intrinsics are not configured: set camera.calibration or camera.intrinsics")
	}
	return Optics{
		Intrinsics: cfg.Camera.Intrinsics,
		Distortion: cfg.Camera.Distortion,
	}, nil
}

// newBinder returns the helper-process binder, or a mock that never finds
// tags when no helper is configured.
func newBinder(cfg *config.Config, logger *zap.Logger) detector.Binder {
	if cfg.Detector.Command == "" {
		logger.Warn("no detector helper configured, using mock detector")
		return detector.NewMockBinder()
	}
	b := detector.NewSubprocessBinder(cfg.Detector.Command, cfg.Detector.Args...)
	b.Stderr = os.Stderr
	return b
}

func outcomeOf(ctx context.Context, err error) store.Outcome {
	switch {
	case err != nil:
		return store.OutcomeFailed
	case ctx.Err() != nil:
		return store.OutcomeStopped
	default:
		return store.OutcomeStreamClosed
	}
}

func finishRun(st *store.Store, run *store.Run, snap metrics.Snapshot, outcome store.Outcome, logger *zap.Logger) {
	run.Frames = snap.Frames
	run.Published = snap.Published
	run.PublishFailures = snap.PublishFailures
	run.DetectFailures = snap.DetectFailures
	run.Outcome = outcome

	if err := st.Runs().Finish(run); err != nil {
		logger.Warn("cannot record run summary", zap.Error(err))
	}
}
