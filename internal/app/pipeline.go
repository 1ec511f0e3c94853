package app

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ayusman/tagcast/internal/capture"
	"github.com/ayusman/tagcast/internal/detector"
	"github.com/ayusman/tagcast/internal/message"
	"github.com/ayusman/tagcast/internal/metrics"
)

// runPipeline is the main loop. One iteration:
//
//  1. capture a frame; stream closure ends the run cleanly
//  2. undistort and convert to RGBA
//  3. detect, keeping at most MaxTags tags
//  4. encode the batch when it is not empty
//  5. derive the FPS, then publish the encoded batch
//
// Cancellation is only observed between iterations.
func (a *App) runPipeline(ctx context.Context, det detector.Detector) error {
	for iteration := 1; ; iteration++ {
		select {
		case <-ctx.Done():
			a.logger.Info("pipeline cancelled", zap.Int("iterations", iteration-1))
			return nil
		default:
		}

		done, err := a.iterate(iteration, det)
		if err != nil {
			return err
		}
		if done {
			a.logger.Info("capture stream closed", zap.Int("iterations", iteration-1))
			return nil
		}
	}
}

// iterate processes one frame. It returns done when the stream has closed.
func (a *App) iterate(iteration int, det detector.Detector) (done bool, err error) {
	start := now()

	raw, err := a.config.Camera.ReadFrame()
	if err != nil {
		if errors.Is(err, capture.ErrStreamClosed) {
			return true, nil
		}
		return false, stageError(StageCapture, iteration, err)
	}
	defer raw.Close()

	frame, err := a.config.Corrector.Correct(raw)
	if err != nil {
		return false, stageError(StageCorrect, iteration, err)
	}
	defer frame.Close()

	batch, err := det.Detect(frame)
	if err != nil {
		a.metrics.IncDetectFailure()
		if serr := a.nonFatal(StageDetect, iteration, err); serr != nil {
			return false, serr
		}
		batch = nil
	}
	batch = detector.Limit(batch, a.config.MaxTags)
	a.metrics.ObserveFrame(len(batch))

	var payload []byte
	if len(batch) > 0 {
		payload, err = message.Encode(batch)
		if err != nil {
			return false, stageError(StageEncode, iteration, err)
		}
	}

	fps := metrics.FPS(now().Sub(start))
	a.metrics.RecordFPS(fps)

	if payload != nil {
		if err := a.publish(payload); err != nil {
			a.metrics.IncPublishFailure()
			if serr := a.nonFatal(StagePublish, iteration, err); serr != nil {
				return false, serr
			}
		} else {
			a.metrics.IncPublished()
		}
	}

	if ce := a.logger.Check(zap.DebugLevel, "frame processed"); ce != nil {
		ce.Write(
			zap.Int("iteration", iteration),
			zap.Int("tags", len(batch)),
			zap.Int("fps", fps))
	}

	return false, nil
}

// nonFatal logs a per-iteration failure. It returns the error only when the
// pipeline is configured to fail fast.
func (a *App) nonFatal(stage Stage, iteration int, err error) error {
	serr := stageError(stage, iteration, err)
	if a.config.FailFast {
		return serr
	}
	a.logger.Warn("frame skipped",
		zap.String("stage", string(stage)),
		zap.Int("iteration", iteration),
		zap.Error(err))
	return nil
}
