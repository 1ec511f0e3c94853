package app

import "fmt"

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageConnect    Stage = "connect"
	StageOpen       Stage = "open"
	StageFirstFrame Stage = "first_frame"
	StageBind       Stage = "bind"
	StageCapture    Stage = "capture"
	StageCorrect    Stage = "correct"
	StageDetect     Stage = "detect"
	StageEncode     Stage = "encode"
	StagePublish    Stage = "publish"
)

// StageError reports which stage failed and on which iteration.
// Iteration is zero for startup stages.
type StageError struct {
	Stage     Stage
	Iteration int
	Err       error
}

func stageError(stage Stage, iteration int, err error) *StageError {
	return &StageError{Stage: stage, Iteration: iteration, Err: err}
}

func (e *StageError) Error() string {
	if e.Iteration == 0 {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s (iteration %d): %v", e.Stage, e.Iteration, e.Err)
}

// Unwrap supports errors.Is and errors.As.
func (e *StageError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause.
func (e *StageError) Cause() error { return e.Err }
