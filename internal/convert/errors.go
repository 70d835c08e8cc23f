package convert

import (
	"errors"
	"fmt"
)

var (
	// ErrExtractionFailed means the extractor could not be started or exited
	// non-zero.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrConversionFailed means the converter could not be started or exited
	// non-zero.
	ErrConversionFailed = errors.New("conversion failed")
)

// Stage names a process in the pipeline.
type Stage string

const (
	StageExtract Stage = "extract"
	StageConvert Stage = "convert"
)

// StageError reports which process failed. ExitCode is -1 when the process
// did not start or was killed by a signal.
type StageError struct {
	Stage    Stage
	ExitCode int
	Err      error
}

func (e *StageError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s: %s exited with status %d", e.sentinel(), e.Stage, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s: %v", e.sentinel(), e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches the sentinel for the stage.
func (e *StageError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *StageError) sentinel() error {
	if e.Stage == StageExtract {
		return ErrExtractionFailed
	}
	return ErrConversionFailed
}

func stageError(stage Stage, err error) *StageError {
	code := -1
	var exit interface{ ExitCode() int }
	if errors.As(err, &exit) {
		code = exit.ExitCode()
	}
	return &StageError{Stage: stage, ExitCode: code, Err: err}
}
