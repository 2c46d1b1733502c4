package shelfsync

import "errors"

// Stage identifies which step of a user's sync pipeline produced an error.
type Stage string

const (
	StageScrape    Stage = "scrape"
	StageSaveTitle Stage = "save-title"
	StageCache     Stage = "cache"
	StageStatus    Stage = "status-update"
	StageTitle     Stage = "title-update"
	StagePhoto     Stage = "photo-update"
)

// SyncError tags a failure with the pipeline stage that produced it so the
// caller can report which step failed without parsing message strings.
type SyncError struct {
	Err   error
	Stage Stage
}

func (e *SyncError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// FailedAt wraps err with the given stage. A nil err returns nil.
func FailedAt(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &SyncError{Stage: stage, Err: err}
}

// StageOf returns the stage recorded on err, or "" if err carries none.
func StageOf(err error) Stage {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
