package ingest

import (
	"errors"
	"fmt"
)

// Stage names recorded on failed files.
const (
	StageClaim      = "claim"
	StageExtraction = "extraction"
	StageValidation = "validation"
	StageEmbedding  = "embedding"
	StageFinalize   = "finalize"
)

var (
	ErrAlreadyClaimed  = errors.New("file already claimed")
	ErrClaimLost       = errors.New("claim lost")
	ErrLeaseExpired    = errors.New("claim lease expired")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrEmptyText       = errors.New("no extractable text")
	ErrRejected        = errors.New("content rejected")
	ErrOwnerGone       = errors.New("owner no longer exists")
)

// ProcessingError is a failure of one pipeline stage.
type ProcessingError struct {
	Stage string
	Cause error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func stageError(stage string, cause error) *ProcessingError {
	return &ProcessingError{Stage: stage, Cause: cause}
}
