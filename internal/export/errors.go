package export

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownFormat = errors.New("unknown export format")
	ErrInvalidFilter = errors.New("invalid status filter")

	// ErrIncompleteExport is matched by every *PartialExportError.
	ErrIncompleteExport = errors.New("export incomplete")

	ErrExportNotFound = errors.New("export not found or expired")
)

// PartialExportError reports an export that stopped after Rows rows. Whatever was
// already written to the sink must not be treated as a complete result.
type PartialExportError struct {
	Rows int
	Err  error
}

func (e *PartialExportError) Error() string {
	return fmt.Sprintf("export incomplete after %d rows: %v", e.Rows, e.Err)
}

func (e *PartialExportError) Unwrap() error { return e.Err }

func (e *PartialExportError) Is(target error) bool {
	return target == ErrIncompleteExport
}
