package quiver

import (
	"errors"
	"fmt"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/fragment"
	"github.com/quiverdb/quiver/index/ivfpq"
	"github.com/quiverdb/quiver/manifest"
	"github.com/quiverdb/quiver/schema"
)

var (
	// ErrNotFound is returned when a table, version or row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a table whose name is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrWriteConflict is returned when a write loses the publish race more
	// times than the retry budget allows. The operation had no effect.
	ErrWriteConflict = errors.New("write conflict")

	// ErrInsufficientData is returned when an index build is asked for more
	// partitions than there are rows.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrCorruption is returned when stored bytes fail validation. Corrupt
	// data is reported, never silently repaired.
	ErrCorruption = errors.New("corruption detected")

	// ErrSchemaMismatch is the sentinel wrapped by all schema validation
	// failures, including dimension mismatches on insert.
	ErrSchemaMismatch = schema.ErrMismatch

	// ErrTableDropped is returned when operating on a dropped table handle.
	ErrTableDropped = errors.New("table dropped")

	// ErrInvalidQuery is returned for malformed query parameters.
	ErrInvalidQuery = errors.New("invalid query")
)

// ErrDimensionMismatch indicates a query vector whose dimension does not
// match the table's vector column.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError maps package-level errors onto the public taxonomy so
// callers match with errors.Is against the root sentinels only.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrWriteConflict),
		errors.Is(err, ErrInsufficientData),
		errors.Is(err, ErrCorruption):
		return err
	}

	switch {
	case errors.Is(err, blobstore.ErrNotFound), errors.Is(err, manifest.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, blobstore.ErrAlreadyExists):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, ivfpq.ErrInsufficientData):
		return fmt.Errorf("%w: %w", ErrInsufficientData, err)
	case errors.Is(err, fragment.ErrCorruption),
		errors.Is(err, manifest.ErrCorruption),
		errors.Is(err, ivfpq.ErrCorruption):
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}

	return err
}
