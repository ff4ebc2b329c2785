package convert

import (
	"context"
	"errors"

	"github.com/basekick-labs/asdm2ms/internal/asdm"
	"github.com/basekick-labs/asdm2ms/internal/bdf"
	"github.com/basekick-labs/asdm2ms/internal/expand"
	"github.com/basekick-labs/asdm2ms/internal/uvw"
)

// Error kinds reported in the run summary, the ledger and the
// row_errors_total metric.
const (
	KindTruncated = "truncated"
	KindIO        = "io"
	KindGeometry  = "geometry"
	KindShape     = "shape"
	KindState     = "state"
	KindNotFound  = "not-found"
	KindMalformed = "malformed"
	KindCanceled  = "canceled"
	KindWrite     = "write"
	KindOther     = "other"
)

// writeError marks a failure of the table writer. It aborts the run.
type writeError struct{ err error }

func (e *writeError) Error() string { return "writing output: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// Classify maps an error to its kind. Geometry errors wrap the lookup
// failure, so they are tested before not-found.
func Classify(err error) string {
	var we *writeError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &we):
		return KindWrite
	case errors.Is(err, bdf.ErrTruncatedData):
		return KindTruncated
	case errors.Is(err, bdf.ErrIO):
		return KindIO
	case errors.Is(err, uvw.ErrGeometry):
		return KindGeometry
	case errors.Is(err, expand.ErrShapeMismatch):
		return KindShape
	case errors.Is(err, expand.ErrState):
		return KindState
	case errors.Is(err, asdm.ErrNotFound):
		return KindNotFound
	case errors.Is(err, asdm.ErrMalformed):
		return KindMalformed
	default:
		return KindOther
	}
}

// fatal reports whether err must stop the whole run rather than the row.
func fatal(kind string) bool {
	switch kind {
	case KindCanceled, KindWrite, KindState:
		return true
	}
	return false
}
