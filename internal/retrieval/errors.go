package retrieval

import (
	"errors"
	"fmt"
	"time"
)

// DimensionMismatchError rejects a vector whose length differs from the
// index's fixed dimension.
type DimensionMismatchError struct {
	Want int
	Got  int
	// RecordID is empty for query vectors.
	RecordID string
}

func (e *DimensionMismatchError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("dimension mismatch for record %s: index has %d, got %d", e.RecordID, e.Want, e.Got)
	}
	return fmt.Sprintf("dimension mismatch: index has %d, got %d", e.Want, e.Got)
}

// IsDimensionMismatch reports whether err is a DimensionMismatchError.
func IsDimensionMismatch(err error) bool {
	var e *DimensionMismatchError
	return errors.As(err, &e)
}

// RetrievalTimeoutError reports a query that did not finish within its bound.
type RetrievalTimeoutError struct {
	After time.Duration
}

func (e *RetrievalTimeoutError) Error() string {
	return fmt.Sprintf("retrieval query timed out after %s", e.After)
}

// IsRetrievalTimeout reports whether err is a RetrievalTimeoutError.
func IsRetrievalTimeout(err error) bool {
	var e *RetrievalTimeoutError
	return errors.As(err, &e)
}
