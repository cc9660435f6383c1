package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable means the store could not be opened. It is fatal
	// at startup.
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrStorageRead            = errors.New("storage read failed")
	ErrStorageWrite           = errors.New("storage write failed")
	ErrStoreClosed            = errors.New("store closed")
	ErrMalformedHistoryRecord = errors.New("malformed history record")
)

// MalformedRecordError identifies one stored turn that could not be decoded.
// It matches ErrMalformedHistoryRecord under errors.Is.
type MalformedRecordError struct {
	RowID int64
	Err   error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%v: row %d: %v", ErrMalformedHistoryRecord, e.RowID, e.Err)
}

func (e *MalformedRecordError) Unwrap() []error {
	return []error{ErrMalformedHistoryRecord, e.Err}
}

// MalformedRecords extracts every MalformedRecordError reported by ReadAll,
// looking through wrapped and joined errors.
func MalformedRecords(err error) []*MalformedRecordError {
	switch e := err.(type) {
	case nil:
		return nil
	case *MalformedRecordError:
		return []*MalformedRecordError{e}
	case interface{ Unwrap() []error }:
		var out []*MalformedRecordError
		for _, inner := range e.Unwrap() {
			out = append(out, MalformedRecords(inner)...)
		}
		return out
	case interface{ Unwrap() error }:
		return MalformedRecords(e.Unwrap())
	}
	return nil
}
