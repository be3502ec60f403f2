package session

import (
	"errors"
	"fmt"
)

// ErrMissingUploadID is returned when the initiation response carries no session id.
var ErrMissingUploadID = errors.New("missing upload ID")

// InitiationFailedError means the server did not allocate a session.
type InitiationFailedError struct {
	Err error
}

func (e *InitiationFailedError) Error() string {
	return fmt.Sprintf("upload initialization failed: %s", e.Err)
}

func (e *InitiationFailedError) Unwrap() error {
	return e.Err
}

// ChunkTransmissionFailedError means a chunk could not be delivered. The chunks before it
// remain on the server under the session id.
type ChunkTransmissionFailedError struct {
	Index  int
	Offset int64
	Err    error
}

func (e *ChunkTransmissionFailedError) Error() string {
	return fmt.Sprintf("chunk %d (offset %d) upload failed: %s", e.Index+1, e.Offset, e.Err)
}

func (e *ChunkTransmissionFailedError) Unwrap() error {
	return e.Err
}
