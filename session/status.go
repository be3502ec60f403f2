package session

// Status is the caller visible state of an upload.
type Status string

const (
	// StatusIdle is a file that is known but not scheduled for upload yet.
	StatusIdle Status = "idle"
	// StatusPending is an upload that was requested but has no session id yet.
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether no further chunk can be sent in this state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}
