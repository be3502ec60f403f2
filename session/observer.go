package session

// Observer receives the progress and status transitions of one upload session.
// OnStatusChange is called on the goroutine driving the session. OnProgress may also be
// called from the goroutine writing a request body; progress calls never overlap and
// the reported values never decrease.
type Observer interface {
	OnProgress(percent int)
	OnStatusChange(status Status)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Progress     func(percent int)
	StatusChange func(status Status)
}

// OnProgress ...
func (o ObserverFuncs) OnProgress(percent int) {
	if o.Progress != nil {
		o.Progress(percent)
	}
}

// OnStatusChange ...
func (o ObserverFuncs) OnStatusChange(status Status) {
	if o.StatusChange != nil {
		o.StatusChange(status)
	}
}
