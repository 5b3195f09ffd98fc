package procman

// invalidModelError signals a model path that does not exist or is not a
// recognized model file. Maps to 400 at the HTTP layer.
type invalidModelError struct{ msg string }

func (e invalidModelError) Error() string { return e.msg }

// ErrInvalidModel constructs an invalidModelError.
func ErrInvalidModel(msg string) error { return invalidModelError{msg: msg} }

// IsInvalidModel reports whether err indicates a bad model path.
func IsInvalidModel(err error) bool {
	_, ok := err.(invalidModelError)
	return ok
}

// processFailureError signals that the engine subprocess could not be
// spawned, exited before becoming healthy, or never passed its health
// check. Maps to 503 at the HTTP layer.
type processFailureError struct{ msg string }

func (e processFailureError) Error() string { return e.msg }

// ErrProcessFailure constructs a processFailureError.
func ErrProcessFailure(msg string) error { return processFailureError{msg: msg} }

// IsProcessFailure reports whether err indicates an engine spawn or
// health failure.
func IsProcessFailure(err error) bool {
	_, ok := err.(processFailureError)
	return ok
}

// unknownModeError signals a mode with no registered controller.
type unknownModeError struct{ mode string }

func (e unknownModeError) Error() string { return "unknown mode: " + e.mode }

// ErrUnknownMode constructs an unknownModeError.
func ErrUnknownMode(mode string) error { return unknownModeError{mode: mode} }

// IsUnknownMode reports whether err indicates an unregistered mode.
func IsUnknownMode(err error) bool {
	_, ok := err.(unknownModeError)
	return ok
}

// notRunningError signals an operation that needs a healthy engine while
// the controller is in some other state. Maps to 409 at the HTTP layer.
type notRunningError struct{ mode, state string }

func (e notRunningError) Error() string {
	return "engine not running for mode " + e.mode + " (state: " + e.state + ")"
}

// ErrNotRunning constructs a notRunningError.
func ErrNotRunning(mode, state string) error { return notRunningError{mode: mode, state: state} }

// IsNotRunning reports whether err indicates the engine is not in a
// running state.
func IsNotRunning(err error) bool {
	_, ok := err.(notRunningError)
	return ok
}
