package pipeline

// invalidParamError signals a parameter value outside its allowed range.
// The whole update is rejected before any side effect.
type invalidParamError struct{ msg string }

func (e invalidParamError) Error() string { return e.msg }

// ErrInvalidParam constructs an invalidParamError.
func ErrInvalidParam(msg string) error { return invalidParamError{msg: msg} }

// IsInvalidParam reports whether err indicates a rejected parameter value.
func IsInvalidParam(err error) bool {
	_, ok := err.(invalidParamError)
	return ok
}
