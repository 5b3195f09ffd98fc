package download

// modelUnavailableError signals that no local file could be produced for
// a model: it is not on disk and there is no URL to fetch it from. Maps
// to 404 at the HTTP layer.
type modelUnavailableError struct{ msg string }

func (e modelUnavailableError) Error() string { return e.msg }

// ErrModelUnavailable constructs a modelUnavailableError.
func ErrModelUnavailable(msg string) error { return modelUnavailableError{msg: msg} }

// IsModelUnavailable reports whether err indicates a model that cannot
// be resolved to a local file.
func IsModelUnavailable(err error) bool {
	_, ok := err.(modelUnavailableError)
	return ok
}
