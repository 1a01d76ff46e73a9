package webcodecs

import "errors"

// Error kinds surfaced by sessions and the translator. Callers match them
// with errors.Is; the wrapped message carries the detail.
var (
	ErrValidation    = errors.New("invalid argument")
	ErrInvalidState  = errors.New("invalid state")
	ErrQuotaExceeded = errors.New("queue quota exceeded")
	ErrData          = errors.New("malformed data")
	ErrEncoding      = errors.New("codec processing failed")
	ErrTimeout       = errors.New("operation timed out")
	ErrAbort         = errors.New("operation aborted")
	ErrNotSupported  = errors.New("configuration not supported")

	// ErrHardwareUnavailable is returned by native engines when the hardware
	// path backing a session is lost. Sessions treat it as a pipeline failure
	// and fall back to the next candidate.
	ErrHardwareUnavailable = errors.New("hardware pipeline unavailable")

	ErrBufferTooSmall = errors.New("buffer too small")
	ErrEngineNotFound = errors.New("native engine not available")
)

// ErrorName returns the DOMException-style name for err, or "Error" when err
// does not wrap one of the package error kinds.
func ErrorName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "TypeError"
	case errors.Is(err, ErrInvalidState):
		return "InvalidStateError"
	case errors.Is(err, ErrQuotaExceeded):
		return "QuotaExceededError"
	case errors.Is(err, ErrData):
		return "DataError"
	case errors.Is(err, ErrEncoding):
		return "EncodingError"
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrAbort):
		return "AbortError"
	case errors.Is(err, ErrNotSupported):
		return "NotSupportedError"
	default:
		return "Error"
	}
}
