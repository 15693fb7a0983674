package privacy

// SanitizedError carries an error whose message had credentials scrubbed.
// Unwrap still returns the original, so errors.Is and errors.As work.
type SanitizedError struct {
	original     error
	sanitizedMsg string
}

func (e *SanitizedError) Error() string {
	return e.sanitizedMsg
}

func (e *SanitizedError) Unwrap() error {
	return e.original
}

// WrapError scrubs err's message with ScrubMessage. It returns nil for a nil
// error and err itself when there was nothing to scrub.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	scrubbed := ScrubMessage(msg)
	if scrubbed == msg {
		return err
	}
	return &SanitizedError{original: err, sanitizedMsg: scrubbed}
}
