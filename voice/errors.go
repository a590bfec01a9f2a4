package voice

// NotReadyError is returned when an operation needs a live audio path but
// the session is not in a status that has one.
type NotReadyError struct {
	Status Status
}

func (err *NotReadyError) Error() string {
	return "voice session not ready: status is " + err.Status.String()
}

// ReconnectError is handed to ErrorLog every time the voice connection dies
// and fails to be reconnected.
type ReconnectError struct {
	Err error
}

func (err *ReconnectError) Error() string {
	return "voice reconnect error: " + err.Err.Error()
}

// Unwrap returns the error of the failed reconnect attempt.
func (err *ReconnectError) Unwrap() error { return err.Err }
