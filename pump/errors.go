package pump

import (
	"errors"
	"fmt"
)

var (
	// ErrReceiverClosed is returned by receivers that will never deliver again
	ErrReceiverClosed = errors.New("pump: receiver closed")
	// ErrAlreadyRunning is returned when Run is called on a running pump
	ErrAlreadyRunning = errors.New("pump: already running")
	// ErrNotPaused is returned when resuming a job that is not paused
	ErrNotPaused = errors.New("pump: job is not paused")
	// ErrEmptyJobID is returned for lifetime operations without a job id
	ErrEmptyJobID = errors.New("pump: job id is required")
	// ErrNilReceiver is returned when a pump is built without a receiver
	ErrNilReceiver = errors.New("pump: receiver is required")
)

// SettleError reports a failed disposition call on the transport
type SettleError struct {
	Op        string
	JobID     string
	MessageID string
	Err       error
}

func (e *SettleError) Error() string {
	return fmt.Sprintf("pump: %s message %s on job %s: %v", e.Op, e.MessageID, e.JobID, e.Err)
}

func (e *SettleError) Unwrap() error {
	return e.Err
}
