package txmerger

import "errors"

var (
	ErrStopped  = errors.New("transaction merger stopped")
	ErrCanceled = errors.New("command canceled before joining a batch")

	// ErrAlreadyApplied and ErrOutOfOrder are returned by index-gated ops
	// whose position does not directly follow the durable applied index.
	ErrAlreadyApplied = errors.New("entry already applied")
	ErrOutOfOrder     = errors.New("entry applied out of order")
)
