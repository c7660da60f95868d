package command

import "errors"

// Every error in this block is a per-command failure: it is reported to the
// submitter of that command only and never aborts the batch it ran in.
var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrKeyNotFound    = errors.New("key not found")
	ErrCompareFailed  = errors.New("compare failed")
	ErrUnknownKind    = errors.New("unknown command kind")
	ErrNotCounter     = errors.New("value is not a counter")
)
