package sync

import "errors"

var (
	ErrUnknownTable     = errors.New("unknown table name")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidSince     = errors.New("invalid since timestamp")
)
