package store

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrUnknownTable  = errors.New("unknown table")
	ErrInvalidRecord = errors.New("invalid record")
)
