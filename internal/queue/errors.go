package queue

import "errors"

var (
	ErrItemNotFound  = errors.New("queue item not found")
	ErrInvalidItem   = errors.New("invalid queue item")
	ErrPersistFailed = errors.New("persist sync queue")
)
