package storage

import "errors"

var (
	ErrTopicNotFound   = errors.New("topic not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrBlockNotFound   = errors.New("block not found")
	ErrInvalidData     = errors.New("invalid data")
	ErrStorageInit     = errors.New("storage initialization failed")
	ErrFileOperation   = errors.New("file operation failed")
)
