package model

import (
	"errors"
)

var (
	ErrUnknownWorkerType   = errors.New("unknown worker type")
	ErrNotFound            = errors.New("worker not found")
	ErrWorkerExists        = errors.New("worker already registered")
	ErrOperationInProgress = errors.New("operation in progress")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidConfig       = errors.New("invalid worker config")
	ErrNotStopped          = errors.New("worker is not stopped")
)
