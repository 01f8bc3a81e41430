package kernel

import "errors"

var (
	ErrClosed           = errors.New("kernel closed")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrInvalidAddress   = errors.New("address out of range")
	ErrMemoryExhausted  = errors.New("system memory exhausted")
	ErrThreadNotDormant = errors.New("thread not dormant")
	ErrThreadDormant    = errors.New("thread dormant")
	ErrInterruptBusy    = errors.New("interrupt cause busy")
	ErrSemaOverflow     = errors.New("semaphore overflow")
)
