package session

import "errors"

// Status is the lifecycle state of an engine
type Status int

const (
	StatusUninitialized Status = iota
	StatusInitializing
	StatusActive
	StatusBusy
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusActive:
		return "active"
	case StatusBusy:
		return "busy"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrUnknownMacro = errors.New("unknown macro")
	ErrBusy         = errors.New("session is busy")
	ErrTerminated   = errors.New("session is terminated")
)
