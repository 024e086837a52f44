package execution

import "errors"

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidState      = errors.New("invalid run state")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrLaunchFailed      = errors.New("failed to launch runner")
	ErrSignalUnsupported = errors.New("process signals not supported on this platform")
)
