package harness

import "errors"

var (
	// ErrAlreadyRunning is returned by StartListening while a drain loop is active
	ErrAlreadyRunning = errors.New("drain loop already running")
	// ErrNotRunning is logged when Stop is called without a drain loop
	ErrNotRunning = errors.New("drain loop not running")
	// ErrStopped is returned by operations on a harness that has been stopped
	ErrStopped = errors.New("harness stopped")
	// ErrJoinTimeout is returned by Stop when the drain loop did not exit in time
	ErrJoinTimeout = errors.New("drain loop did not exit before join timeout")
)
