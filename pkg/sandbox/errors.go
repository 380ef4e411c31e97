package sandbox

import "errors"

var (
	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrUnknownPreset is returned for a preset name that is not configured
	ErrUnknownPreset = errors.New("unknown command preset")

	// ErrFreeformDisabled is returned when a free-form command is requested
	// while only presets are allowed
	ErrFreeformDisabled = errors.New("free-form commands are disabled")

	// ErrInvalidCommand is returned for an empty or malformed command
	ErrInvalidCommand = errors.New("invalid command")

	// ErrFilesystemAccessDenied is returned when the working directory is denied
	ErrFilesystemAccessDenied = errors.New("filesystem access denied")

	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be > 0)")
)
