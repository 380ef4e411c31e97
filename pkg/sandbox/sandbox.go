package sandbox

import (
	"context"
	"time"
)

// Config defines host execution limits
type Config struct {
	// Timeout bounds each process run
	Timeout time.Duration `json:"timeout"`

	// MaxOutputBytes caps each of stdout and stderr
	MaxOutputBytes int `json:"max_output_bytes"`

	// WorkingDir is the directory processes start in; empty uses the current one
	WorkingDir string `json:"working_dir"`

	// DeniedPaths may not be used as working directories
	DeniedPaths []string `json:"denied_paths"`
}

// ExecuteRequest represents one process launch. Command and Args are passed
// to the OS as an argv vector; no shell is involved.
type ExecuteRequest struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Stdin      []byte            `json:"stdin"`
	Timeout    time.Duration     `json:"timeout"`
}

// ExecuteResult represents a finished process
type ExecuteResult struct {
	Stdout    []byte        `json:"stdout"`
	Stderr    []byte        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
}

// Sandbox runs processes under a timeout and output cap
type Sandbox interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// DefaultConfig returns a default sandbox configuration
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxOutputBytes: 16 * 1024,
		DeniedPaths:    []string{"/etc", "/sys", "/proc"},
	}
}

// ValidateConfig validates a sandbox configuration
func ValidateConfig(cfg Config) error {
	if cfg.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}
