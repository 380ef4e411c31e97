package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HostSandbox runs processes directly on the host with a minimal environment
type HostSandbox struct {
	config Config
}

// NewHostSandbox creates a new host-based sandbox
func NewHostSandbox(config Config) (*HostSandbox, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	return &HostSandbox{config: config}, nil
}

// Config returns the sandbox configuration
func (h *HostSandbox) Config() Config {
	return h.config
}

// Execute runs a command in the sandbox
func (h *HostSandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return ExecuteResult{}, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = h.config.WorkingDir
	}
	if err := h.checkFilesystemAccess(workingDir); err != nil {
		return ExecuteResult{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.config.Timeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	cmd.Env = h.buildEnvironment(req.Env)
	cmd.WaitDelay = time.Second

	stdout := newCappedBuffer(h.config.MaxOutputBytes)
	stderr := newCappedBuffer(h.config.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = strings.NewReader(string(req.Stdin))
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := ExecuteResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  duration,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to run %s: %w", req.Command, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	log.Debug().
		Str("command", req.Command).
		Strs("args", req.Args).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Bool("truncated", result.Truncated).
		Msg("Command executed in sandbox")

	return result, nil
}

// checkFilesystemAccess rejects denied working directories
func (h *HostSandbox) checkFilesystemAccess(path string) error {
	if path == "" {
		return nil
	}

	cleanPath := filepath.Clean(path)
	for _, denied := range h.config.DeniedPaths {
		if cleanPath == denied || strings.HasPrefix(cleanPath, denied+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s", ErrFilesystemAccessDenied, path)
		}
	}
	return nil
}

// buildEnvironment builds the environment variables for the command
func (h *HostSandbox) buildEnvironment(env map[string]string) []string {
	result := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
	}
	for key, value := range env {
		result = append(result, fmt.Sprintf("%s=%s", key, value))
	}
	return result
}
