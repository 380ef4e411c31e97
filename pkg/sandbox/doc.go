// Package sandbox runs shell commands for the run_command skill.
//
// Commands are launched as argv vectors with a minimal environment, a hard
// timeout and a per-stream output cap. Output is stripped of ANSI escapes
// before it reaches the model. Free-form commands are off by default; only
// configured presets run.
package sandbox
