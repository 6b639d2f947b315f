// Package compiler runs the external vela model compiler as a subprocess and
// classifies its outcome.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"time"
)

// Fixed invocation parameters for the Ethos-U55 target.
const (
	DefaultBinary     = "vela"
	AcceleratorConfig = "ethos-u55-64"
	MemoryMode        = "Shared_Sram"
	DefaultTimeout    = 120 * time.Second
)

var (
	// ErrToolMissing matches errors raised when the compiler binary cannot
	// be found on this host.
	ErrToolMissing = errors.New("compiler binary not found")
	// ErrCompilation matches non-zero exits and timeouts.
	ErrCompilation = errors.New("compilation failed")
)

// Config describes how to run the compiler.
type Config struct {
	// Binary is a name looked up on PATH or a path to an executable.
	Binary            string
	AcceleratorConfig string
	MemoryMode        string
	Timeout           time.Duration
}

// DefaultConfig returns the vela configuration used in production.
func DefaultConfig() Config {
	return Config{
		Binary:            DefaultBinary,
		AcceleratorConfig: AcceleratorConfig,
		MemoryMode:        MemoryMode,
		Timeout:           DefaultTimeout,
	}
}

// Result is a successful compiler run. The compiler decides the output
// filename, so only the directory is known here.
type Result struct {
	Command   []string
	Stdout    string
	Stderr    string
	InputFile string
	OutputDir string
	Duration  time.Duration
}

// ToolMissingError means the compiler could not be started because the
// binary does not exist. This is an environment problem, not a model one.
type ToolMissingError struct {
	Binary string
	Err    error
}

func (e *ToolMissingError) Error() string {
	return fmt.Sprintf("compiler %q not found; is vela installed and on PATH?", e.Binary)
}

func (e *ToolMissingError) Unwrap() error { return e.Err }

func (e *ToolMissingError) Is(target error) bool { return target == ErrToolMissing }

// FailureError is a compiler run that exited non-zero or hit the timeout.
// ExitCode is -1 when the run timed out.
type FailureError struct {
	ExitCode int
	TimedOut bool
	Timeout  time.Duration
	Stdout   string
	Stderr   string
}

func (e *FailureError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("compilation timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("compilation failed with exit code %d", e.ExitCode)
}

func (e *FailureError) Is(target error) bool { return target == ErrCompilation }

// Invoker runs the compiler with a fixed configuration.
type Invoker struct {
	cfg Config
}

// New returns an Invoker for cfg. Zero fields fall back to DefaultConfig.
func New(cfg Config) *Invoker {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.AcceleratorConfig == "" {
		cfg.AcceleratorConfig = def.AcceleratorConfig
	}
	if cfg.MemoryMode == "" {
		cfg.MemoryMode = def.MemoryMode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Invoker{cfg: cfg}
}

// Config returns the effective configuration.
func (inv *Invoker) Config() Config { return inv.cfg }

// Command returns the argv used to compile input into outputDir.
func (inv *Invoker) Command(input, outputDir string) []string {
	return []string{
		inv.cfg.Binary,
		"--accelerator-config", inv.cfg.AcceleratorConfig,
		"--memory-mode", inv.cfg.MemoryMode,
		"--output-dir", outputDir,
		input,
	}
}

// Invoke compiles modelFile, letting the compiler write into outputDir.
// It blocks until the process exits or the timeout elapses.
func (inv *Invoker) Invoke(ctx context.Context, modelFile, outputDir string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	argv := inv.Command(modelFile, outputDir)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// A killed compiler may leave children holding the pipes open.
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err == nil {
		return &Result{
			Command:   argv,
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			InputFile: modelFile,
			OutputDir: outputDir,
			Duration:  elapsed,
		}, nil
	}

	if errors.Is(err, exec.ErrNotFound) || (cmd.Process == nil && errors.Is(err, fs.ErrNotExist)) {
		return nil, &ToolMissingError{Binary: inv.cfg.Binary, Err: err}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &FailureError{
			ExitCode: -1,
			TimedOut: true,
			Timeout:  inv.cfg.Timeout,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &FailureError{
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	return nil, fmt.Errorf("run compiler: %w", err)
}
