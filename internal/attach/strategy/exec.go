package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coral-attach/internal/privilege"
	"github.com/coral-mesh/coral-attach/internal/process"
)

// DefaultHelper is the attach helper looked up on PATH by the native strategy.
const DefaultHelper = "coral-attach-helper"

// Helper is the native strategy: it hands the payload to an attach helper
// installed on the host, invoked as
//
//	<helper> <pid> load <payload> [<args>]
type Helper struct {
	// Binary is the helper name or path. Defaults to DefaultHelper.
	Binary string
	Logger zerolog.Logger

	lookPath func(string) (string, error)
}

// NewHelper creates the native strategy.
func NewHelper(binary string, logger zerolog.Logger) *Helper {
	if binary == "" {
		binary = DefaultHelper
	}
	return &Helper{
		Binary:   binary,
		Logger:   logger.With().Str("component", "attach_helper").Logger(),
		lookPath: exec.LookPath,
	}
}

// Name implements Strategy.
func (h *Helper) Name() string {
	return "native"
}

// Available implements Strategy.
func (h *Helper) Available() error {
	_, err := h.resolveBinary()
	return err
}

// Attach implements Strategy.
func (h *Helper) Attach(ctx context.Context, req Request) error {
	if req.PayloadPath == "" {
		return fmt.Errorf("%w: native attach requires a payload", ErrPayloadInvalid)
	}
	if err := checkPayload(req.PayloadPath); err != nil {
		return err
	}
	if err := checkTarget(ctx, req); err != nil {
		return err
	}

	bin, err := h.resolveBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoProvider, err)
	}

	args := []string{req.PID, "load", req.PayloadPath}
	if req.Args != "" {
		args = append(args, req.Args)
	}
	return run(ctx, h.Logger, bin, args)
}

func (h *Helper) resolveBinary() (string, error) {
	lookPath := h.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(h.Binary)
	if err != nil {
		return "", fmt.Errorf("attach helper %q not found: %w", h.Binary, err)
	}
	return path, nil
}

// Exec is the emulated strategy: it starts the payload itself and lets it
// attach to the target, invoked as
//
//	<payload> --attach-pid=<pid> [--agent-args=<args>]
type Exec struct {
	Logger zerolog.Logger
}

// NewExec creates the emulated strategy.
func NewExec(logger zerolog.Logger) *Exec {
	return &Exec{Logger: logger.With().Str("component", "attach_exec").Logger()}
}

// Name implements Strategy.
func (e *Exec) Name() string {
	return "emulated"
}

// Available implements Strategy.
func (e *Exec) Available() error {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "windows":
		return nil
	}
	return fmt.Errorf("unsupported platform %s", runtime.GOOS)
}

// Attach implements Strategy.
func (e *Exec) Attach(ctx context.Context, req Request) error {
	if req.PayloadPath == "" {
		return fmt.Errorf("%w: emulated attach requires a payload", ErrPayloadInvalid)
	}
	if err := checkPayload(req.PayloadPath); err != nil {
		return err
	}
	if err := checkTarget(ctx, req); err != nil {
		return err
	}

	args := []string{"--attach-pid=" + req.PID}
	if req.Args != "" {
		args = append(args, "--agent-args="+req.Args)
	}
	return run(ctx, e.Logger, req.PayloadPath, args)
}

// DefaultChain returns the native strategy followed by the emulated one.
func DefaultChain(helper string, logger zerolog.Logger) Chain {
	return Chain{NewHelper(helper, logger), NewExec(logger)}
}

func checkPayload(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrPayloadInvalid, path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrPayloadInvalid, path)
	}
	return nil
}

// checkTarget fails fast on targets the attach would not reach: pids that are
// not running, and processes owned by another user when not root.
func checkTarget(ctx context.Context, req Request) error {
	exists, err := process.Exists(ctx, req.PID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessNotFound, err)
	}
	if !exists {
		return fmt.Errorf("%w: pid %s", ErrProcessNotFound, req.PID)
	}

	if req.Current || privilege.IsRoot() || os.Geteuid() < 0 {
		return nil
	}

	info, err := process.Describe(ctx, req.PID)
	if err != nil {
		// Ownership cannot be checked; let the attach itself decide.
		return nil
	}
	if info.EffectiveUID >= 0 && info.EffectiveUID != os.Geteuid() {
		return fmt.Errorf("%w: pid %s runs as uid %d", ErrPermissionDenied, req.PID, info.EffectiveUID)
	}
	return nil
}

func run(ctx context.Context, logger zerolog.Logger, bin string, args []string) error {
	logger.Debug().Str("binary", bin).Strs("args", args).Msg("Running attach command")

	// #nosec G204 -- bin is the resolved helper or the verified payload.
	cmd := exec.CommandContext(ctx, bin, args...)
	stdout := &logWriter{logger: logger, level: zerolog.InfoLevel}
	stderr := &logWriter{logger: logger, level: zerolog.WarnLevel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d: %w", bin, exitErr.ExitCode(), err)
		}
		return fmt.Errorf("failed to run %s: %w", bin, err)
	}
	return nil
}

// logWriter adapts a child's stdout/stderr to zerolog, one message per line.
// Output split across writes is held until its newline arrives or Flush.
type logWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing output that did not end with a newline.
func (w *logWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		return
	}
	w.logger.WithLevel(w.level).Str("source", "payload").Msg(string(line))
}
