// Package process identifies the process an agent is attached to.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrEmptyPID is returned for an external target without a pid.
var ErrEmptyPID = errors.New("target pid is empty")

// Target is either the current process or an external one identified by pid.
// The zero value is the current process.
type Target struct {
	pid string
}

// Current targets the calling process.
func Current() Target {
	return Target{}
}

// External targets the process with the given pid. The pid is opaque here;
// whether it names a live process is decided by the attach attempt.
func External(pid string) Target {
	return Target{pid: strings.TrimSpace(pid)}
}

// IsCurrent reports whether t is the calling process.
func (t Target) IsCurrent() bool {
	return t.pid == ""
}

// String implements fmt.Stringer.
func (t Target) String() string {
	if t.IsCurrent() {
		return "current process"
	}
	return "pid " + t.pid
}

// Identity reports the pid of the calling process.
type Identity interface {
	PID() string
}

// Self is the Identity of the running process.
type Self struct{}

// PID implements Identity.
func (Self) PID() string {
	return strconv.Itoa(os.Getpid())
}

// Resolve returns the pid t refers to.
func Resolve(t Target, id Identity) (string, error) {
	if t.IsCurrent() {
		if id == nil {
			id = Self{}
		}
		pid := id.PID()
		if pid == "" {
			return "", fmt.Errorf("current process: %w", ErrEmptyPID)
		}
		return pid, nil
	}
	return t.pid, nil
}

// ParsePID converts a pid string to the numeric form used by the OS.
func ParsePID(pid string) (int32, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(pid), 10, 32)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid pid %q", pid)
	}
	return int32(n), nil
}

// Exists reports whether a process with the given pid is running.
func Exists(ctx context.Context, pid string) (bool, error) {
	n, err := ParsePID(pid)
	if err != nil {
		return false, err
	}
	return gopsproc.PidExistsWithContext(ctx, n)
}

// Info is a best effort description of a process, used for logging and
// permission checks.
type Info struct {
	PID      int32
	Name     string
	Exe      string
	Username string
	// EffectiveUID is -1 when unknown.
	EffectiveUID int
}

// Describe collects what can be read about pid. Fields that cannot be read,
// typically for lack of permission, are left empty.
func Describe(ctx context.Context, pid string) (*Info, error) {
	n, err := ParsePID(pid)
	if err != nil {
		return nil, err
	}

	p, err := gopsproc.NewProcessWithContext(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect pid %d: %w", n, err)
	}

	info := &Info{PID: n, EffectiveUID: -1}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		info.Exe = exe
	}
	if user, err := p.UsernameWithContext(ctx); err == nil {
		info.Username = user
	}
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 1 {
		info.EffectiveUID = int(uids[1])
	}

	return info, nil
}
