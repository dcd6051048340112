// Package privilege resolves the identity the attacher runs as.
//
// The cache scopes extracted payloads by user name, and the CLI writes its
// configuration into the invoking user's home even when run through sudo.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// UserContext represents a resolved user identity.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// DetectOriginalUser extracts user identity, accounting for sudo execution.
// When running under sudo, it returns the original user's context from
// SUDO_USER/SUDO_UID/SUDO_GID environment variables. Otherwise, returns the
// current user's context.
func DetectOriginalUser() (*UserContext, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return CurrentUser()
	}

	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}

	u, err := user.Lookup(sudoUser)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup user %s: %w", sudoUser, err)
	}

	return &UserContext{
		Username: sudoUser,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}

// CurrentUser returns the context for the effective user of this process.
//
// Minimal containers often run with a uid that has no passwd entry. In that
// case the name falls back to $USER (or $USERNAME on windows) and finally to
// the numeric uid, so callers always get a usable, stable name.
func CurrentUser() (*UserContext, error) {
	uid := os.Getuid()
	gid := os.Getgid()

	u, err := user.Current()
	if err != nil {
		name := os.Getenv("USER")
		if name == "" {
			name = os.Getenv("USERNAME")
		}
		if name == "" {
			if uid < 0 {
				return nil, fmt.Errorf("failed to get current user: %w", err)
			}
			name = strconv.Itoa(uid)
		}
		home, _ := os.UserHomeDir()
		return &UserContext{Username: name, UID: uid, GID: gid, HomeDir: home}, nil
	}

	return &UserContext{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}

// IsRoot checks if the current process is running with root privileges (euid
// == 0).
func IsRoot() bool {
	return os.Geteuid() == 0
}

// IsRunningUnderSudo checks if the process is running under sudo by checking
// for the SUDO_USER environment variable.
func IsRunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}

// FixFileOwnership changes the ownership of a file to the original user when
// running under sudo. If not running as root, this is a no-op.
func FixFileOwnership(path string) error {
	if !IsRoot() || !IsRunningUnderSudo() {
		return nil
	}

	userCtx, err := DetectOriginalUser()
	if err != nil {
		return fmt.Errorf("failed to detect original user: %w", err)
	}

	if err := os.Chown(path, userCtx.UID, userCtx.GID); err != nil {
		return fmt.Errorf("failed to chown %s to %d:%d: %w", path, userCtx.UID, userCtx.GID, err)
	}

	return nil
}
