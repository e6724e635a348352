// Package privdrop implements the chroot / privilege-drop setup named in
// spec section 1 as an external collaborator. Order matters: chroot must
// happen while still privileged, then the working directory is reset to
// "/" inside the new root, and only then is the group id dropped (before
// the user id -- once uid is non-root, setgid would fail).
package privdrop

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Apply chroots into root (if non-empty) and drops to username (if
// non-empty), in that order. It must be called before any goroutine other
// than the caller's has started, since Setuid/Setgid affect the whole
// process on Linux only when every thread changes together -- callers
// invoke this once, early, during single-threaded startup.
func Apply(root, username string) error {
	if root != "" {
		if err := unix.Chroot(root); err != nil {
			return fmt.Errorf("privdrop: chroot %s: %w", root, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("privdrop: chdir / after chroot: %w", err)
		}
	}

	if username == "" {
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("privdrop: lookup user %s: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("privdrop: parse uid %s: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("privdrop: parse gid %s: %w", u.Gid, err)
	}

	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("privdrop: setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("privdrop: setuid %d: %w", uid, err)
	}
	return nil
}
