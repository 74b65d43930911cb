package privilege

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Drop switches the process to user. Supplementary groups and the real,
// effective and saved gids are replaced before the uids, while the process
// may still change them. An empty user, or a process already running as
// that user, is a no-op.
func Drop(name string) error {
	if name == "" {
		return nil
	}
	creds, err := Lookup(name)
	if err != nil {
		return err
	}
	if os.Geteuid() == creds.UID && os.Getegid() == creds.GID {
		return nil
	}

	if err := unix.Setgroups([]int{creds.GID}); err != nil {
		return fmt.Errorf("%w: setgroups: %v", ErrDropFailed, err)
	}
	if err := unix.Setresgid(creds.GID, creds.GID, creds.GID); err != nil {
		return fmt.Errorf("%w: setresgid %d: %v", ErrDropFailed, creds.GID, err)
	}
	if err := unix.Setresuid(creds.UID, creds.UID, creds.UID); err != nil {
		return fmt.Errorf("%w: setresuid %d: %v", ErrDropFailed, creds.UID, err)
	}
	return nil
}
