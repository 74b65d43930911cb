//go:build !linux

package privilege

import (
	"fmt"
	"os"
)

// Drop only succeeds when the process already runs as user.
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
	return fmt.Errorf("%w: changing user is only supported on linux", ErrDropFailed)
}
