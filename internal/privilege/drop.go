package privilege

import (
	"fmt"
	"os/user"
	"strconv"
)

// Credentials are the numeric ids a process switches to.
type Credentials struct {
	Name string
	UID  int
	GID  int
}

// Lookup resolves a user name to its uid and primary gid.
func Lookup(name string) (Credentials, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %s: %v", ErrUnknownUser, name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %s has non-numeric uid %q", ErrUnknownUser, name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %s has non-numeric gid %q", ErrUnknownUser, name, u.Gid)
	}
	return Credentials{Name: name, UID: uid, GID: gid}, nil
}
