package pathutil

import (
	"os"
	"os/user"
)

// HomeFunc returns the current user's home directory, or false when it
// cannot be determined.
type HomeFunc func() (string, bool)

// UserRecord is the subset of a user database entry the expander needs.
// HasHomeDir is false when the entry carries no home directory.
type UserRecord struct {
	Name       string
	HomeDir    string
	HasHomeDir bool
}

// Directory looks up users by name. Implementations must be safe for
// concurrent use; they only read.
type Directory interface {
	LookupUser(name string) (UserRecord, bool)
}

// CurrentUserHome returns $HOME when it is set and non-empty, falling back
// to the home directory the user database records for the current user.
func CurrentUserHome() (string, bool) {
	if home := os.Getenv("HOME"); home != "" {
		return home, true
	}
	u, err := user.Current()
	if err != nil || u.HomeDir == "" {
		return "", false
	}
	return u.HomeDir, true
}

// OSDirectory resolves users through the operating system's user database.
type OSDirectory struct{}

// LookupUser implements Directory. Any lookup failure, not only
// user.UnknownUserError, is reported as an absent record.
func (OSDirectory) LookupUser(name string) (UserRecord, bool) {
	u, err := user.Lookup(name)
	if err != nil {
		return UserRecord{}, false
	}
	return UserRecord{
		Name:       u.Username,
		HomeDir:    u.HomeDir,
		HasHomeDir: u.HomeDir != "",
	}, true
}
