package pathutil

import "fmt"

// ErrorKind identifies why a tilde expression could not be expanded.
type ErrorKind int

const (
	// CurrentUserHomeNotFound: bare ~ and the current user's home is unknown.
	CurrentUserHomeNotFound ErrorKind = iota + 1
	// UserNotFound: ~name and the directory has no record for name.
	UserNotFound
	// UserHomeNotFound: ~name and the record has no home directory.
	UserHomeNotFound
	// InvalidTildeExpression: ~name and name cannot be passed to the user database.
	InvalidTildeExpression
)

// String returns the snake_case name used in logs, JSON output and the audit log.
func (k ErrorKind) String() string {
	switch k {
	case CurrentUserHomeNotFound:
		return "current_user_home_not_found"
	case UserNotFound:
		return "user_not_found"
	case UserHomeNotFound:
		return "user_home_not_found"
	case InvalidTildeExpression:
		return "invalid_tilde_expression"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is returned by Expand. It is a plain value: two errors for the same
// kind and user compare equal with ==.
//
// User holds the user name for UserNotFound and UserHomeNotFound, the
// attempted expression for InvalidTildeExpression, and is empty for
// CurrentUserHomeNotFound.
type Error struct {
	Kind ErrorKind
	User string
}

// Sentinels for errors.Is. They match any Error of the same kind.
var (
	ErrCurrentUserHomeNotFound = Error{Kind: CurrentUserHomeNotFound}
	ErrUserNotFound            = Error{Kind: UserNotFound}
	ErrUserHomeNotFound        = Error{Kind: UserHomeNotFound}
	ErrInvalidTildeExpression  = Error{Kind: InvalidTildeExpression}
)

// UserNotFoundError returns the error reported when user has no record.
func UserNotFoundError(user string) Error {
	return Error{Kind: UserNotFound, User: user}
}

func (e Error) Error() string {
	switch e.Kind {
	case CurrentUserHomeNotFound:
		return "current user's $HOME directory not found"
	case UserNotFound:
		return fmt.Sprintf("user %q not found", e.User)
	case UserHomeNotFound:
		return fmt.Sprintf("$HOME directory for %q not found", e.User)
	case InvalidTildeExpression:
		return fmt.Sprintf("failed to expand tilde expression: %q", e.User)
	default:
		return fmt.Sprintf("tilde expansion failed (%s)", e.Kind)
	}
}

// Is reports whether target is the kind sentinel for e.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	if !ok {
		return false
	}
	return t.User == "" && t.Kind == e.Kind
}
