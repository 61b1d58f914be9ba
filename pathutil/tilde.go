// Package pathutil expands a leading tilde expression (~, ~user) in a path
// to the matching home directory.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// rootHome is used for ~root without consulting the user database.
const rootHome = "/root"

// Expander expands tilde expressions using its two collaborators. The zero
// value uses CurrentUserHome and OSDirectory. An Expander holds no state
// and may be shared between goroutines.
type Expander struct {
	Home      HomeFunc
	Directory Directory
}

// ExpandUser expands path with the default collaborators.
func ExpandUser(path string) (string, error) {
	return Expander{}.Expand(path)
}

// Expand replaces the first component of path when it is a tilde expression.
//
// A path whose first component does not start with ~ is returned unchanged.
// Otherwise the result is the resolved home directory followed by the
// remaining components; empty and "." components are dropped, ".." is kept.
// Only the first component is inspected. The filesystem is never touched.
func (e Expander) Expand(path string) (string, error) {
	first, rest := splitFirst(path)
	if !strings.HasPrefix(first, "~") {
		return path, nil
	}

	prefix, err := e.resolve(first[1:])
	if err != nil {
		return "", err
	}
	return push(prefix, rest), nil
}

// resolve returns the home directory for name, where name is the first
// component with its leading ~ removed. An empty name means the current user.
func (e Expander) resolve(name string) (string, error) {
	switch name {
	case "":
		home := e.Home
		if home == nil {
			home = CurrentUserHome
		}
		dir, ok := home()
		if !ok {
			return "", ErrCurrentUserHomeNotFound
		}
		return dir, nil
	case "root":
		return rootHome, nil
	}

	// The user database takes NUL-terminated names.
	if strings.IndexByte(name, 0) >= 0 {
		return "", Error{Kind: InvalidTildeExpression, User: name}
	}

	dir := e.Directory
	if dir == nil {
		dir = OSDirectory{}
	}
	rec, ok := dir.LookupUser(name)
	if !ok {
		return "", UserNotFoundError(name)
	}
	if !rec.HasHomeDir {
		return "", Error{Kind: UserHomeNotFound, User: name}
	}
	return rec.HomeDir, nil
}

// splitFirst splits path at its first separator. A path starting with a
// separator has an empty first component.
func splitFirst(path string) (first, rest string) {
	for i := 0; i < len(path); i++ {
		if os.IsPathSeparator(path[i]) {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// push appends the components of rest to prefix.
func push(prefix, rest string) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(rest) + 1)
	b.WriteString(prefix)
	for _, c := range strings.FieldsFunc(rest, isSeparator) {
		if c == "." {
			continue
		}
		if n := b.Len(); n > 0 && !os.IsPathSeparator(b.String()[n-1]) {
			b.WriteByte(filepath.Separator)
		}
		b.WriteString(c)
	}
	return b.String()
}

func isSeparator(r rune) bool {
	return r < utf8.RuneSelf && os.IsPathSeparator(uint8(r))
}
