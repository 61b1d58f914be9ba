package userdb

import (
	"fmt"

	"github.com/Fuabioo/expand-user/internal/config"
	"github.com/Fuabioo/expand-user/pathutil"
)

// Static maps user names to home directories. An empty home means the user
// exists but has no home directory.
type Static map[string]string

// LookupUser implements pathutil.Directory.
func (s Static) LookupUser(name string) (pathutil.UserRecord, bool) {
	home, ok := s[name]
	if !ok {
		return pathutil.UserRecord{}, false
	}
	return pathutil.UserRecord{Name: name, HomeDir: home, HasHomeDir: home != ""}, true
}

// Chain consults each directory in order; the first record found wins,
// including one without a home directory.
type Chain []pathutil.Directory

// LookupUser implements pathutil.Directory.
func (c Chain) LookupUser(name string) (pathutil.UserRecord, bool) {
	for _, d := range c {
		if rec, ok := d.LookupUser(name); ok {
			return rec, true
		}
	}
	return pathutil.UserRecord{}, false
}

// FromConfig builds the directory described by cfg. The passwd file, when
// listed as a source, is read once here.
func FromConfig(cfg config.DirectoryConfig) (pathutil.Directory, error) {
	sources := cfg.EffectiveSources()
	chain := make(Chain, 0, len(sources))
	for _, s := range sources {
		switch s {
		case config.SourceOS:
			chain = append(chain, pathutil.OSDirectory{})
		case config.SourceStatic:
			chain = append(chain, Static(cfg.Users))
		case config.SourcePasswd:
			path, err := cfg.EffectivePasswdFile()
			if err != nil {
				return nil, err
			}
			p, err := LoadPasswd(path)
			if err != nil {
				return nil, err
			}
			chain = append(chain, p)
		default:
			return nil, fmt.Errorf("userdb: unknown directory source %q", s)
		}
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
