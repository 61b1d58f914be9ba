// Package userdb provides user databases for ~name expansion beyond the
// operating system's own: passwd(5) files, a static table and a chain.
package userdb

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/Fuabioo/expand-user/pathutil"
)

// maxLineLen bounds a single passwd line.
const maxLineLen = 1 << 20

// Passwd is an in-memory table parsed from a passwd(5)-format file.
// It is read-only after construction.
type Passwd struct {
	users map[string]pathutil.UserRecord
}

// LoadPasswd reads and parses the passwd file at path.
func LoadPasswd(path string) (*Passwd, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("userdb: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	p, err := ParsePasswd(f)
	if err != nil {
		return nil, fmt.Errorf("userdb: parse %s: %w", path, err)
	}
	return p, nil
}

// ParsePasswd parses passwd(5) lines: name:password:uid:gid:gecos:home:shell.
// Blank lines, comments and lines with fewer than seven fields are skipped.
// An empty home field yields a record without home directory. The first
// entry for a name wins. Field bytes are kept as-is.
func ParsePasswd(r io.Reader) (*Passwd, error) {
	p := &Passwd{users: make(map[string]pathutil.UserRecord)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineLen)
	for sc.Scan() {
		line := bytes.TrimSuffix(sc.Bytes(), []byte("\r"))
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		fields := bytes.Split(line, []byte(":"))
		if len(fields) < 7 || len(fields[0]) == 0 {
			continue
		}
		name := string(fields[0])
		if _, dup := p.users[name]; dup {
			continue
		}
		home := string(fields[5])
		p.users[name] = pathutil.UserRecord{
			Name:       name,
			HomeDir:    home,
			HasHomeDir: home != "",
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// LookupUser implements pathutil.Directory.
func (p *Passwd) LookupUser(name string) (pathutil.UserRecord, bool) {
	if p == nil {
		return pathutil.UserRecord{}, false
	}
	rec, ok := p.users[name]
	return rec, ok
}

// Len returns the number of users in the table.
func (p *Passwd) Len() int {
	if p == nil {
		return 0
	}
	return len(p.users)
}
