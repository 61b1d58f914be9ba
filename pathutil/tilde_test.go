package pathutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const kinbote = "/Users/kinbote"

// mapDirectory is a Directory backed by a map; it records every lookup.
type mapDirectory struct {
	users   map[string]UserRecord
	lookups []string
}

func (d *mapDirectory) LookupUser(name string) (UserRecord, bool) {
	d.lookups = append(d.lookups, name)
	rec, ok := d.users[name]
	return rec, ok
}

func fixedHome(dir string) HomeFunc {
	return func() (string, bool) { return dir, true }
}

func noHome() (string, bool) { return "", false }

func testExpander() (Expander, *mapDirectory) {
	dir := &mapDirectory{users: map[string]UserRecord{
		"alice":  {Name: "alice", HomeDir: "/home/alice", HasHomeDir: true},
		"nohome": {Name: "nohome"},
		"bytes":  {Name: "bytes", HomeDir: "/home/\xff\xfe", HasHomeDir: true},
		"slash":  {Name: "slash", HomeDir: "/srv/slash/", HasHomeDir: true},
	}}
	return Expander{Home: fixedHome(kinbote), Directory: dir}, dir
}

func TestExpand(t *testing.T) {
	long := strings.Repeat("a", 1000)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"root dir", "/", "/"},
		{"absolute path unchanged", "/absolute/path", "/absolute/path"},
		{"relative path unchanged", "documents/file", "documents/file"},
		{"non-tilde keeps redundant separators", "a//b/./c/", "a//b/./c/"},
		{"dot prefix unchanged", "./~/x", "./~/x"},
		{"bare tilde", "~", kinbote},
		{"tilde slash", "~/", kinbote},
		{"tilde deep", "~/.config/prog/config.json", kinbote + "/.config/prog/config.json"},
		{"tilde documents", "~/documents", kinbote + "/documents"},
		{"only first component expanded", "~/foo/~root/bar", kinbote + "/foo/~root/bar"},
		{"tilde not at start", "/foo/~/bar", "/foo/~/bar"},
		{"unicode suffix", "~/документы", kinbote + "/документы"},
		{"long suffix", "~/" + long, kinbote + "/" + long},
		{"non-utf8 suffix", "~/\xff\xferaw", kinbote + "/\xff\xferaw"},
		{"repeated separators dropped", "~//a///b/", kinbote + "/a/b"},
		{"dot components dropped", "~/./a/./b", kinbote + "/a/b"},
		{"dotdot kept", "~/../a", kinbote + "/../a"},
		{"root shortcut", "~root", "/root"},
		{"root shortcut with suffix", "~root/.bashrc", "/root/.bashrc"},
		{"named user", "~alice", "/home/alice"},
		{"named user suffix", "~alice/docs/a.txt", "/home/alice/docs/a.txt"},
		{"named user non-utf8 home", "~bytes/f", "/home/\xff\xfe/f"},
		{"home with trailing separator", "~slash/f", "/srv/slash/f"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := testExpander()
			got, err := e.Expand(tt.input)
			if err != nil {
				t.Fatalf("Expand(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		home  HomeFunc
		want  Error
	}{
		{"current home missing", "~/x", noHome, Error{Kind: CurrentUserHomeNotFound}},
		{"unknown user", "~nonexistentuser", nil, Error{Kind: UserNotFound, User: "nonexistentuser"}},
		{"unknown user with suffix", "~nonexistentuser/a/b", nil, UserNotFoundError("nonexistentuser")},
		{"colon in name", "~:invalid", nil, Error{Kind: UserNotFound, User: ":invalid"}},
		{"user without home", "~nohome/x", nil, Error{Kind: UserHomeNotFound, User: "nohome"}},
		{"nul in name", "~ali\x00ce/x", nil, Error{Kind: InvalidTildeExpression, User: "ali\x00ce"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := testExpander()
			if tt.home != nil {
				e.Home = tt.home
			}
			got, err := e.Expand(tt.input)
			if err == nil {
				t.Fatalf("Expand(%q) = %q, want error", tt.input, got)
			}
			if got != "" {
				t.Errorf("Expand(%q) returned %q alongside error", tt.input, got)
			}
			var pe Error
			if !errors.As(err, &pe) {
				t.Fatalf("error %T is not pathutil.Error", err)
			}
			if pe != tt.want {
				t.Errorf("error = %#v, want %#v", pe, tt.want)
			}
			if !errors.Is(err, Error{Kind: tt.want.Kind}) {
				t.Errorf("errors.Is(%v, kind %s) = false", err, tt.want.Kind)
			}
		})
	}
}

func TestRootShortcutSkipsDirectory(t *testing.T) {
	e, dir := testExpander()
	e.Home = noHome

	for _, in := range []string{"~root", "~root/.bashrc"} {
		if _, err := e.Expand(in); err != nil {
			t.Fatalf("Expand(%q): %v", in, err)
		}
	}
	if len(dir.lookups) != 0 {
		t.Errorf("directory consulted for ~root: %v", dir.lookups)
	}
}

func TestNonTildeSkipsCollaborators(t *testing.T) {
	e, dir := testExpander()
	called := false
	e.Home = func() (string, bool) {
		called = true
		return kinbote, true
	}

	for _, in := range []string{"", "/", "/etc/~alice", "rel/~", "a~/b"} {
		got, err := e.Expand(in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", in, err)
		}
		if got != in {
			t.Errorf("Expand(%q) = %q, want identity", in, got)
		}
	}
	if called {
		t.Error("home lookup called for non-tilde input")
	}
	if len(dir.lookups) != 0 {
		t.Errorf("directory consulted for non-tilde input: %v", dir.lookups)
	}
}

func TestInvalidNameSkipsDirectory(t *testing.T) {
	e, dir := testExpander()
	if _, err := e.Expand("~a\x00b"); !errors.Is(err, ErrInvalidTildeExpression) {
		t.Fatalf("err = %v, want InvalidTildeExpression", err)
	}
	if len(dir.lookups) != 0 {
		t.Errorf("directory consulted for invalid name: %v", dir.lookups)
	}
}

func TestExpandUserUsesHomeEnv(t *testing.T) {
	t.Setenv("HOME", kinbote)

	got, err := ExpandUser("~/.config/prog/config.json")
	if err != nil {
		t.Fatalf("ExpandUser: %v", err)
	}
	if want := kinbote + "/.config/prog/config.json"; got != want {
		t.Errorf("ExpandUser = %q, want %q", got, want)
	}

	got, err = ExpandUser("~root/.bashrc")
	if err != nil {
		t.Fatalf("ExpandUser(~root): %v", err)
	}
	if got != "/root/.bashrc" {
		t.Errorf("ExpandUser(~root/.bashrc) = %q, want /root/.bashrc", got)
	}
}

func TestExpandUserUnknownOSUser(t *testing.T) {
	_, err := ExpandUser("~nonexistentuser-expand-user-test")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want UserNotFound", err)
	}
}

func TestCurrentUserHome(t *testing.T) {
	t.Setenv("HOME", kinbote)
	got, ok := CurrentUserHome()
	if !ok || got != kinbote {
		t.Errorf("CurrentUserHome() = %q, %v, want %q, true", got, ok, kinbote)
	}
}

func TestExpandUnderUnreadableDirectory(t *testing.T) {
	dir := t.TempDir()
	restricted := filepath.Join(dir, "restricted")
	if err := os.Mkdir(restricted, 0o000); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(restricted, 0o755) })

	e := Expander{Home: fixedHome(restricted)}
	in := filepath.Join(restricted, "file")
	got, err := e.Expand(in)
	if err != nil || got != in {
		t.Errorf("Expand(%q) = %q, %v, want identity", in, got, err)
	}

	got, err = e.Expand("~/file")
	if err != nil || got != in {
		t.Errorf("Expand(~/file) = %q, %v, want %q", got, err, in)
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  Error
		want string
	}{
		{ErrCurrentUserHomeNotFound, "current user's $HOME directory not found"},
		{UserNotFoundError("bob"), `user "bob" not found`},
		{Error{Kind: UserHomeNotFound, User: "bob"}, `$HOME directory for "bob" not found`},
		{Error{Kind: InvalidTildeExpression, User: "b\x00b"}, `failed to expand tilde expression: "b\x00b"`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("%s: Error() = %q, want %q", tt.err.Kind, got, tt.want)
		}
	}
}

func TestErrorIsMatchesKindOnly(t *testing.T) {
	err := error(UserNotFoundError("bob"))
	if !errors.Is(err, ErrUserNotFound) {
		t.Error("UserNotFound does not match its sentinel")
	}
	if errors.Is(err, ErrUserHomeNotFound) {
		t.Error("UserNotFound matches UserHomeNotFound sentinel")
	}
	if errors.Is(err, UserNotFoundError("alice")) {
		t.Error("errors for different users compare equal")
	}
}
