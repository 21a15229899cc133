package sftpfiles

import (
	"os"
	"testing"
)

func TestFormatMode(t *testing.T) {
	tests := []struct {
		mode os.FileMode
		want string
	}{
		{os.ModeDir | 0o755, "drwxr-xr-x"},
		{0o644, "-rw-r--r--"},
		{os.ModeSymlink | 0o777, "lrwxrwxrwx"},
		{0, "----------"},
		{0o4711, "-rwx--x--x"},
	}
	for _, tt := range tests {
		if got := FormatMode(tt.mode); got != tt.want {
			t.Errorf("FormatMode(%v) = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in, dir, name string
	}{
		{"/a/b", "/a", "b"},
		{"/a", "/", "a"},
		{"/a/b/", "/a", "b"},
		{"/", "/", "/"},
		{"rel", ".", "rel"},
	}
	for _, tt := range tests {
		dir, name := splitPath(tt.in)
		if dir != tt.dir || name != tt.name {
			t.Errorf("splitPath(%q) = %q, %q; want %q, %q", tt.in, dir, name, tt.dir, tt.name)
		}
	}
}

func TestJoinPath(t *testing.T) {
	if got := joinPath("/", "etc"); got != "/etc" {
		t.Errorf("joinPath = %q", got)
	}
	if got := joinPath("/srv", "f"); got != "/srv/f" {
		t.Errorf("joinPath = %q", got)
	}
}
