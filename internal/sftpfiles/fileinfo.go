package sftpfiles

import (
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// FileInfo describes one remote file or directory.
type FileInfo struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	IsDirectory  bool       `json:"isDirectory"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"lastModified"`
	Permissions  string     `json:"permissions"`
	Owner        string     `json:"owner"`
	Group        string     `json:"group"`
}

// newFileInfo converts fi, found in directory dir, to a FileInfo.
func newFileInfo(dir string, fi os.FileInfo) FileInfo {
	info := FileInfo{
		Name:        fi.Name(),
		Path:        joinPath(dir, fi.Name()),
		IsDirectory: fi.IsDir(),
		Size:        fi.Size(),
		Permissions: FormatMode(fi.Mode()),
	}
	if mt := fi.ModTime(); mt.Unix() > 0 {
		mt = mt.UTC()
		info.LastModified = &mt
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		info.Owner = strconv.FormatUint(uint64(st.UID), 10)
		info.Group = strconv.FormatUint(uint64(st.GID), 10)
	}
	return info
}

// FormatMode renders mode as ls does: a type character ('d', 'l' or '-')
// followed by the owner, group and other rwx triplets.
func FormatMode(mode os.FileMode) string {
	var b strings.Builder
	b.Grow(10)
	switch {
	case mode.IsDir():
		b.WriteByte('d')
	case mode&os.ModeSymlink != 0:
		b.WriteByte('l')
	default:
		b.WriteByte('-')
	}
	perm := mode.Perm()
	for shift := 6; shift >= 0; shift -= 3 {
		bits := perm >> uint(shift)
		b.WriteByte(flag(bits&4 != 0, 'r'))
		b.WriteByte(flag(bits&2 != 0, 'w'))
		b.WriteByte(flag(bits&1 != 0, 'x'))
	}
	return b.String()
}

func flag(set bool, c byte) byte {
	if set {
		return c
	}
	return '-'
}

// joinPath appends name to dir without doubling the separator.
func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// splitPath returns the parent directory and base name of a remote path.
// The parent of a top-level entry is "/".
func splitPath(p string) (dir, name string) {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/", "/"
	}
	dir, name = path.Split(p)
	if dir == "" {
		dir = "."
	} else if dir != "/" {
		dir = strings.TrimSuffix(dir, "/")
	}
	return dir, name
}
