package sftpfiles

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shellport/shellport/internal/apperr"
	"github.com/shellport/shellport/internal/profile"
	"github.com/shellport/shellport/internal/progress"
	"github.com/shellport/shellport/internal/remote"
	"github.com/shellport/shellport/internal/remote/remotetest"
	"github.com/shellport/shellport/internal/sftpsession"
	"github.com/shellport/shellport/internal/transfer"
)

type noopScheduler struct{}

func (noopScheduler) AfterFunc(time.Duration, func()) func() { return func() {} }

type discard struct{}

func (discard) Publish(string, any) {}

func newService(t *testing.T, connector sftpsession.Connector, profiles profile.Source) (*Service, *progress.Tracker) {
	t.Helper()
	reg := sftpsession.New(connector, sftpsession.Options{})
	t.Cleanup(reg.Close)
	tr := progress.NewTracker(discard{}, noopScheduler{}, progress.Options{})
	return NewService(profiles, reg, transfer.NewEngine(tr, nil), tr, nil), tr
}

func newRealService(t *testing.T) (*Service, *progress.Tracker, *remotetest.Server) {
	t.Helper()
	srv := remotetest.Start(t)
	d, err := remote.NewDialer(remote.Options{ConnectTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	svc, tr := newService(t, d, profile.StaticSource{7: srv.PasswordProfile(7)})
	return svc, tr, srv
}

func TestFileOperationsOverSFTP(t *testing.T) {
	svc, tr, srv := newRealService(t)
	ctx := context.Background()

	key, err := svc.Connect(ctx, 7)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	again, err := svc.Connect(ctx, 7)
	if err != nil || again != key {
		t.Fatalf("second Connect = %q, %v", again, err)
	}
	if srv.Logins() != 1 {
		t.Errorf("logins = %d, want 1", srv.Logins())
	}

	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := svc.Mkdir(key, sub); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	file := filepath.Join(sub, "hello.txt")
	id, err := svc.Upload(ctx, key, file, strings.NewReader("hello"), 5, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec, ok := svc.Progress(id); !ok || rec.Status != progress.StatusCompleted {
		t.Errorf("upload record = %+v, %v", rec, ok)
	}

	files, err := svc.List(key, sub)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(files))
	}
	f := files[0]
	if f.Name != "hello.txt" || f.Path != file || f.Size != 5 || f.IsDirectory {
		t.Errorf("entry = %+v", f)
	}
	if !strings.HasPrefix(f.Permissions, "-rw") {
		t.Errorf("permissions = %q", f.Permissions)
	}
	if f.Owner != strconv.Itoa(os.Getuid()) || f.LastModified == nil {
		t.Errorf("owner = %q lastModified = %v", f.Owner, f.LastModified)
	}

	info, err := svc.Info(key, sub)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.IsDirectory || info.Name != "sub" || info.Path != sub || info.Permissions[0] != 'd' {
		t.Errorf("info = %+v", info)
	}

	var sink bytes.Buffer
	dlID, err := svc.Download(ctx, key, file, &sink, "dl-1")
	if err != nil || dlID != "dl-1" || sink.String() != "hello" {
		t.Fatalf("Download = %q, %v, %q", dlID, err, sink.String())
	}
	if rec, _ := tr.Get("dl-1"); rec.Percentage != 100 {
		t.Errorf("download record = %+v", rec)
	}

	moved := filepath.Join(sub, "moved.txt")
	if err := svc.Rename(key, file, moved); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(moved); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}

	if err := svc.Delete(key, sub, true); !errors.Is(err, apperr.ErrRemoteOperation) {
		t.Errorf("rmdir on non-empty dir = %v, want remote operation failure", err)
	}
	if err := svc.Delete(key, moved, false); err != nil {
		t.Fatalf("Delete file: %v", err)
	}
	if err := svc.Delete(key, sub, true); err != nil {
		t.Fatalf("Delete dir: %v", err)
	}
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Errorf("directory still present: %v", err)
	}
}

func TestRemoteFailuresKeepMessage(t *testing.T) {
	svc, _, _ := newRealService(t)
	key, err := svc.Connect(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(t.TempDir(), "nope")

	_, err = svc.List(key, missing)
	if !errors.Is(err, apperr.ErrRemoteOperation) {
		t.Fatalf("List err = %v", err)
	}
	if err.Error() == apperr.ErrRemoteOperation.Error() {
		t.Error("remote message was replaced by the kind")
	}
	if _, err := svc.Info(key, missing); !errors.Is(err, apperr.ErrRemoteOperation) {
		t.Errorf("Info err = %v", err)
	}
}

func TestConnectUnknownProfile(t *testing.T) {
	svc, _ := newService(t, nil, profile.StaticSource{})
	_, err := svc.Connect(context.Background(), 99)
	if !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("err = %v, want profile.ErrNotFound", err)
	}
}

func TestOperationsNeedLiveSession(t *testing.T) {
	svc, _, _ := newRealService(t)
	key, err := svc.Connect(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	svc.Disconnect(key)
	svc.Disconnect(key)

	if _, err := svc.List(key, "/"); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Errorf("List after disconnect = %v", err)
	}
	if err := svc.Mkdir("sftp_404_x_y_22", "/tmp/x"); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Errorf("Mkdir on unknown key = %v", err)
	}
	if _, err := svc.Download(context.Background(), key, "/etc/hostname", &bytes.Buffer{}, "t1"); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Errorf("Download after disconnect = %v", err)
	}
}

type stubInfo struct {
	name string
	mode os.FileMode
}

func (s stubInfo) Name() string       { return s.name }
func (s stubInfo) Size() int64        { return 0 }
func (s stubInfo) Mode() os.FileMode  { return s.mode }
func (s stubInfo) ModTime() time.Time { return time.Time{} }
func (s stubInfo) IsDir() bool        { return s.mode.IsDir() }
func (s stubInfo) Sys() any           { return nil }

type stubChannel struct {
	remote.FileChannel
	entries []os.FileInfo
	home    string
	listed  string
}

func (c *stubChannel) Connected() bool { return true }
func (c *stubChannel) Closed() bool    { return false }
func (c *stubChannel) Close() error    { return nil }
func (c *stubChannel) RealPath(string) (string, error) {
	return c.home, nil
}
func (c *stubChannel) ReadDir(p string) ([]os.FileInfo, error) {
	c.listed = p
	return c.entries, nil
}

type stubConn struct{}

func (stubConn) Connected() bool { return true }
func (stubConn) Close() error    { return nil }

type stubConnector struct{ ch *stubChannel }

func (s stubConnector) Open(context.Context, profile.Profile) (remote.Transport, remote.FileChannel, error) {
	return stubConn{}, s.ch, nil
}

func TestListSkipsDotEntriesAndResolvesHome(t *testing.T) {
	ch := &stubChannel{
		home: "/home/tester",
		entries: []os.FileInfo{
			stubInfo{name: ".", mode: os.ModeDir | 0o755},
			stubInfo{name: "..", mode: os.ModeDir | 0o755},
			stubInfo{name: ".bashrc", mode: 0o644},
			stubInfo{name: "link", mode: os.ModeSymlink | 0o777},
		},
	}
	p := profile.Profile{ID: 3, Host: "h", Username: "u", AuthType: profile.AuthPassword}
	svc, _ := newService(t, stubConnector{ch: ch}, profile.StaticSource{3: p})

	key, err := svc.Connect(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	files, err := svc.List(key, "")
	if err != nil {
		t.Fatal(err)
	}
	if ch.listed != "/home/tester" {
		t.Errorf("listed %q, want the login directory", ch.listed)
	}
	if len(files) != 2 {
		t.Fatalf("got %d entries: %+v", len(files), files)
	}
	if files[0].Path != "/home/tester/.bashrc" || files[0].LastModified != nil || files[0].Owner != "" {
		t.Errorf("entry = %+v", files[0])
	}
	if files[1].Permissions != "lrwxrwxrwx" {
		t.Errorf("symlink permissions = %q", files[1].Permissions)
	}
}

func TestCancelTransferMarksRecord(t *testing.T) {
	svc, tr := newService(t, nil, profile.StaticSource{})
	tr.Start("up-1", "a.bin", progress.Upload, 10)
	svc.CancelTransfer("up-1")
	if rec, ok := svc.Progress("up-1"); !ok || rec.Status != progress.StatusCancelled {
		t.Errorf("record = %+v, %v", rec, ok)
	}
	if _, ok := svc.Progress("missing"); ok {
		t.Error("Progress reported an unknown transfer")
	}
}
