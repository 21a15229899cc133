package remote

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"

	"github.com/shellport/shellport/internal/apperr"
)

// ErrChannelClosed is returned by operations on a closed SFTPChannel.
var ErrChannelClosed = errors.New("sftp channel closed")

// FileChannel is the remote file system surface used by the transfer engine
// and the file operations layer.
type FileChannel interface {
	Connected() bool
	Closed() bool
	Close() error

	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Mkdir(path string) error
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldPath, newPath string) error
	RealPath(path string) (string, error)
}

// SFTPChannel is a FileChannel backed by an SFTP subsystem session.
type SFTPChannel struct {
	client *sftp.Client
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

// OpenFileChannel starts the sftp subsystem on c.
func (c *Client) OpenFileChannel() (*SFTPChannel, error) {
	client, err := sftp.NewClient(c.ssh)
	if err != nil {
		return nil, apperr.Connect("sftp", fmt.Errorf("open sftp channel: %w", err))
	}
	return newSFTPChannel(client), nil
}

func newSFTPChannel(client *sftp.Client) *SFTPChannel {
	ch := &SFTPChannel{client: client, done: make(chan struct{})}
	go func() {
		client.Wait()
		close(ch.done)
	}()
	return ch
}

// Connected reports whether the subsystem session is still up.
func (s *SFTPChannel) Connected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Closed reports whether Close has been called.
func (s *SFTPChannel) Closed() bool { return s.closed.Load() }

// Close ends the subsystem session. Repeated calls are no-ops.
func (s *SFTPChannel) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.client.Close()
	})
	return err
}

func (s *SFTPChannel) check() error {
	if s.closed.Load() {
		return ErrChannelClosed
	}
	return nil
}

func (s *SFTPChannel) Stat(path string) (os.FileInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.client.Stat(path)
}

func (s *SFTPChannel) Lstat(path string) (os.FileInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.client.Lstat(path)
}

func (s *SFTPChannel) ReadDir(path string) ([]os.FileInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.client.ReadDir(path)
}

func (s *SFTPChannel) Open(path string) (io.ReadCloser, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.client.Open(path)
}

// Create opens path for writing, truncating any existing file.
func (s *SFTPChannel) Create(path string) (io.WriteCloser, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (s *SFTPChannel) Mkdir(path string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.client.Mkdir(path)
}

func (s *SFTPChannel) Remove(path string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.client.Remove(path)
}

func (s *SFTPChannel) RemoveDirectory(path string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.client.RemoveDirectory(path)
}

func (s *SFTPChannel) Rename(oldPath, newPath string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.client.Rename(oldPath, newPath)
}

// RealPath canonicalizes path on the server, e.g. "." to the home directory.
func (s *SFTPChannel) RealPath(path string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.client.RealPath(path)
}
