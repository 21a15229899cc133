package remote

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/shellport/shellport/internal/apperr"
)

const (
	DefaultCols = 80
	DefaultRows = 24

	// Pixel geometry sent with resizes is derived from a fixed cell.
	cellWidthPx  = 8
	cellHeightPx = 16

	MaxCols = 500
	MaxRows = 500

	termType = "xterm-256color"
)

// ShellOptions configures OpenShell.
type ShellOptions struct {
	Cols, Rows int
	// OwnsClient makes Shell.Close also close the transport.
	OwnsClient bool
}

// Shell is an interactive login shell on a PTY.
type Shell struct {
	client  *Client
	owns    bool
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
}

// OpenShell requests a PTY, exports the terminal environment and starts the
// user's login shell.
func (c *Client) OpenShell(opts ShellOptions) (*Shell, error) {
	cols, rows := ClampSize(opts.Cols, opts.Rows)

	session, err := c.ssh.NewSession()
	if err != nil {
		return nil, apperr.Connect("shell", fmt.Errorf("create ssh session: %w", err))
	}

	// Servers commonly refuse env requests (AcceptEnv); the shell still works.
	session.Setenv("TERM", termType)
	session.Setenv("LANG", "en_US.UTF-8")
	session.Setenv("LC_ALL", "en_US.UTF-8")

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType, rows, cols, modes); err != nil {
		session.Close()
		return nil, apperr.Connect("shell", fmt.Errorf("request pty: %w", err))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, apperr.Connect("shell", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, apperr.Connect("shell", fmt.Errorf("stdout pipe: %w", err))
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, apperr.Connect("shell", fmt.Errorf("start shell: %w", err))
	}

	return &Shell{
		client:  c,
		owns:    opts.OwnsClient,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

// Read reads shell output. It returns io.EOF when the remote side exits and
// an error once the shell is closed locally.
func (s *Shell) Read(p []byte) (int, error) { return s.stdout.Read(p) }

// Write sends input to the shell.
func (s *Shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Resize changes the PTY geometry. Sizes are clamped to [1, Max].
func (s *Shell) Resize(cols, rows int) error {
	cols, rows = ClampSize(cols, rows)
	req := struct {
		Columns uint32
		Rows    uint32
		Width   uint32
		Height  uint32
	}{
		Columns: uint32(cols),
		Rows:    uint32(rows),
		Width:   uint32(cols * cellWidthPx),
		Height:  uint32(rows * cellHeightPx),
	}
	_, err := s.session.SendRequest("window-change", false, ssh.Marshal(&req))
	return err
}

// Connected reports whether the underlying transport is up.
func (s *Shell) Connected() bool { return s.client.Connected() }

// Close ends the shell session, and the transport when the shell owns it.
// Repeated calls are no-ops.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.session.Close()
		if s.owns {
			if cerr := s.client.Close(); err == nil || err == io.EOF {
				err = cerr
			}
		}
		if err == io.EOF {
			err = nil
		}
	})
	return err
}

// ClampSize bounds a terminal geometry to [1, MaxCols] x [1, MaxRows],
// substituting defaults for non-positive values.
func ClampSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}
