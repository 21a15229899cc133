// Package remote opens authenticated SSH transports to remote hosts and the
// channels derived from them: an SFTP file channel or an interactive PTY
// shell.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/shellport/shellport/internal/apperr"
	"github.com/shellport/shellport/internal/logging"
	"github.com/shellport/shellport/internal/profile"
)

// DefaultConnectTimeout bounds TCP connect plus handshake.
const DefaultConnectTimeout = 30 * time.Second

// Transport is a live connection to a remote host.
type Transport interface {
	Connected() bool
	Close() error
}

// Options configures a Dialer.
type Options struct {
	ConnectTimeout time.Duration
	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string
	Logger         *slog.Logger
}

// Dialer builds SSH clients from profiles.
type Dialer struct {
	timeout  time.Duration
	hostKeys ssh.HostKeyCallback
	logger   *slog.Logger
}

func NewDialer(opts Options) (*Dialer, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	hostKeys := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", opts.KnownHostsPath, err)
		}
		hostKeys = cb
	}
	return &Dialer{
		timeout:  opts.ConnectTimeout,
		hostKeys: hostKeys,
		logger:   logging.OrDiscard(opts.Logger).With("component", "remote"),
	}, nil
}

func (d *Dialer) clientConfig(p profile.Profile) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch p.AuthType {
	case profile.AuthKey:
		signer, err := ParsePrivateKey([]byte(p.PrivateKey), p.Passphrase)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	default:
		password := p.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return &ssh.ClientConfig{
		User:            p.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeys,
		Timeout:         d.timeout,
	}, nil
}

// Dial opens and authenticates a transport for p. Failures are classified as
// apperr.ErrConnect.
func (d *Dialer) Dial(ctx context.Context, p profile.Profile) (*Client, error) {
	cfg, err := d.clientConfig(p)
	if err != nil {
		return nil, apperr.Connect("auth", err)
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.EffectivePort()))
	start := time.Now()

	dialer := net.Dialer{Timeout: d.timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.Connect("dial", fmt.Errorf("dial %s: %w", addr, err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, apperr.Connect("handshake", fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}

	c := newClient(ssh.NewClient(sshConn, chans, reqs), addr)
	d.logger.Info("ssh connected", "addr", addr, "user", p.Username, "profile_id", p.ID, "elapsed", time.Since(start))
	return c, nil
}

// Open dials p and opens an SFTP channel on the new transport.
func (d *Dialer) Open(ctx context.Context, p profile.Profile) (Transport, FileChannel, error) {
	c, err := d.Dial(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	ch, err := c.OpenFileChannel()
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, ch, nil
}

// OpenShell dials p and starts a PTY shell that owns the new transport.
func (d *Dialer) OpenShell(ctx context.Context, p profile.Profile, cols, rows int) (*Shell, error) {
	c, err := d.Dial(ctx, p)
	if err != nil {
		return nil, err
	}
	sh, err := c.OpenShell(ShellOptions{Cols: cols, Rows: rows, OwnsClient: true})
	if err != nil {
		c.Close()
		return nil, err
	}
	return sh, nil
}

// Client is an authenticated SSH transport.
type Client struct {
	ssh  *ssh.Client
	addr string

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(sc *ssh.Client, addr string) *Client {
	c := &Client{ssh: sc, addr: addr, done: make(chan struct{})}
	go func() {
		sc.Wait()
		close(c.done)
	}()
	return c
}

// Addr returns host:port of the remote end.
func (c *Client) Addr() string { return c.addr }

// Connected reports whether the transport is still up.
func (c *Client) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close tears the transport down. Closing an already closed client is a
// no-op.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ssh.Close()
	})
	return err
}

// Done is closed when the transport goes away.
func (c *Client) Done() <-chan struct{} { return c.done }
