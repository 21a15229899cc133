// Package remotetest runs an in-process SSH server for tests. It accepts
// password and public key logins, serves the sftp subsystem from the local
// file system and answers shell requests with an echoing fake shell.
package remotetest

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/shellport/shellport/internal/profile"
	"github.com/shellport/shellport/internal/remote"
)

const (
	User     = "tester"
	Password = "secret"
)

// Server is a running test SSH server.
type Server struct {
	Host string
	Port int

	// HostKey is the server's public host key.
	HostKey ssh.PublicKey
	// ClientKeyPEM is a private key the server accepts for User.
	ClientKeyPEM []byte

	listener net.Listener
	logins   atomic.Int64

	mu    sync.Mutex
	conns []*ssh.ServerConn
	wg    sync.WaitGroup
}

// Start launches a server on 127.0.0.1 and registers cleanup on t.
func Start(t testing.TB) *Server {
	t.Helper()

	_, hostKeyPEM, err := remote.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := remote.ParsePrivateKey(hostKeyPEM, "")
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}
	_, clientKeyPEM, err := remote.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSigner, err := remote.ParsePrivateKey(clientKeyPEM, "")
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}
	authorized := ssh.FingerprintSHA256(clientSigner.PublicKey())

	s := &Server{HostKey: hostSigner.PublicKey(), ClientKeyPEM: clientKeyPEM}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if conn.User() == User && string(pw) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == User && ssh.FingerprintSHA256(key) == authorized {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			netConn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConn(netConn, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

// Logins returns the number of successful handshakes so far.
func (s *Server) Logins() int { return int(s.logins.Load()) }

// PasswordProfile returns a profile that logs in with the test password.
func (s *Server) PasswordProfile(id uint) profile.Profile {
	return profile.Profile{
		ID:       id,
		Nickname: "test-host",
		Host:     s.Host,
		Port:     s.Port,
		Username: User,
		AuthType: profile.AuthPassword,
		Password: Password,
	}
}

// KeyProfile returns a profile that logs in with ClientKeyPEM.
func (s *Server) KeyProfile(id uint) profile.Profile {
	return profile.Profile{
		ID:         id,
		Nickname:   "test-host-key",
		Host:       s.Host,
		Port:       s.Port,
		Username:   User,
		AuthType:   profile.AuthKey,
		PrivateKey: string(s.ClientKeyPEM),
	}
}

// DropConnections closes every server-side connection, simulating a network
// failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops accepting and drops live connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	s.logins.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, requests)
	}
}

func handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var hasPTY bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			req.Reply(true, nil)

		case "window-change":
			if len(req.Payload) >= 16 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				w := binary.BigEndian.Uint32(req.Payload[8:12])
				h := binary.BigEndian.Uint32(req.Payload[12:16])
				fmt.Fprintf(ch, "resize:%dx%d px:%dx%d\n", cols, rows, w, h)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				server.Serve()
				ch.Close()
			}()

		case "shell", "exec":
			req.Reply(true, nil)
			fmt.Fprintf(ch, "PTY:%t\n", hasPTY)
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						if string(buf[:n]) == "exit\n" {
							ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
							ch.Close()
							return
						}
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()

		default:
			// env and anything else is refused.
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}
