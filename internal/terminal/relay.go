// Package terminal relays interactive SSH shells to push subscribers.
//
// Each logical terminal session is keyed by a caller-chosen id and owns its
// own SSH transport. A dedicated reader goroutine republishes shell output on
// /topic/terminal-<id> until the shell ends, then tears the session down.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shellport/shellport/internal/apperr"
	"github.com/shellport/shellport/internal/logging"
	"github.com/shellport/shellport/internal/logutil"
	"github.com/shellport/shellport/internal/metrics"
	"github.com/shellport/shellport/internal/profile"
	"github.com/shellport/shellport/internal/pubsub"
	"github.com/shellport/shellport/internal/remote"
)

const readBufferSize = 4096

// ErrRelayClosed is returned by Connect after Close.
var ErrRelayClosed = errors.New("terminal relay closed")

// EventType tags a terminal event.
type EventType string

const (
	EventConnected    EventType = "CONNECTED"
	EventOutput       EventType = "OUTPUT"
	EventError        EventType = "ERROR"
	EventDisconnected EventType = "DISCONNECTED"
	EventTest         EventType = "TEST"
)

// Event is the payload published on a terminal topic. OUTPUT events carry
// Data, all others carry Message.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Data    string    `json:"data,omitempty"`
}

// State is the lifecycle state of a terminal session.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateConnected  State = "CONNECTED"
	StateClosed     State = "CLOSED"
)

// Shell is an interactive remote shell.
type Shell interface {
	io.Reader
	io.Writer
	Resize(cols, rows int) error
	Connected() bool
	Close() error
}

// Opener starts a shell, with its own transport, for a profile.
type Opener interface {
	OpenShell(ctx context.Context, p profile.Profile, cols, rows int) (Shell, error)
}

// DialerOpener adapts a remote.Dialer to Opener.
func DialerOpener(d *remote.Dialer) Opener { return dialerOpener{d: d} }

type dialerOpener struct{ d *remote.Dialer }

func (o dialerOpener) OpenShell(ctx context.Context, p profile.Profile, cols, rows int) (Shell, error) {
	sh, err := o.d.OpenShell(ctx, p, cols, rows)
	if err != nil {
		return nil, err
	}
	return sh, nil
}

type session struct {
	id        string
	profileID uint
	createdAt time.Time

	// Guarded by Relay.mu.
	state State
	shell Shell

	closeOnce sync.Once
}

// Options configures a Relay.
type Options struct {
	// Cols and Rows are the initial PTY geometry.
	Cols, Rows int
	Logger     *slog.Logger
}

// Relay owns every terminal session.
type Relay struct {
	profiles  profile.Source
	opener    Opener
	publisher pubsub.Publisher
	cols      int
	rows      int
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	readers sync.WaitGroup
}

func NewRelay(profiles profile.Source, opener Opener, publisher pubsub.Publisher, opts Options) *Relay {
	cols, rows := remote.ClampSize(opts.Cols, opts.Rows)
	return &Relay{
		profiles:  profiles,
		opener:    opener,
		publisher: publisher,
		cols:      cols,
		rows:      rows,
		logger:    logging.OrDiscard(opts.Logger).With("component", "terminal"),
		sessions:  make(map[string]*session),
	}
}

// Connect opens a shell for profileID under sessionID. A sessionID that is
// already bound, even one still connecting, is rejected with
// apperr.ErrDuplicateConnection and the existing session is left alone.
// Every failure is also published as an ERROR event.
func (r *Relay) Connect(ctx context.Context, profileID uint, sessionID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	if _, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		r.logger.Warn("duplicate terminal connect ignored", "session_id", logutil.SanitizeForLog(sessionID))
		err := apperr.Duplicate()
		r.emit(sessionID, Event{Type: EventError, Message: err.Error()})
		return err
	}
	s := &session{id: sessionID, profileID: profileID, createdAt: time.Now(), state: StateConnecting}
	r.sessions[sessionID] = s
	r.mu.Unlock()
	r.updateGauge()

	r.logger.Info("terminal connect", "session_id", logutil.SanitizeForLog(sessionID), "profile_id", profileID)

	p, err := r.profiles.GetProfile(ctx, profileID)
	if err != nil {
		return r.connectFailed(s, fmt.Errorf("load profile %d: %w", profileID, err))
	}
	sh, err := r.opener.OpenShell(ctx, p, r.cols, r.rows)
	if err != nil {
		return r.connectFailed(s, err)
	}

	r.mu.Lock()
	if r.sessions[sessionID] != s {
		// Disconnected or shut down while dialing.
		r.mu.Unlock()
		if cerr := sh.Close(); cerr != nil {
			r.logger.Warn("error closing abandoned shell", "session_id", logutil.SanitizeForLog(sessionID), "error", cerr)
		}
		return apperr.Connect("connect", errors.New("session closed while connecting"))
	}
	s.shell = sh
	s.state = StateConnected
	r.mu.Unlock()

	r.emit(sessionID, Event{Type: EventConnected, Message: "Connection established to " + p.DisplayName()})
	r.readers.Add(1)
	go r.pump(s, sh)

	r.logger.Info("terminal connected", "session_id", logutil.SanitizeForLog(sessionID), "host", p.Host)
	return nil
}

func (r *Relay) connectFailed(s *session, err error) error {
	r.logger.Error("terminal connect failed", "session_id", logutil.SanitizeForLog(s.id), "error", err)
	r.teardown(s)
	r.emit(s.id, Event{Type: EventError, Message: "Failed to connect: " + err.Error()})
	return err
}

// Input writes data to the session's shell. Input for an unknown or not yet
// connected session is dropped.
func (r *Relay) Input(sessionID string, data []byte) error {
	sh := r.liveShell(sessionID)
	if sh == nil {
		r.logger.Warn("no active shell for input", "session_id", logutil.SanitizeForLog(sessionID))
		return nil
	}
	r.logger.Debug("terminal input", "session_id", logutil.SanitizeForLog(sessionID), "input", logutil.EscapeControl(data))
	if _, err := sh.Write(data); err != nil {
		r.logger.Error("terminal input failed", "session_id", logutil.SanitizeForLog(sessionID), "error", err)
		return err
	}
	return nil
}

// Resize applies a new PTY geometry, clamped to remote.MaxCols x
// remote.MaxRows. Resizes for unknown sessions are dropped.
func (r *Relay) Resize(sessionID string, cols, rows int) error {
	sh := r.liveShell(sessionID)
	if sh == nil {
		r.logger.Warn("no active shell for resize", "session_id", logutil.SanitizeForLog(sessionID))
		return nil
	}
	cols, rows = remote.ClampSize(cols, rows)
	if err := sh.Resize(cols, rows); err != nil {
		r.logger.Error("terminal resize failed", "session_id", logutil.SanitizeForLog(sessionID), "error", err)
		return err
	}
	r.logger.Debug("terminal resized", "session_id", logutil.SanitizeForLog(sessionID), "cols", cols, "rows", rows)
	return nil
}

// Disconnect tears the session down, if any, and always publishes a
// DISCONNECTED event.
func (r *Relay) Disconnect(sessionID string) {
	r.mu.Lock()
	s := r.sessions[sessionID]
	r.mu.Unlock()
	if s != nil {
		r.teardown(s)
		r.logger.Info("terminal disconnected", "session_id", logutil.SanitizeForLog(sessionID))
	}
	r.emit(sessionID, Event{Type: EventDisconnected, Message: "Session ended"})
}

// Test publishes a TEST event so a client can check its subscription.
func (r *Relay) Test(sessionID string) {
	r.logger.Info("terminal test message", "session_id", logutil.SanitizeForLog(sessionID), "sessions", r.IDs())
	r.emit(sessionID, Event{Type: EventTest, Message: "Test message received for session: " + sessionID})
}

// State returns the state of a session, or StateClosed when unknown.
func (r *Relay) State(sessionID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s.state
	}
	return StateClosed
}

// Count returns the number of sessions, connecting ones included.
func (r *Relay) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the session ids, sorted.
func (r *Relay) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close tears down every session, rejects further connects and waits for the
// reader goroutines to exit.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.teardown(s)
	}
	r.readers.Wait()
	r.logger.Info("terminal relay closed", "sessions", len(all))
}

// pump republishes shell output until the shell ends. It is the only path
// that tears a session down because of remote closure.
func (r *Relay) pump(s *session, sh Shell) {
	defer r.readers.Done()
	defer r.teardown(s)

	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := sh.Read(buf)
		if n > 0 {
			data := buf[:n]
			if len(carry) > 0 {
				data = append(carry, data...)
			}
			cut := completeUTF8(data)
			if cut > 0 {
				r.emit(s.id, Event{Type: EventOutput, Data: string(data[:cut])})
			}
			carry = append([]byte(nil), data[cut:]...)
			metrics.RecordTerminalOutput(n)
		}
		if err != nil {
			if len(carry) > 0 {
				r.emit(s.id, Event{Type: EventOutput, Data: string(carry)})
			}
			if errors.Is(err, io.EOF) {
				r.logger.Info("shell ended", "session_id", logutil.SanitizeForLog(s.id))
			} else if r.owns(s) {
				r.logger.Error("shell read failed", "session_id", logutil.SanitizeForLog(s.id), "error", err)
				r.emit(s.id, Event{Type: EventError, Message: "Connection lost: " + err.Error()})
			}
			return
		}
	}
}

// owns reports whether s is still the registered session for its id.
func (r *Relay) owns(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s.id] == s
}

func (r *Relay) liveShell(sessionID string) Shell {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.state != StateConnected || !s.shell.Connected() {
		return nil
	}
	return s.shell
}

// teardown removes s, only if it is still the registered session for its
// id, and closes its shell once. Close errors are logged.
func (r *Relay) teardown(s *session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	s.state = StateClosed
	sh := s.shell
	r.mu.Unlock()
	r.updateGauge()

	if sh == nil {
		return
	}
	s.closeOnce.Do(func() {
		if err := sh.Close(); err != nil {
			r.logger.Warn("error closing shell", "session_id", logutil.SanitizeForLog(s.id), "error", err)
		}
	})
}

func (r *Relay) emit(sessionID string, ev Event) {
	r.publisher.Publish(pubsub.TerminalTopic(sessionID), ev)
	metrics.RecordTerminalEvent(string(ev.Type))
}

func (r *Relay) updateGauge() {
	metrics.SetTerminalSessionsActive(r.Count())
}
