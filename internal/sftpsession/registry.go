// Package sftpsession keeps one live SSH transport and SFTP channel per
// profile identity so repeated file operations reuse the same connection.
package sftpsession

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shellport/shellport/internal/apperr"
	"github.com/shellport/shellport/internal/logging"
	"github.com/shellport/shellport/internal/profile"
	"github.com/shellport/shellport/internal/remote"
)

// Connector opens a transport and file channel for a profile.
type Connector interface {
	Open(ctx context.Context, p profile.Profile) (remote.Transport, remote.FileChannel, error)
}

// Entry is one registered connection.
type Entry struct {
	Conn      remote.Transport
	Channel   remote.FileChannel
	CreatedAt time.Time
	LastUsed  time.Time
}

// Valid re-checks the transport and channel. Never cached.
func (e *Entry) Valid() bool {
	return e.Conn != nil && e.Channel != nil &&
		e.Conn.Connected() && e.Channel.Connected() && !e.Channel.Closed()
}

// slot serializes create/teardown for one key. Slots are never removed, so a
// caller holding one can't race with a second slot for the same key.
type slot struct {
	mu    sync.Mutex
	entry *Entry
}

// Options configures a Registry.
type Options struct {
	// IdleTimeout makes Sweep release entries unused for longer. Zero
	// disables idle expiry.
	IdleTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Registry maps session keys to live connections.
type Registry struct {
	connector Connector
	idle      time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot

	cron *cron.Cron
}

func New(connector Connector, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		connector: connector,
		idle:      opts.IdleTimeout,
		now:       opts.Now,
		logger:    logging.OrDiscard(opts.Logger).With("component", "sftp-sessions"),
		slots:     make(map[string]*slot),
	}
}

func (r *Registry) slot(key string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[key]
	if !ok {
		s = &slot{}
		r.slots[key] = s
	}
	return s
}

func (r *Registry) existing(key string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[key]
}

// Acquire returns p's session key, reusing a valid connection or replacing a
// stale one. Connect failures are returned unchanged.
func (r *Registry) Acquire(ctx context.Context, p profile.Profile) (string, error) {
	key := p.SessionKey()
	s := r.slot(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != nil {
		if s.entry.Valid() {
			s.entry.LastUsed = r.now()
			r.logger.Debug("reusing sftp session", "key", key)
			return key, nil
		}
		r.logger.Info("replacing invalid sftp session", "key", key)
		r.teardown(key, s.entry)
		s.entry = nil
	}

	start := time.Now()
	conn, ch, err := r.connector.Open(ctx, p)
	if err != nil {
		r.logger.Error("sftp connect failed", "key", key, "host", p.Host, "error", err)
		return "", err
	}
	now := r.now()
	s.entry = &Entry{Conn: conn, Channel: ch, CreatedAt: now, LastUsed: now}
	r.logger.Info("sftp session created", "key", key, "host", p.Host, "elapsed", time.Since(start))
	return key, nil
}

// Resolve returns the channel for key, or an apperr.ErrSessionNotFound error
// when the key is absent or its connection is no longer valid. Callers must
// not hold on to the channel past one operation.
func (r *Registry) Resolve(key string) (remote.FileChannel, error) {
	e, ok := r.Lookup(key)
	if !ok {
		return nil, apperr.SessionNotFound(key)
	}
	return e.Channel, nil
}

// Lookup returns a copy of the entry for key when it exists and is valid.
func (r *Registry) Lookup(key string) (Entry, bool) {
	s := r.existing(key)
	if s == nil {
		return Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil || !s.entry.Valid() {
		return Entry{}, false
	}
	s.entry.LastUsed = r.now()
	return *s.entry, true
}

// Release tears down the connection for key. Releasing an unknown or already
// released key is a no-op.
func (r *Registry) Release(key string) {
	s := r.existing(key)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return
	}
	r.teardown(key, s.entry)
	s.entry = nil
	r.logger.Info("sftp session released", "key", key)
}

// ReleaseAll releases every key independently.
func (r *Registry) ReleaseAll() {
	for _, key := range r.allKeys() {
		r.Release(key)
	}
}

// Sweep releases entries that are invalid or idle past IdleTimeout and
// returns how many were released.
func (r *Registry) Sweep() int {
	released := 0
	now := r.now()
	for _, key := range r.allKeys() {
		s := r.existing(key)
		s.mu.Lock()
		e := s.entry
		if e != nil && (!e.Valid() || (r.idle > 0 && now.Sub(e.LastUsed) > r.idle)) {
			r.teardown(key, e)
			s.entry = nil
			released++
		}
		s.mu.Unlock()
	}
	if released > 0 {
		r.logger.Info("sftp session sweep", "released", released)
	}
	return released
}

// Keys returns the keys with a registered entry, valid or not, sorted.
func (r *Registry) Keys() []string {
	var keys []string
	for _, key := range r.allKeys() {
		s := r.existing(key)
		s.mu.Lock()
		if s.entry != nil {
			keys = append(keys, key)
		}
		s.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of registered entries.
func (r *Registry) Count() int { return len(r.Keys()) }

// StartSweeper runs Sweep on a cron schedule such as "@every 30m".
func (r *Registry) StartSweeper(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.Sweep() }); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.logger.Info("sftp session sweeper started", "schedule", schedule)
	return nil
}

// Close stops the sweeper and releases every session.
func (r *Registry) Close() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.ReleaseAll()
}

func (r *Registry) allKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.slots))
	for k := range r.slots {
		keys = append(keys, k)
	}
	return keys
}

// teardown closes channel then transport. Errors are logged, never returned.
func (r *Registry) teardown(key string, e *Entry) {
	if e.Channel != nil {
		if err := e.Channel.Close(); err != nil {
			r.logger.Warn("error closing sftp channel", "key", key, "error", err)
		}
	}
	if e.Conn != nil {
		if err := e.Conn.Close(); err != nil {
			r.logger.Warn("error closing ssh transport", "key", key, "error", err)
		}
	}
}
