// Package progress tracks live transfer progress and pushes snapshots to
// subscribers of /topic/transfer-progress/<transferId>.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shellport/shellport/internal/logging"
	"github.com/shellport/shellport/internal/pubsub"
)

// Operation is the direction of a transfer.
type Operation string

const (
	Upload   Operation = "UPLOAD"
	Download Operation = "DOWNLOAD"
)

// Status is a transfer's lifecycle state. COMPLETED, FAILED and CANCELLED
// are terminal.
type Status string

const (
	StatusStarting   Status = "STARTING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// UnknownSize marks a transfer whose total is not known.
const UnknownSize int64 = -1

const (
	// DefaultGracePeriod keeps finished records readable for late subscribers.
	DefaultGracePeriod = 5 * time.Second

	pushPercentStep = 0.1
	pushByteStep    = 256 * 1024
)

// TransferProgress is the snapshot pushed to clients. The transfer id is
// serialized as sessionId for compatibility with existing web clients.
type TransferProgress struct {
	TransferID                string    `json:"sessionId"`
	FileName                  string    `json:"fileName"`
	Operation                 Operation `json:"operation"`
	TotalBytes                int64     `json:"totalBytes"`
	TransferredBytes          int64     `json:"transferredBytes"`
	Percentage                float64   `json:"percentage"`
	SpeedBytesPerSecond       int64     `json:"speedBytesPerSecond"`
	FormattedSpeed            string    `json:"speedFormatted"`
	StartTime                 time.Time `json:"startTime"`
	LastUpdate                time.Time `json:"lastUpdate"`
	EstimatedRemainingSeconds int64     `json:"estimatedRemainingSeconds"`
	Status                    Status    `json:"status"`
	ErrorMessage              string    `json:"errorMessage,omitempty"`
}

// Scheduler runs eviction callbacks after the grace period.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Options configures a Tracker. Zero values pick defaults.
type Options struct {
	GracePeriod time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// entry locks: pub is taken before mu and held until the snapshot is
// published, so pushes for one transfer leave in the order they were taken.
type entry struct {
	pub             sync.Mutex
	mu              sync.Mutex
	rec             TransferProgress
	est             *Estimator
	lastPushedPct   float64
	lastPushedBytes int64
	evicting        bool
}

// Tracker owns progress records and their speed estimators.
type Tracker struct {
	mu        sync.RWMutex
	transfers map[string]*entry

	publisher pubsub.Publisher
	sched     Scheduler
	grace     time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewTracker(publisher pubsub.Publisher, sched Scheduler, opts Options) *Tracker {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		transfers: make(map[string]*entry),
		publisher: publisher,
		sched:     sched,
		grace:     opts.GracePeriod,
		now:       opts.Now,
		logger:    logging.OrDiscard(opts.Logger).With("component", "progress"),
	}
}

// Start creates a STARTING record for id, replacing any previous one, and
// pushes the initial snapshot.
func (t *Tracker) Start(id, fileName string, op Operation, totalBytes int64) {
	now := t.now()
	e := &entry{
		rec: TransferProgress{
			TransferID:     id,
			FileName:       fileName,
			Operation:      op,
			TotalBytes:     totalBytes,
			FormattedSpeed: FormatSpeed(0),
			StartTime:      now,
			LastUpdate:     now,
			Status:         StatusStarting,
		},
		est: NewEstimator(now),
	}

	t.mu.Lock()
	t.transfers[id] = e
	t.mu.Unlock()

	e.pub.Lock()
	e.mu.Lock()
	snap := e.rec
	e.mu.Unlock()
	t.push(snap)
	e.pub.Unlock()

	t.logger.Info("started tracking transfer", "transfer_id", id, "operation", op, "file", fileName, "total_bytes", totalBytes)
}

// Exists reports whether a record for id is currently held.
func (t *Tracker) Exists(id string) bool {
	return t.lookup(id) != nil
}

// SetTotal fills in the size of a transfer started with UnknownSize.
func (t *Tracker) SetTotal(id string, totalBytes int64) {
	e := t.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Status.Terminal() || e.rec.TotalBytes > 0 {
		return
	}
	e.rec.TotalBytes = totalBytes
}

// Update records the cumulative byte count for id. Unknown ids and records
// already in a terminal state are ignored.
func (t *Tracker) Update(id string, transferred int64) {
	e := t.lookup(id)
	if e == nil {
		t.logger.Warn("no progress tracking found for transfer", "transfer_id", id)
		return
	}

	e.pub.Lock()
	defer e.pub.Unlock()
	e.mu.Lock()
	if e.rec.Status.Terminal() {
		e.mu.Unlock()
		return
	}

	now := t.now()
	speed := e.est.Observe(transferred, now)
	rec := &e.rec
	rec.SpeedBytesPerSecond = speed
	rec.FormattedSpeed = FormatSpeed(speed)
	rec.TransferredBytes = transferred
	if rec.TotalBytes > 0 {
		rec.Percentage = float64(transferred) / float64(rec.TotalBytes) * 100
	}
	if speed > 0 && rec.TotalBytes > transferred {
		rec.EstimatedRemainingSeconds = (rec.TotalBytes - transferred) / speed
	}
	rec.Status = StatusInProgress
	rec.LastUpdate = now

	push := false
	if rec.TotalBytes > 0 && rec.Percentage-e.lastPushedPct >= pushPercentStep {
		push = true
	}
	if transferred-e.lastPushedBytes >= pushByteStep {
		push = true
	}
	var snap TransferProgress
	if push {
		e.lastPushedPct = rec.Percentage
		e.lastPushedBytes = transferred
		snap = *rec
	}
	e.mu.Unlock()

	if push {
		t.push(snap)
	}
}

// Complete marks id COMPLETED at 100%.
func (t *Tracker) Complete(id string) {
	t.finish(id, StatusCompleted, "", func(rec *TransferProgress) {
		if rec.TotalBytes < 0 {
			rec.TotalBytes = rec.TransferredBytes
		}
		rec.TransferredBytes = rec.TotalBytes
		rec.Percentage = 100
		rec.EstimatedRemainingSeconds = 0
	})
}

// Fail marks id FAILED with message.
func (t *Tracker) Fail(id, message string) {
	t.finish(id, StatusFailed, message, nil)
}

// Cancel marks id CANCELLED. An in-flight copy loop observes this through
// Status and aborts.
func (t *Tracker) Cancel(id string) {
	t.finish(id, StatusCancelled, "", nil)
}

func (t *Tracker) finish(id string, status Status, message string, apply func(*TransferProgress)) {
	e := t.lookup(id)
	if e == nil {
		return
	}

	e.pub.Lock()
	e.mu.Lock()
	if e.rec.Status.Terminal() {
		e.mu.Unlock()
		e.pub.Unlock()
		return
	}
	e.rec.Status = status
	e.rec.ErrorMessage = message
	e.rec.LastUpdate = t.now()
	if apply != nil {
		apply(&e.rec)
	}
	snap := e.rec
	evict := !e.evicting
	e.evicting = true
	e.mu.Unlock()

	t.push(snap)
	e.pub.Unlock()
	if evict {
		t.scheduleEviction(id, e)
	}

	switch status {
	case StatusFailed:
		t.logger.Error("transfer failed", "transfer_id", id, "error", message)
	case StatusCancelled:
		t.logger.Info("transfer cancelled", "transfer_id", id)
	default:
		t.logger.Info("transfer completed", "transfer_id", id, "bytes", snap.TransferredBytes)
	}
}

func (t *Tracker) scheduleEviction(id string, e *entry) {
	evict := func() {
		t.mu.Lock()
		if t.transfers[id] == e {
			delete(t.transfers, id)
		}
		t.mu.Unlock()
		t.logger.Debug("cleaned up transfer tracking", "transfer_id", id)
	}
	if t.sched == nil {
		time.AfterFunc(t.grace, evict)
		return
	}
	t.sched.AfterFunc(t.grace, evict)
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id string) (TransferProgress, bool) {
	e := t.lookup(id)
	if e == nil {
		return TransferProgress{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Status returns the state of id, or "" when the record is absent.
func (t *Tracker) Status(id string) Status {
	rec, ok := t.Get(id)
	if !ok {
		return ""
	}
	return rec.Status
}

// Snapshot returns the record for id or, for an unknown id, a STARTING
// placeholder. Sent to clients right after they subscribe.
func (t *Tracker) Snapshot(id string) TransferProgress {
	if rec, ok := t.Get(id); ok {
		return rec
	}
	return TransferProgress{TransferID: id, Status: StatusStarting, TotalBytes: UnknownSize}
}

// Lookup returns the record for id or, for an unknown id, a FAILED
// "Transfer not found" placeholder. Answers explicit status requests.
func (t *Tracker) Lookup(id string) TransferProgress {
	if rec, ok := t.Get(id); ok {
		return rec
	}
	return TransferProgress{TransferID: id, Status: StatusFailed, ErrorMessage: "Transfer not found", TotalBytes: UnknownSize}
}

// Republish pushes the current state of id (or the not-found placeholder).
func (t *Tracker) Republish(id string) {
	e := t.lookup(id)
	if e == nil {
		t.push(t.Lookup(id))
		return
	}
	e.pub.Lock()
	defer e.pub.Unlock()
	e.mu.Lock()
	snap := e.rec
	e.mu.Unlock()
	t.push(snap)
}

// Active returns the number of records held, including those in their grace
// period.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.transfers)
}

func (t *Tracker) lookup(id string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.transfers[id]
}

func (t *Tracker) push(snap TransferProgress) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(pubsub.TransferProgressTopic(snap.TransferID), snap)
}
