// Package transfer streams files between a remote SFTP channel and a local
// reader or writer while reporting progress.
package transfer

import (
	"context"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shellport/shellport/internal/apperr"
	"github.com/shellport/shellport/internal/logging"
	"github.com/shellport/shellport/internal/metrics"
	"github.com/shellport/shellport/internal/progress"
	"github.com/shellport/shellport/internal/remote"
)

// copyBufferSize is the download loop buffer.
const copyBufferSize = 8 * 1024

// Tracker receives progress for transfers.
type Tracker interface {
	Exists(id string) bool
	Start(id, fileName string, op progress.Operation, totalBytes int64)
	SetTotal(id string, totalBytes int64)
	Update(id string, transferred int64)
	Complete(id string)
	Fail(id, message string)
	Cancel(id string)
	Status(id string) progress.Status
}

// Engine runs uploads and downloads.
type Engine struct {
	tracker Tracker
	logger  *slog.Logger
	newID   func() string
}

func NewEngine(tracker Tracker, logger *slog.Logger) *Engine {
	return &Engine{
		tracker: tracker,
		logger:  logging.OrDiscard(logger).With("component", "transfer"),
		newID:   uuid.NewString,
	}
}

// NewID returns a fresh transfer id.
func (e *Engine) NewID() string { return e.newID() }

// Download copies remotePath into sink and returns the transfer id used. An
// empty transferID gets a generated one. The record is started here unless
// the caller already started it.
func (e *Engine) Download(ctx context.Context, ch remote.FileChannel, remotePath string, sink io.Writer, transferID string) (string, error) {
	id := transferID
	if id == "" {
		id = e.newID()
	}
	op := progress.Download

	size := progress.UnknownSize
	if fi, err := ch.Stat(remotePath); err != nil {
		e.logger.Warn("could not determine remote file size", "path", remotePath, "error", err)
	} else {
		size = fi.Size()
	}
	if !e.tracker.Exists(id) {
		e.tracker.Start(id, path.Base(remotePath), op, size)
	} else if size >= 0 {
		e.tracker.SetTotal(id, size)
	}

	start := time.Now()
	e.logger.Info("download started", "transfer_id", id, "path", remotePath, "size", size)

	src, err := ch.Open(remotePath)
	if err != nil {
		return id, e.fail(id, op, start, 0, apperr.Remote("open", err))
	}
	defer src.Close()

	meter := NewMeter(DownloadReportBytes, ReportInterval, func(n int64) { e.tracker.Update(id, n) })
	dst := NewWriter(sink, meter)
	buf := make([]byte, copyBufferSize)
	for {
		if err := e.interrupted(ctx, id); err != nil {
			meter.Flush()
			return id, e.fail(id, op, start, meter.Total(), err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				meter.Flush()
				return id, e.fail(id, op, start, meter.Total(), apperr.Streaming("write", werr))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			meter.Flush()
			return id, e.fail(id, op, start, meter.Total(), apperr.Streaming("read", rerr))
		}
	}

	meter.Flush()
	e.succeed(id, op, start, meter.Total())
	return id, nil
}

// Upload copies src into remotePath and returns the transfer id used. size
// may be progress.UnknownSize. With an empty transferID a new id is
// generated and tracked here.
func (e *Engine) Upload(ctx context.Context, ch remote.FileChannel, remotePath string, src io.Reader, size int64, transferID string) (string, error) {
	if size < 0 {
		size = progress.UnknownSize
	}
	id := transferID
	if id == "" {
		id = e.newID()
		e.tracker.Start(id, path.Base(remotePath), progress.Upload, size)
	} else if !e.tracker.Exists(id) {
		e.tracker.Start(id, path.Base(remotePath), progress.Upload, size)
	} else if size >= 0 {
		e.tracker.SetTotal(id, size)
	}
	op := progress.Upload

	start := time.Now()
	e.logger.Info("upload started", "transfer_id", id, "path", remotePath, "size", size)

	dst, err := ch.Create(remotePath)
	if err != nil {
		return id, e.fail(id, op, start, 0, apperr.Remote("create", err))
	}

	meter := NewMeter(UploadReportBytes, ReportInterval, func(n int64) { e.tracker.Update(id, n) })
	guard := &guardedReader{r: src, check: func() error { return e.interrupted(ctx, id) }}
	_, cerr := io.Copy(dst, NewReader(guard, meter))
	meter.Flush()

	if cerr != nil {
		dst.Close()
		if gerr := guard.err(); gerr != nil {
			cerr = gerr
		}
		return id, e.fail(id, op, start, meter.Total(), apperr.Streaming("write", cerr))
	}
	if err := dst.Close(); err != nil {
		return id, e.fail(id, op, start, meter.Total(), apperr.Streaming("close", err))
	}

	e.succeed(id, op, start, meter.Total())
	return id, nil
}

// interrupted reports a cancellation of ctx or of the tracked transfer.
func (e *Engine) interrupted(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Cancelled("transfer", err)
	}
	if e.tracker.Status(id) == progress.StatusCancelled {
		return apperr.Cancelled("transfer", nil)
	}
	return nil
}

func (e *Engine) succeed(id string, op progress.Operation, start time.Time, bytes int64) {
	e.tracker.Complete(id)
	metrics.RecordTransferBytes(string(op), bytes)
	metrics.RecordTransfer(string(op), string(progress.StatusCompleted), time.Since(start))
	e.logger.Info("transfer completed", "transfer_id", id, "operation", op, "bytes", bytes, "elapsed", time.Since(start))
}

// fail records err against id and returns it. The record is updated before
// the error reaches the caller.
func (e *Engine) fail(id string, op progress.Operation, start time.Time, bytes int64, err error) error {
	status := progress.StatusFailed
	if apperr.KindOf(err) == apperr.ErrCancelled {
		status = progress.StatusCancelled
		e.tracker.Cancel(id)
	} else {
		e.tracker.Fail(id, err.Error())
	}
	metrics.RecordTransferBytes(string(op), bytes)
	metrics.RecordTransfer(string(op), string(status), time.Since(start))
	e.logger.Warn("transfer stopped", "transfer_id", id, "operation", op, "status", status, "bytes", bytes, "error", err)
	return err
}

// guardedReader runs check before every read and remembers the first
// failure so it survives wrapping by the destination's ReadFrom.
type guardedReader struct {
	r     io.Reader
	check func() error

	mu      sync.Mutex
	stopErr error
}

func (g *guardedReader) Read(p []byte) (int, error) {
	if err := g.check(); err != nil {
		g.mu.Lock()
		if g.stopErr == nil {
			g.stopErr = err
		}
		g.mu.Unlock()
		return 0, err
	}
	return g.r.Read(p)
}

func (g *guardedReader) err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopErr
}
