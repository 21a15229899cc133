package sftpfiles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/shellport/shellport/internal/apperr"
	"github.com/shellport/shellport/internal/logging"
	"github.com/shellport/shellport/internal/logutil"
	"github.com/shellport/shellport/internal/metrics"
	"github.com/shellport/shellport/internal/profile"
	"github.com/shellport/shellport/internal/progress"
	"github.com/shellport/shellport/internal/remote"
	"github.com/shellport/shellport/internal/sftpsession"
	"github.com/shellport/shellport/internal/transfer"
)

const slowOpThreshold = 500 * time.Millisecond

// Service runs file operations against registered SFTP sessions.
type Service struct {
	profiles profile.Source
	sessions *sftpsession.Registry
	engine   *transfer.Engine
	tracker  *progress.Tracker
	logger   *slog.Logger
}

func NewService(profiles profile.Source, sessions *sftpsession.Registry, engine *transfer.Engine, tracker *progress.Tracker, logger *slog.Logger) *Service {
	return &Service{
		profiles: profiles,
		sessions: sessions,
		engine:   engine,
		tracker:  tracker,
		logger:   logging.OrDiscard(logger).With("component", "sftp"),
	}
}

// Connect returns the session key for profileID, connecting if no valid
// session exists. An unknown profile yields an error matching
// profile.ErrNotFound.
func (s *Service) Connect(ctx context.Context, profileID uint) (string, error) {
	p, err := s.profiles.GetProfile(ctx, profileID)
	if err != nil {
		return "", fmt.Errorf("load profile %d: %w", profileID, err)
	}
	key, err := s.sessions.Acquire(ctx, p)
	metrics.RecordSFTPConnect(err == nil)
	metrics.SetSFTPSessionsActive(s.sessions.Count())
	if err != nil {
		return "", err
	}
	return key, nil
}

// Disconnect releases the session. Unknown keys are ignored.
func (s *Service) Disconnect(key string) {
	s.sessions.Release(key)
	metrics.SetSFTPSessionsActive(s.sessions.Count())
	s.logger.Info("disconnected sftp session", "key", key)
}

// List returns the entries of dir. "", "." and "~" list the login
// directory.
func (s *Service) List(key, dir string) ([]FileInfo, error) {
	var files []FileInfo
	err := s.run(key, "list", dir, func(ch remote.FileChannel) error {
		resolved, err := resolveDir(ch, dir)
		if err != nil {
			return err
		}
		entries, err := ch.ReadDir(resolved)
		if err != nil {
			return err
		}
		files = make([]FileInfo, 0, len(entries))
		for _, fi := range entries {
			if fi.Name() == "." || fi.Name() == ".." {
				continue
			}
			files = append(files, newFileInfo(resolved, fi))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("listed directory", "key", key, "path", logutil.SanitizeForLog(dir), "entries", len(files))
	return files, nil
}

// Info returns metadata for p without following a final symlink.
func (s *Service) Info(key, p string) (FileInfo, error) {
	var info FileInfo
	err := s.run(key, "stat", p, func(ch remote.FileChannel) error {
		fi, err := ch.Lstat(p)
		if err != nil {
			return err
		}
		dir, name := splitPath(p)
		info = newFileInfo(dir, fi)
		info.Name = name
		info.Path = joinPath(dir, name)
		if name == "/" {
			info.Path = "/"
		}
		return nil
	})
	return info, err
}

// Mkdir creates a single directory.
func (s *Service) Mkdir(key, p string) error {
	err := s.run(key, "mkdir", p, func(ch remote.FileChannel) error { return ch.Mkdir(p) })
	if err == nil {
		s.logger.Info("created directory", "key", key, "path", logutil.SanitizeForLog(p))
	}
	return err
}

// Delete removes a file, or an empty directory when isDir is set.
func (s *Service) Delete(key, p string, isDir bool) error {
	op := "rm"
	if isDir {
		op = "rmdir"
	}
	err := s.run(key, op, p, func(ch remote.FileChannel) error {
		if isDir {
			return ch.RemoveDirectory(p)
		}
		return ch.Remove(p)
	})
	if err == nil {
		s.logger.Info("deleted", "key", key, "path", logutil.SanitizeForLog(p), "directory", isDir)
	}
	return err
}

// Rename moves oldPath to newPath.
func (s *Service) Rename(key, oldPath, newPath string) error {
	err := s.run(key, "rename", oldPath, func(ch remote.FileChannel) error { return ch.Rename(oldPath, newPath) })
	if err == nil {
		s.logger.Info("renamed", "key", key, "from", logutil.SanitizeForLog(oldPath), "to", logutil.SanitizeForLog(newPath))
	}
	return err
}

// Download streams remotePath into sink. See transfer.Engine.Download.
func (s *Service) Download(ctx context.Context, key, remotePath string, sink io.Writer, transferID string) (string, error) {
	ch, err := s.sessions.Resolve(key)
	if err != nil {
		return transferID, err
	}
	return s.engine.Download(ctx, ch, remotePath, sink, transferID)
}

// Upload streams src into remotePath. See transfer.Engine.Upload.
func (s *Service) Upload(ctx context.Context, key, remotePath string, src io.Reader, size int64, transferID string) (string, error) {
	ch, err := s.sessions.Resolve(key)
	if err != nil {
		return transferID, err
	}
	return s.engine.Upload(ctx, ch, remotePath, src, size, transferID)
}

// CancelTransfer marks a transfer cancelled. The copy loop notices on its
// next buffer.
func (s *Service) CancelTransfer(transferID string) {
	s.tracker.Cancel(transferID)
	s.logger.Info("transfer cancel requested", "transfer_id", logutil.SanitizeForLog(transferID))
}

// Progress returns the record for a transfer, if it is still tracked.
func (s *Service) Progress(transferID string) (progress.TransferProgress, bool) {
	return s.tracker.Get(transferID)
}

// run resolves key and runs one remote operation, classifying its failure.
func (s *Service) run(key, op, target string, fn func(remote.FileChannel) error) error {
	ch, err := s.sessions.Resolve(key)
	if err != nil {
		return err
	}
	start := time.Now()
	err = fn(ch)
	elapsed := time.Since(start)
	metrics.RecordRemoteOperation(op, err == nil)
	if elapsed > slowOpThreshold {
		s.logger.Warn("slow remote operation", "op", op, "path", logutil.SanitizeForLog(target), "elapsed", elapsed)
	}
	if err != nil {
		s.logger.Error("remote operation failed", "op", op, "key", key, "path", logutil.SanitizeForLog(target), "error", err)
		return apperr.Remote(op, err)
	}
	return nil
}

func resolveDir(ch remote.FileChannel, dir string) (string, error) {
	switch strings.TrimSpace(dir) {
	case "", ".", "~":
		return ch.RealPath(".")
	}
	return dir, nil
}
