// Package sftpfiles provides remote file operations over pooled SFTP
// sessions.
//
// A [Service] resolves a profile, acquires its session from the
// [sftpsession.Registry] and runs one operation against the session's SFTP
// channel. The session key returned by [Service.Connect] is deterministic per
// profile, so repeated calls reuse the same connection.
//
// # Operations
//
//   - [Service.List]: directory listing, "." and ".." removed.
//   - [Service.Info]: metadata for a single path (not following symlinks).
//   - [Service.Mkdir], [Service.Delete], [Service.Rename]: mutations.
//   - [Service.Download], [Service.Upload]: streamed transfers reported
//     through the progress tracker.
//
// Failures reported by the remote host are classified as
// apperr.ErrRemoteOperation and keep the remote message. Operations slower
// than 500ms are logged at WARN.
package sftpfiles
