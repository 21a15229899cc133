package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shellport/shellport/internal/logutil"
)

// maxUploadMemory is the part of a multipart upload kept in memory; the
// rest spills to temporary files.
const maxUploadMemory = 32 << 20

// sftpSession resolves the profile in the URL to a live session key,
// writing the error response itself on failure.
func (s *Server) sftpSession(w http.ResponseWriter, r *http.Request) (uint, string, bool) {
	id, err := profileIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, "", false
	}
	key, err := s.files.Connect(r.Context(), id)
	if err != nil {
		s.logger.Error("sftp connect failed", "profile_id", id, "error", err)
		writeError(w, statusFor(err), failureMessage("Failed to connect", err))
		return id, "", false
	}
	return id, key, true
}

func requiredQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		writeError(w, http.StatusBadRequest, name+" parameter required")
		return "", false
	}
	return v, true
}

func (s *Server) fail(w http.ResponseWriter, action string, profileID uint, err error) {
	s.logger.Error(strings.ToLower(action), "profile_id", profileID, "error", err)
	writeError(w, statusFor(err), failureMessage(action, err))
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	_, key, ok := s.sftpSession(w, r)
	if !ok {
		return
	}
	writeSuccess(w, "Connected successfully", key)
}

func (s *Server) connectAndBrowse(w http.ResponseWriter, r *http.Request) {
	initial := r.URL.Query().Get("initialPath")
	if initial == "" {
		initial = "/"
	}
	id, key, ok := s.sftpSession(w, r)
	if !ok {
		return
	}
	files, err := s.files.List(key, initial)
	if err != nil {
		s.fail(w, "Failed to list files", id, err)
		return
	}
	writeSuccess(w, "Connected and browsing "+initial, map[string]interface{}{
		"sessionId":   key,
		"currentPath": initial,
		"files":       files,
		"connected":   true,
	})
}

// connectionStatus always answers 200; connected reports whether a session
// could be acquired.
func (s *Server) connectionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := profileIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := s.files.Connect(r.Context(), id)
	if err != nil {
		writeSuccess(w, "Not connected", map[string]interface{}{
			"connected": false,
			"profileId": id,
			"error":     err.Error(),
		})
		return
	}
	writeSuccess(w, "Connection active", map[string]interface{}{
		"sessionId": key,
		"connected": true,
		"profileId": id,
	})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if _, err := profileIDParam(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, ok := requiredQuery(w, r, "sessionId")
	if !ok {
		return
	}
	s.files.Disconnect(key)
	writeSuccess(w, "Disconnected successfully", nil)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "/"
	}
	id, key, ok := s.sftpSession(w, r)
	if !ok {
		return
	}
	files, err := s.files.List(key, dir)
	if err != nil {
		s.fail(w, "Failed to list files", id, err)
		return
	}
	writeSuccess(w, "", files)
}

func (s *Server) fileInfo(w http.ResponseWriter, r *http.Request) {
	p, ok := requiredQuery(w, r, "path")
	if !ok {
		return
	}
	id, key, ok := s.sftpSession(w, r)
	if !ok {
		return
	}
	info, err := s.files.Info(key, p)
	if err != nil {
		s.fail(w, "Failed to get file info", id, err)
		return
	}
	writeSuccess(w, "", info)
}

func (s *Server) mkdir(w http.ResponseWriter, r *http.Request) {
	p, ok := requiredQuery(w, r, "path")
	if !ok {
		return
	}
	id, key, ok := s.sftpSession(w, r)
	if !ok {
		return
	}
	if err := s.files.Mkdir(key, p); err != nil {
		s.fail(w, "Failed to create directory", id, err)
		return
	}
	writeSuccess(w, "Directory created successfully", p)
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requiredQuery(w, r, "path")
	if !ok {
		return
	}
	isDir, _ := strconv.ParseBool(r.URL.Query().Get("isDirectory"))
	id, key, ok := s.sftpSession(w, r)
	if !ok {
		return
	}
	if err := s.files.Delete(key, p, isDir); err != nil {
		s.fail(w, "Failed to delete", id, err)
		return
	}
	what := "File"
	if isDir {
		what = "Directory"
	}
	writeSuccess(w, what+" deleted successfully", p)
}

type renameRequest struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

func (s *Server) rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OldPath == "" || req.NewPath == "" {
		writeError(w, http.StatusBadRequest, "Both oldPath and newPath are required")
		return
	}
	id, key, ok := s.sftpSession(w, r)
	if !ok {
		return
	}
	if err := s.files.Rename(key, req.OldPath, req.NewPath); err != nil {
		s.fail(w, "Failed to rename file", id, err)
		return
	}
	writeSuccess(w, "File renamed successfully", req.NewPath)
}

// trackingWriter records whether the response body has started, so a
// failure before the first byte can still be answered with JSON.
type trackingWriter struct {
	http.ResponseWriter
	started bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.started = true
	return t.ResponseWriter.Write(p)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	p, ok := requiredQuery(w, r, "path")
	if !ok {
		return
	}
	id, key, ok := s.sftpSession(w, r)
	if !ok {
		return
	}

	name := path.Base(p)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))

	tw := &trackingWriter{ResponseWriter: w}
	transferID, err := s.files.Download(r.Context(), key, p, tw, r.URL.Query().Get("transferId"))
	if err != nil {
		if !tw.started {
			w.Header().Del("Content-Disposition")
			s.fail(w, "Failed to download file", id, err)
			return
		}
		// Headers are gone; the client sees a truncated body.
		s.logger.Error("download aborted mid-stream", "profile_id", id, "transfer_id", transferID, "path", logutil.SanitizeForLog(p), "error", err)
		return
	}
	s.logger.Info("download finished", "profile_id", id, "transfer_id", transferID, "path", logutil.SanitizeForLog(p))
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}
	defer r.MultipartForm.RemoveAll()

	dir := r.FormValue("path")
	if dir == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()
	if header.Size == 0 {
		writeError(w, http.StatusBadRequest, "File is empty")
		return
	}

	id, key, ok := s.sftpSession(w, r)
	if !ok {
		return
	}

	fileName := path.Base(header.Filename)
	remotePath := strings.TrimSuffix(dir, "/") + "/" + fileName
	transferID, err := s.files.Upload(r.Context(), key, remotePath, file, header.Size, r.FormValue("transferId"))
	if err != nil {
		s.fail(w, "Failed to upload file", id, err)
		return
	}
	writeSuccess(w, "File upload started", map[string]string{
		"transferId": transferID,
		"remotePath": remotePath,
		"fileName":   fileName,
	})
}

func (s *Server) transferProgress(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.tracker.Get(chi.URLParam(r, "transferId"))
	if !ok {
		writeError(w, http.StatusNotFound, "Transfer not found")
		return
	}
	writeSuccess(w, "", rec)
}

func (s *Server) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transferId")
	if s.tracker.Status(id) == "" {
		writeError(w, http.StatusNotFound, "Transfer not found")
		return
	}
	s.files.CancelTransfer(id)
	writeSuccess(w, "Transfer cancelled", nil)
}
