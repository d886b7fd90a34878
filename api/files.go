package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// sanitizeFilename removes path separators and unsafe characters from a
// filename for use in Content-Disposition headers.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "." || name == ".." {
		name = "download"
	}
	return name
}

func (s *Server) extensionAllowed(ext string) bool {
	ext = strings.ToLower(ext)
	for _, allowed := range s.upload.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// handleUpload handles POST /ocms/upload.
// Accepts a multipart file, stores it under a per-user directory with a
// generated name, and returns the path the operator can pass along in a
// relay message as media.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.upload.MaxFileBytes+1024) // small overhead for multipart headers

	if err := r.ParseMultipartForm(s.upload.MaxFileBytes); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.upload.MaxFileBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds maximum size of %d bytes", s.upload.MaxFileBytes))
		return
	}

	ext := filepath.Ext(header.Filename)
	if !s.extensionAllowed(ext) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file type %q not allowed", ext))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mime.TypeByExtension(ext)
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
	}

	// {upload_dir}/{user_id}/{uuid}{ext}; the generated name avoids
	// collisions and strips anything hostile in the client filename.
	name := uuid.New().String() + strings.ToLower(ext)
	dir := filepath.Join(s.upload.Directory, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("failed to create upload directory", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		s.logger.Warn("failed to create upload file", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	written, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"file_path":  "/ocms/uploads/" + userID + "/" + name,
		"name":       sanitizeFilename(header.Filename),
		"media_type": mimeType,
		"size":       written,
	})
}

// handleDownload handles GET /ocms/uploads/{userID}/{name}.
// Only the uploading user can fetch their files.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "userID")
	name := chi.URLParam(r, "name")
	userID := userIDFromContext(r.Context())

	if ownerID != userID {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	// The stored name is always {uuid}{ext}; anything else is a probe.
	if name != filepath.Base(name) || strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	filePath := filepath.Join(s.upload.Directory, ownerID, name)

	// Reject symlinks to prevent path traversal.
	fi, err := os.Lstat(filePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	safeName := sanitizeFilename(name)
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, safeName, url.PathEscape(safeName)))
	http.ServeFile(w, r, filePath)
}
