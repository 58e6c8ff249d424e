package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/emberhost/ember/internal/store"
)

const maxUploadBytes = 64 << 20

// handleListSessions returns the sessions known for the calling device,
// newest first, each with the first user message as a display title.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("X-Device-ID")
	if deviceID == "" {
		http.Error(w, "missing X-Device-ID header", http.StatusBadRequest)
		return
	}

	sessions, err := s.repo.ListSessionsByDevice(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("list sessions failed", "device_id", deviceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

// handleSessionEvents returns a session's event history sorted by
// sequence, optionally starting after a given sequence number.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	afterSeq, err := parseAfterSeq(r.URL.Query().Get("after_seq"))
	if err != nil {
		http.Error(w, "invalid after_seq", http.StatusBadRequest)
		return
	}

	events, err := s.repo.ReadEventsFrom(r.Context(), sessionID, afterSeq)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.Error("read events failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"session_id": sessionID, "events": events})
}

// handleUpload stores a multipart file into the session's workspace
// under uploads/, where workspace tools can reach it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	meta, err := s.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.Error("session lookup failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}

	uploadDir := filepath.Join(meta.WorkspaceDir, "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		s.logger.Error("create upload dir failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	name = uniqueName(uploadDir, name)
	dst, err := os.Create(filepath.Join(uploadDir, name))
	if err != nil {
		s.logger.Error("create upload file failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer dst.Close()

	size, err := io.Copy(dst, file)
	if err != nil {
		s.logger.Error("write upload failed", "session_id", sessionID, "error", err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info("file uploaded",
		"session_id", sessionID,
		"file", name,
		"bytes", size)
	writeJSON(w, map[string]any{
		"path": filepath.Join("uploads", name),
		"size": size,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"sessions": s.manager.Count(),
	})
}

// uniqueName suffixes the file name until it does not collide with an
// existing upload ("notes.txt", "notes-1.txt", ...).
func uniqueName(dir, name string) string {
	candidate := name
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	// Headers are already out if Encode fails; nothing more to do.
	_ = json.NewEncoder(w).Encode(v)
}
