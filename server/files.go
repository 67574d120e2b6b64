package server

import (
	"archive/zip"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/go-chi/chi/v5"
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	files, err := s.opts.Sandboxes.ListFiles(r.Context(), projectID)
	if err != nil {
		s.logger.Error("failed to list files", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list files")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	rel := sandbox.CleanRelative(chi.URLParam(r, "*"))
	if rel == "" {
		writeError(w, http.StatusBadRequest, "file path is required")
		return
	}
	result, err := s.opts.Sandboxes.ReadFile(r.Context(), projectID, rel)
	if err != nil {
		s.logger.Error("failed to read file", "project_id", projectID, "path", rel, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read file content")
		return
	}
	if !result.Found {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "File not found",
			"tried": result.Tried,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"path":    result.Path,
		"content": result.Content,
	})
}

// handleDownload zips every project file. Files that cannot be read are
// skipped.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	ctx := r.Context()
	sb, err := s.opts.Sandboxes.Acquire(ctx, projectID)
	if err != nil {
		s.logger.Error("failed to acquire sandbox", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to download files")
		return
	}
	files, err := s.opts.Sandboxes.ListFiles(ctx, projectID)
	if err != nil {
		s.logger.Error("failed to list files", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to download files")
		return
	}

	name := strings.ToLower(unsafeFilenameChars.ReplaceAllString(projectID, "-"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"-files.zip"))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	root := s.opts.Sandboxes.AppRoot()
	for _, rel := range files {
		content, err := sb.Files().Read(ctx, path.Join(root, rel))
		if err != nil {
			s.logger.Warn("skipping unreadable file", "project_id", projectID, "path", rel, "error", err)
			continue
		}
		f, err := zw.Create(rel)
		if err == nil {
			_, err = f.Write([]byte(content))
		}
		if err != nil {
			s.logger.Error("failed to write zip entry", "project_id", projectID, "path", rel, "error", err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		s.logger.Error("failed to finish zip", "project_id", projectID, "error", err)
	}
}
