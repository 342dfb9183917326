package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/filevault/filevault/internal/auth"
	"github.com/filevault/filevault/internal/domain"
	"github.com/filevault/filevault/internal/service"
)

// FileHandler serves the file API backed by FileService.
type FileHandler struct {
	files  *service.FileService
	logger zerolog.Logger
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(files *service.FileService, logger zerolog.Logger) *FileHandler {
	return &FileHandler{
		files:  files,
		logger: logger.With().Str("component", "file_handler").Logger(),
	}
}

// Pagination bounds for list requests.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type fileResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Digest      string    `json:"digest"`
	CreatedAt   time.Time `json:"created_at"`
}

func newFileResponse(f *domain.File) fileResponse {
	return fileResponse{
		ID:          f.ID.String(),
		Name:        f.DisplayName,
		Size:        f.Size,
		ContentType: f.ContentType,
		Digest:      f.BlobDigest,
		CreatedAt:   f.CreatedAt,
	}
}

type uploadResponse struct {
	fileResponse
	Deduplicated bool `json:"deduplicated"`
}

type listResponse struct {
	Files  []fileResponse `json:"files"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type statsResponse struct {
	UsedBytes    int64   `json:"used_bytes"`
	LimitBytes   int64   `json:"limit_bytes"`
	UsagePercent float64 `json:"usage_percent"`
	FileCount    int64   `json:"file_count"`
}

// Upload handles POST /api/files with a multipart "file" field.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())

	reader, err := r.MultipartReader()
	if err != nil {
		writeBadRequest(w, "expected multipart/form-data with a file field")
		return
	}

	part, err := reader.NextPart()
	if err != nil {
		writeBadRequest(w, "multipart body contains no parts")
		return
	}
	defer part.Close()

	if part.FormName() != "file" {
		writeBadRequest(w, "first multipart field must be named file")
		return
	}

	output, err := h.files.Upload(r.Context(), service.UploadInput{
		Owner:       owner,
		DisplayName: part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Body:        part,
	})
	if err != nil {
		h.logger.Debug().Err(err).Str("owner", owner).Msg("upload rejected")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		fileResponse: newFileResponse(output.File),
		Deduplicated: output.Deduplicated,
	})
}

// List handles GET /api/files with optional filters.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())

	input, err := parseListInput(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	output, err := h.files.List(r.Context(), owner, input)
	if err != nil {
		writeError(w, err)
		return
	}

	files := make([]fileResponse, 0, len(output.Files))
	for _, f := range output.Files {
		files = append(files, newFileResponse(f))
	}

	writeJSON(w, http.StatusOK, listResponse{
		Files:  files,
		Total:  output.Total,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
}

// Get handles GET /api/files/{id}.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())

	fileID, ok := parseFileID(w, r)
	if !ok {
		return
	}

	file, err := h.files.Get(r.Context(), owner, fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newFileResponse(file))
}

// Download handles GET /api/files/{id}/download streaming the blob.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())

	fileID, ok := parseFileID(w, r)
	if !ok {
		return
	}

	output, err := h.files.Download(r.Context(), owner, fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer output.Body.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{
		"filename": output.File.DisplayName,
	})
	w.Header().Set("Content-Type", output.File.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(output.File.Size, 10))
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("ETag", `"`+output.File.BlobDigest+`"`)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, output.Body); err != nil {
		// Headers are gone, nothing to send the client but a log line.
		h.logger.Warn().Err(err).Str("file_id", fileID.String()).Msg("download stream interrupted")
	}
}

type renameRequest struct {
	DisplayName string `json:"display_name"`
}

// Rename handles PATCH /api/files/{id}.
func (h *FileHandler) Rename(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())

	fileID, ok := parseFileID(w, r)
	if !ok {
		return
	}

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "request body must be JSON with a name field")
		return
	}

	file, err := h.files.Rename(r.Context(), owner, fileID, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newFileResponse(file))
}

// Delete handles DELETE /api/files/{id}.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())

	fileID, ok := parseFileID(w, r)
	if !ok {
		return
	}

	if err := h.files.Delete(r.Context(), owner, fileID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ContentTypes handles GET /api/files/types.
func (h *FileHandler) ContentTypes(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())

	types, err := h.files.ContentTypes(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string][]string{"types": types})
}

// Stats handles GET /api/storage/stats.
func (h *FileHandler) Stats(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())

	stats, err := h.files.Stats(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		UsedBytes:    stats.UsedBytes,
		LimitBytes:   stats.LimitBytes,
		UsagePercent: stats.UsagePercent,
		FileCount:    stats.FileCount,
	})
}

// parseFileID reads the id path parameter. Malformed ids map to not
// found so enumeration cannot distinguish bad ids from missing files.
func parseFileID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, domain.ErrFileNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func parseListInput(r *http.Request) (service.ListInput, error) {
	q := r.URL.Query()
	input := service.ListInput{
		NameContains: q.Get("search"),
		ContentType:  q.Get("content_type"),
	}

	var err error
	if input.MinSize, err = parseIntParam(q.Get("min_size")); err != nil {
		return input, fmt.Errorf("min_size must be an integer")
	}
	if input.MaxSize, err = parseIntParam(q.Get("max_size")); err != nil {
		return input, fmt.Errorf("max_size must be an integer")
	}
	if input.CreatedAfter, err = parseTimeParam(q.Get("start_date")); err != nil {
		return input, fmt.Errorf("start_date must be RFC 3339")
	}
	if input.CreatedBefore, err = parseTimeParam(q.Get("end_date")); err != nil {
		return input, fmt.Errorf("end_date must be RFC 3339")
	}

	limit, err := parseIntParam(q.Get("limit"))
	if err != nil {
		return input, fmt.Errorf("limit must be an integer")
	}
	offset, err := parseIntParam(q.Get("offset"))
	if err != nil {
		return input, fmt.Errorf("offset must be an integer")
	}
	input.Limit = int(limit)
	input.Offset = int(offset)
	if input.Limit <= 0 {
		input.Limit = defaultPageSize
	}
	if input.Limit > maxPageSize {
		input.Limit = maxPageSize
	}

	return input, nil
}

func parseIntParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
