// This file implements the source image upload endpoint.
package handler

import (
	"bufio"
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/middleware"
	"github.com/pixlift/pixlift/internal/storage"
)

// MaxUploadBytes caps the size of a single uploaded source image.
const MaxUploadBytes = 10 << 20 // 10MB

// UploadHandler handles source image uploads.
type UploadHandler struct {
	files  storage.Storage
	logger *slog.Logger
}

// NewUploadHandler creates a new UploadHandler.
func NewUploadHandler(files storage.Storage, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		files:  files,
		logger: logger,
	}
}

// Upload accepts a multipart image upload, stores it, and returns the URL to
// pass as input_url when submitting a job.
// POST /api/upload
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	const op = "UploadHandler.Upload"

	user := middleware.GetUser(r.Context())
	if user == nil {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			ErrorResponse(w, r, h.logger, domain.Errorf(domain.ETOOLARGE, op, "Image exceeds the %dMB upload limit", MaxUploadBytes>>20))
			return
		}
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Malformed multipart request body"))
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Missing 'image' form field"))
		return
	}
	defer file.Close()

	// Sniff the content type without consuming the stream.
	buffered := bufio.NewReader(file)
	head, _ := buffered.Peek(512)
	contentType := storage.DetectContentType(header.Header.Get("Content-Type"), header.Filename, bytes.NewReader(head))
	if !storage.IsAllowedImageType(contentType) {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Unsupported image type; use JPEG, PNG, or WebP"))
		return
	}

	key := storage.InputKey(user.ID, header.Filename)
	err = h.files.Put(r.Context(), key, buffered, storage.PutOptions{
		ContentType: contentType,
		MaxSize:     MaxUploadBytes,
	})
	if err != nil {
		if storage.IsTooLarge(err) {
			ErrorResponse(w, r, h.logger, domain.Errorf(domain.ETOOLARGE, op, "Image exceeds the %dMB upload limit", MaxUploadBytes>>20))
			return
		}
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "Failed to store image"))
		return
	}

	url, err := h.files.URL(r.Context(), key, 0)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "Failed to resolve image URL"))
		return
	}

	h.logger.Info("image uploaded",
		"user_id", user.ID,
		"key", key,
		"size", header.Size,
		"content_type", contentType,
	)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":          key,
		"url":          url,
		"size":         header.Size,
		"content_type": contentType,
	})
}
