package handlers

import (
	"net/http"

	"github.com/salmart/salmart-backend/internal/middleware"
)

const maxUploadSize = 10 << 20 // 10MB

type UploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
}

// UploadAttachment stores an image or file for a chat message and returns the URL
// to send as attachment.url.
func (h *ChatHandler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	if h.Uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	file.Close()

	url, err := h.Uploader.UploadAttachment(r.Context(), fileHeader, middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err, "failed to upload file")
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		Success: true,
		Message: "File uploaded successfully",
		URL:     url,
	})
}
