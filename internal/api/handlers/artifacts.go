package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agenthub/agenthub/internal/artifacts"
	"github.com/agenthub/agenthub/pkg/models"
)

type publishResponse struct {
	Artifact *models.Artifact `json:"artifact"`
	Created  bool             `json:"created"` // false = idempotent replay
}

// PublishArtifact accepts one file from the in-container client. The
// token travels as a bearer credential; the file as multipart form data
// (field "file") or as the raw body with a ?name= query parameter.
// Success is acknowledged per file, so a batch caller retries only its
// failed subset.
func (h *Handlers) PublishArtifact(w http.ResponseWriter, r *http.Request) {
	secret := bearerToken(r)
	if secret == "" {
		respondError(w, http.StatusUnauthorized, "missing publish token")
		return
	}

	var name string
	var body io.Reader
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "multipart field 'file' is required")
			return
		}
		defer file.Close()
		name = header.Filename
		body = file
	} else {
		name = r.URL.Query().Get("name")
		body = r.Body
	}
	if name == "" {
		respondError(w, http.StatusBadRequest, "artifact name is required")
		return
	}

	art, created, err := h.Broker.Publish(r.Context(), secret, name, body)
	if err != nil {
		if errors.Is(err, artifacts.ErrInvalidToken) {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, publishResponse{Artifact: art, Created: created})
}

func (h *Handlers) ListChatArtifacts(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if _, err := h.Store.GetChat(r.Context(), chatID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	arts, err := h.Store.ListArtifacts(r.Context(), chatID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if arts == nil {
		arts = []models.Artifact{}
	}
	respondJSON(w, http.StatusOK, arts)
}

func (h *Handlers) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, true)
}

// PreviewArtifact streams the payload inline for recognized image/video
// types; everything else is download-only.
func (h *Handlers) PreviewArtifact(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, false)
}

func (h *Handlers) serveArtifact(w http.ResponseWriter, r *http.Request, attachment bool) {
	path, art, err := h.Broker.Path(r.Context(), chi.URLParam(r, "artifactID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if !attachment && art.PreviewURL == "" {
		respondError(w, http.StatusUnsupportedMediaType, "artifact has no preview; use the download URL")
		return
	}
	if attachment {
		w.Header().Set("Content-Disposition", `attachment; filename="`+art.Name+`"`)
	}
	http.ServeFile(w, r, path)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// The in-container client also sends the raw env var as a header.
	return r.Header.Get("X-Artifact-Token")
}
