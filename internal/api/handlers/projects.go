package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/store"
	"github.com/agenthub/agenthub/pkg/models"
)

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}
	respondJSON(w, http.StatusOK, projects)
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.Project
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RepoURL == "" {
		respondError(w, http.StatusBadRequest, "repo_url is required")
		return
	}
	if req.BaseImage.Tag == "" && req.BaseImage.Dockerfile == "" {
		respondError(w, http.StatusBadRequest, "base_image requires a tag or a dockerfile")
		return
	}

	h.idempotent(w, r, func() (int, any) {
		req.ID = uuid.New().String()
		if req.Name == "" {
			req.Name = req.RepoURL
		}
		if req.DefaultBranch == "" {
			req.DefaultBranch = "main"
		}
		req.BuildStatus = models.BuildPending
		req.BuildError = ""
		req.SnapshotImageRef = ""
		req.CreatedAt = time.Now().UTC()
		req.UpdatedAt = req.CreatedAt

		if err := h.Store.CreateProject(r.Context(), &req); err != nil {
			return http.StatusInternalServerError, errorResponse{Error: err.Error()}
		}
		h.Bus.Changed("project", req.ID, req)
		log.Info().Str("project", req.ID).Str("repo", req.RepoURL).Msg("Project created")
		return http.StatusCreated, req
	})
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.Store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, project)
}

// UpdateProject replaces the project's configuration. A change to any
// build-relevant input resets the snapshot to pending; the client then
// triggers a rebuild, which resolves instantly when the key is unchanged.
func (h *Handlers) UpdateProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	current, err := h.Store.GetProject(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	var req models.Project
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = current.ID
	req.CreatedAt = current.CreatedAt
	if req.RepoURL == "" {
		req.RepoURL = current.RepoURL
	}
	if req.Name == "" {
		req.Name = current.Name
	}

	if snapshot.BuildKey(&req) != snapshot.BuildKey(current) {
		req.BuildStatus = models.BuildPending
		req.BuildError = ""
		req.SnapshotImageRef = ""
	} else {
		req.BuildStatus = current.BuildStatus
		req.BuildError = current.BuildError
		req.SnapshotImageRef = current.SnapshotImageRef
	}

	if err := h.Store.UpdateProject(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Bus.Changed("project", req.ID, req)
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	if _, err := h.Store.GetProject(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.Launcher.DeleteProject(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// BuildProject kicks EnsureSnapshot. The call returns immediately; build
// progress arrives as build_log_appended events and the final state as a
// project state_changed event.
func (h *Handlers) BuildProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	project, err := h.Store.GetProject(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	// Detached context: the build outlives this request.
	go func() {
		if err := h.Builder.Ensure(context.Background(), id); err != nil {
			log.Warn().Err(err).Str("project", id).Msg("Snapshot build finished with error")
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"project_id":   project.ID,
		"build_status": string(models.BuildBuilding),
	})
}

func (h *Handlers) CancelBuild(w http.ResponseWriter, r *http.Request) {
	h.Builder.Cancel(chi.URLParam(r, "projectID"))
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

func (h *Handlers) BuildLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	if _, err := h.Store.GetProject(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	n := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		n, _ = strconv.Atoi(v)
	}
	buf := h.Builder.Log(id)
	if r.URL.Query().Get("follow") == "" {
		respondJSON(w, http.StatusOK, buf.Recent(n))
		return
	}
	h.followBuildLog(w, r, buf, n)
}

// followBuildLog streams the recent tail and then every new line as
// NDJSON until the client disconnects.
func (h *Handlers) followBuildLog(w http.ResponseWriter, r *http.Request, buf *snapshot.LogBuffer, n int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}
	// Subscribe before reading the tail so no line falls between the two.
	// A line written in that window shows up twice, which a log viewer
	// tolerates; a hole it does not.
	ch := buf.Subscribe()
	defer buf.Unsubscribe(ch)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, e := range buf.Recent(n) {
		if err := enc.Encode(e); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := h.Store.ListBuilds(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if builds == nil {
		builds = []models.SnapshotBuild{}
	}
	respondJSON(w, http.StatusOK, builds)
}
