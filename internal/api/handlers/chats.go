package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agenthub/agenthub/internal/launcher"
	"github.com/agenthub/agenthub/internal/store"
	"github.com/agenthub/agenthub/pkg/models"
)

type startChatRequest struct {
	Agent models.AgentSpec `json:"agent"`
}

// StartChat accepts a chat-start request. The response carries the chat
// in starting state; container creation continues asynchronously.
func (h *Handlers) StartChat(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req startChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	h.idempotent(w, r, func() (int, any) {
		chat, err := h.Launcher.StartChat(r.Context(), projectID, req.Agent)
		if err != nil {
			var notReady *launcher.ErrProjectNotReady
			switch {
			case errors.As(err, &notReady):
				return http.StatusConflict, errorResponse{Error: err.Error()}
			case store.IsNotFound(err):
				return http.StatusNotFound, errorResponse{Error: err.Error()}
			default:
				return http.StatusBadRequest, errorResponse{Error: err.Error()}
			}
		}
		return http.StatusAccepted, chat
	})
}

func (h *Handlers) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.Store.ListChats(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chats == nil {
		chats = []models.ChatSession{}
	}
	respondJSON(w, http.StatusOK, chats)
}

func (h *Handlers) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.Store.GetChat(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, chat)
}

func (h *Handlers) StopChat(w http.ResponseWriter, r *http.Request) {
	if err := h.Launcher.StopChat(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handlers) RestartChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := h.Launcher.RestartChat(r.Context(), chatID); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (h *Handlers) RefreshContainer(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := h.Launcher.RefreshContainer(r.Context(), chatID); err != nil {
		var notReady *launcher.ErrProjectNotReady
		switch {
		case store.IsNotFound(err):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &notReady):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	chat, err := h.Store.GetChat(r.Context(), chatID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, chat)
}

// DeleteChat is idempotent: deleting a missing chat succeeds, so client
// retries never surface as errors.
func (h *Handlers) DeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.Launcher.DeleteChat(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

// BeginPrompt archives the chat's live artifacts into prompt history and
// records the new instruction as context for upcoming publishes.
func (h *Handlers) BeginPrompt(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if _, err := h.Store.GetChat(r.Context(), chatID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Broker.BeginPromptTurn(r.Context(), chatID, req.Prompt); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "turn started"})
}
