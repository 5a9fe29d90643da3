package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fathomlabs/relay/internal/conversation"
	"github.com/fathomlabs/relay/internal/execution"
	"github.com/fathomlabs/relay/internal/logger"
)

// startRequest is the Start endpoint's body
type startRequest struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Message        string         `json:"message"`
	Options        map[string]any `json:"options,omitempty"`
}

// startResponse is returned once the turn is underway. Clients use the
// execution id to attach a stream.
type startResponse struct {
	ExecutionID    string `json:"execution_id"`
	ConversationID string `json:"conversation_id"`
}

// cancelResponse reports the outcome of a cancel request. Cancel never
// fails with a server error: success=false with a reason covers both
// unknown and already-finished executions.
type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	execID, convID, err := s.manager.StartTurn(r.Context(), req.ConversationID, req.Message, req.Options)
	if err != nil {
		switch {
		case errors.Is(err, execution.ErrInvalidOptions):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, conversation.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		default:
			logger.Error("Failed to start turn [request_id=%s]: %v", logger.RequestID(r.Context()), err)
			writeError(w, http.StatusInternalServerError, "failed to start execution")
		}
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		ExecutionID:    execID,
		ConversationID: convID,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.manager.Registry().RequestCancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, cancelResponse{
			Success: true,
			Message: "cancellation requested",
		})
	case errors.Is(err, execution.ErrNotFound):
		writeJSON(w, http.StatusOK, cancelResponse{
			Success: false,
			Message: "execution not found",
		})
	case errors.Is(err, execution.ErrAlreadyComplete):
		writeJSON(w, http.StatusOK, cancelResponse{
			Success: false,
			Message: "execution already complete",
		})
	default:
		writeJSON(w, http.StatusOK, cancelResponse{
			Success: false,
			Message: "cancellation failed",
		})
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	messages, err := s.store.Messages(r.Context(), id)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		logger.Error("Failed to load messages for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        messages,
	})
}
