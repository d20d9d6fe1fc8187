package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	app_errors "flowchat/internal/errors"
	"flowchat/internal/interfaces"
	"flowchat/internal/model"
	"flowchat/internal/service"
)

// ChatHandler serves conversations and turns.
type ChatHandler struct {
	service interfaces.ChatService
}

func NewChatHandler(svc interfaces.ChatService) *ChatHandler {
	return &ChatHandler{service: svc}
}

// HandleGetSession godoc
// @Summary      Get session state
// @Description  Returns the active conversation id, whether a reply is being generated, and the selected model.
// @Tags         Session
// @Produce      json
// @Success      200  {object}  model.Session
// @Router       /v1/session [get]
func (h *ChatHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.service.Session())
}

// HandleListConversations godoc
// @Summary      List conversations
// @Description  Returns every conversation, most recent first.
// @Tags         Conversations
// @Produce      json
// @Success      200  {array}  model.Conversation
// @Router       /v1/conversations [get]
func (h *ChatHandler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.service.ListConversations(r.Context()))
}

// HandleCreateConversation godoc
// @Summary      Create a conversation
// @Description  Starts an empty conversation and makes it the active one.
// @Tags         Conversations
// @Produce      json
// @Success      201  {object}  model.Conversation
// @Router       /v1/conversations [post]
func (h *ChatHandler) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusCreated, h.service.CreateConversation(r.Context()))
}

// HandleGetConversation godoc
// @Summary      Get a conversation
// @Tags         Conversations
// @Produce      json
// @Param        conversationID  path  string  true  "Conversation ID"
// @Success      200  {object}  model.Conversation
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/conversations/{conversationID} [get]
func (h *ChatHandler) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.service.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, conv)
}

// HandleSelectConversation godoc
// @Summary      Select a conversation
// @Description  Makes the conversation the active one; the next message is sent to it.
// @Tags         Conversations
// @Produce      json
// @Param        conversationID  path  string  true  "Conversation ID"
// @Success      200  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/conversations/{conversationID}/active [put]
func (h *ChatHandler) HandleSelectConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SelectConversation(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// HandleDeleteConversation godoc
// @Summary      Delete a conversation
// @Description  Deletes the conversation. A reply streaming into it is aborted.
// @Tags         Conversations
// @Produce      json
// @Param        conversationID  path  string  true  "Conversation ID"
// @Success      200  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /v1/conversations/{conversationID} [delete]
func (h *ChatHandler) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteConversation(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// HandleAbortTurn godoc
// @Summary      Abort the current reply
// @Description  Cancels the reply being generated, if any. The partial reply is replaced by an error message.
// @Tags         Messages
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /v1/turn/abort [post]
func (h *ChatHandler) HandleAbortTurn(w http.ResponseWriter, r *http.Request) {
	status := "idle"
	if h.service.Abort() {
		status = "aborted"
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// HandleStreamMessage godoc
// @Summary      Send a message
// @Description  Appends the message to the active conversation (creating one if needed) and streams the reply as Server-Sent Events.
// @Tags         Messages
// @Accept       json
// @Produce      text/event-stream
// @Param        messageRequest  body  service.CreateMessageRequest  true  "Message"
// @Success      200  {object}  model.StreamResponse  "Stream of turn events"
// @Failure      400  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Router       /v1/messages [post]
func (h *ChatHandler) HandleStreamMessage(w http.ResponseWriter, r *http.Request) {
	var req service.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, fmt.Errorf("%w: invalid request payload", app_errors.ErrValidation))
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}
	if h.service.Loading() {
		respondWithError(w, app_errors.ErrBusy)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	streamChan := make(chan model.StreamResponse)
	go h.service.HandleNewMessage(r.Context(), &req, streamChan)

	for chunk := range streamChan {
		if r.Context().Err() != nil {
			slog.Info("Client disconnected.")
			break
		}
		if chunk.Type == model.EventError && chunk.MessageID == "" {
			// The turn was rejected before it started.
			sendStreamError(w, chunk.Error)
			continue
		}
		if err := writeStreamEvent(w, chunk); err != nil {
			slog.Warn("Could not write to message stream, client likely disconnected.", "error", err)
			break
		}
	}
	// Let the turn finish its bookkeeping without a reader.
	go func() {
		for range streamChan {
		}
	}()

	slog.Info("Finished streaming response.")
}
