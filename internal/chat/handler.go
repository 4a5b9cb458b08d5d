package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	myMiddleware "go-chat-core/internal/middleware"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxBodyBytes bounds REST request bodies.
const maxBodyBytes = 64 << 10

type Handler struct {
	service *Service
	log     *zap.Logger
}

func NewHandler(service *Service, log *zap.Logger) *Handler {
	return &Handler{service: service, log: log.Named("rest")}
}

// Routes mounts the conversation API. Callers wrap it with the auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/conversations", h.ListConversations)
	r.Post("/conversations/one-to-one", h.StartOneToOne)
	r.Post("/conversations/group", h.CreateGroup)
	r.Get("/conversations/{id}", h.GetConversation)
	r.Get("/conversations/{id}/messages", h.GetHistory)
	r.Get("/conversations/{id}/messages/{messageId}", h.GetMessage)
	r.Post("/conversations/{id}/messages", h.PostMessage)
	r.Post("/conversations/{id}/participants", h.AddParticipants)
	r.Put("/conversations/{id}/read", h.MarkRead)
}

type startOneToOneRequest struct {
	RecipientID   string      `json:"recipientId"`
	Content       string      `json:"content"`
	Type          MessageType `json:"type"`
	ProvisionalID string      `json:"clientProvisionalId"`
}

type startOneToOneResponse struct {
	Conversation *Conversation `json:"conversation"`
	Message      *Message      `json:"message"`
}

type createGroupRequest struct {
	GroupName      string   `json:"groupName"`
	ParticipantIDs []string `json:"participantIds"`
}

type postMessageRequest struct {
	Content       string      `json:"content"`
	Type          MessageType `json:"type"`
	ProvisionalID string      `json:"clientProvisionalId"`
}

type addParticipantsRequest struct {
	ParticipantIDs []string `json:"participantIds"`
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	limit, cursor, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page, err := h.service.ListConversations(r.Context(), userID, limit, cursor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) StartOneToOne(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req startOneToOneRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, msg, err := h.service.StartOneToOne(r.Context(), AppendInput{
		SenderID:      userID,
		Content:       req.Content,
		Type:          req.Type,
		ProvisionalID: req.ProvisionalID,
	}, req.RecipientID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startOneToOneResponse{Conversation: conv, Message: msg})
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := h.service.CreateGroup(r.Context(), userID, req.GroupName, req.ParticipantIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	conv, err := h.service.Conversation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	limit, cursor, err := pageParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	page, err := h.service.History(r.Context(), userID, chi.URLParam(r, "id"), limit, cursor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// PostMessage runs the same pipeline as a socket send. Membership is enforced
// by the store rather than a joined room.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	msg, err := h.service.Message(r.Context(), userID, chi.URLParam(r, "id"), chi.URLParam(r, "messageId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.service.Send(r.Context(), AppendInput{
		ConversationID: chi.URLParam(r, "id"),
		SenderID:       userID,
		Content:        req.Content,
		Type:           req.Type,
		ProvisionalID:  req.ProvisionalID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req addParticipantsRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := h.service.AddParticipants(r.Context(), userID, chi.URLParam(r, "id"), req.ParticipantIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkRead(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		h.writeError(w, Errorf(KindAuthentication, "unauthorized"))
	}
	return userID, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, Errorf(KindValidation, "invalid request body"))
		return false
	}
	return true
}

func pageParams(r *http.Request) (int, string, error) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return 0, "", Errorf(KindValidation, "limit must be a positive integer")
		}
		limit = n
	}
	return limit, q.Get("cursor"), nil
}

type errorResponse struct {
	Kind           Kind   `json:"kind"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Kind: KindStorage, Message: "internal error"}
	var e *Error
	if errors.As(err, &e) {
		resp = errorResponse{Kind: e.Kind, Message: e.Message, ConversationID: e.ConversationID}
		if resp.Message == "" {
			resp.Message = string(e.Kind)
		}
	} else {
		h.log.Error("❌ unclassified error", zap.Error(err))
	}
	writeJSON(w, StatusFor(resp.Kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
