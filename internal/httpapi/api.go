// Package httpapi exposes the REST surface of the chat service: creating and
// listing conversations, fetching message history, marking conversations
// read, and deleting conversations. All endpoints require a bearer token and
// mirror their results to connected clients through the hub notifier.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/buzztalk/chat-server/internal/chat"
)

type contextKey string

const userIDKey contextKey = "user_id"

// ConversationStore is the subset of the chat store the API depends on.
type ConversationStore interface {
	CreateOrGet(ctx context.Context, userID, friendID string) (*chat.Conversation, error)
	Get(ctx context.Context, conversationID string) (*chat.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
	Delete(ctx context.Context, conversationID string) error
}

// Directory is the subset of the user directory the API depends on.
type Directory interface {
	IsFriend(ctx context.Context, a, b string) (bool, error)
}

// Notifier pushes the real-time side effects of REST operations to connected
// clients. The hub satisfies this.
type Notifier interface {
	NotifyMessagesRead(conversationID, userID string, at time.Time)
	NotifyChatDeleted(conversationID string)
}

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// API is the REST handler set.
type API struct {
	store    ConversationStore
	users    Directory
	notifier Notifier
	verifier TokenVerifier
}

// New creates an API over the given collaborators.
func New(store ConversationStore, users Directory, notifier Notifier, verifier TokenVerifier) *API {
	return &API{store: store, users: users, notifier: notifier, verifier: verifier}
}

// Routes returns the API's HTTP handler with all endpoints mounted.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chats", a.requireAuth(a.handleCreateChat))
	mux.HandleFunc("GET /api/chats", a.requireAuth(a.handleListChats))
	mux.HandleFunc("GET /api/chats/{id}/messages", a.requireAuth(a.handleListMessages))
	mux.HandleFunc("POST /api/chats/{id}/read", a.requireAuth(a.handleMarkRead))
	mux.HandleFunc("DELETE /api/chats/{id}", a.requireAuth(a.handleDeleteChat))
	return mux
}

// requireAuth validates the Authorization bearer token and stores the user ID
// in the request context.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header.")
			return
		}

		userID, err := a.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token.")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next(w, r.WithContext(ctx))
	}
}

func requestUser(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

// handleCreateChat creates (or returns the existing) conversation between the
// caller and a friend. Two-party conversations are unique per pair regardless
// of how many times or how concurrently this is called.
func (a *API) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)

	var req struct {
		FriendID string `json:"friend_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FriendID == "" {
		writeError(w, http.StatusBadRequest, "friend_id is required")
		return
	}
	if req.FriendID == userID {
		writeError(w, http.StatusBadRequest, "Cannot start a chat with yourself.")
		return
	}

	isFriend, err := a.users.IsFriend(r.Context(), userID, req.FriendID)
	if err != nil {
		serverError(w, "create chat friend check", err)
		return
	}
	if !isFriend {
		writeError(w, http.StatusBadRequest, "You are not friends with this user")
		return
	}

	conv, err := a.store.CreateOrGet(r.Context(), userID, req.FriendID)
	if err != nil {
		serverError(w, "create chat", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleListChats returns the caller's conversations with participants, last
// message, and unread count resolved.
func (a *API) handleListChats(w http.ResponseWriter, r *http.Request) {
	convs, err := a.store.ListForUser(r.Context(), requestUser(r))
	if err != nil {
		serverError(w, "list chats", err)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// handleListMessages returns a conversation's full message history in
// chronological order. Non-participants get 403 whether or not the
// conversation exists.
func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	conversationID := r.PathValue("id")

	ok, err := a.store.IsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		serverError(w, "list messages participant check", err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "Unauthorized to view these messages.")
		return
	}

	messages, err := a.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		serverError(w, "list messages", err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// handleMarkRead advances the caller's read marker to now and broadcasts the
// read receipt to the conversation's room.
func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	conversationID := r.PathValue("id")

	conv, err := a.store.Get(r.Context(), conversationID)
	if errors.Is(err, chat.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Chat not found.")
		return
	}
	if err != nil {
		serverError(w, "mark read lookup", err)
		return
	}
	if !conv.IsParticipant(userID) {
		writeError(w, http.StatusForbidden, "Not a participant.")
		return
	}

	now := time.Now().UTC()
	if err := a.store.MarkRead(r.Context(), conversationID, userID, now); err != nil {
		// The conversation can be deleted between the lookup above and the
		// marker write.
		if errors.Is(err, chat.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Chat not found.")
			return
		}
		serverError(w, "mark read", err)
		return
	}

	a.notifier.NotifyMessagesRead(conversationID, userID, now)

	writeJSON(w, http.StatusOK, struct {
		Message string    `json:"message"`
		At      time.Time `json:"at"`
	}{"Marked as read.", now})
}

// handleDeleteChat deletes a conversation and all of its messages, then
// notifies the room so open clients navigate away.
func (a *API) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	conversationID := r.PathValue("id")

	conv, err := a.store.Get(r.Context(), conversationID)
	if errors.Is(err, chat.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Chat not found.")
		return
	}
	if err != nil {
		serverError(w, "delete chat lookup", err)
		return
	}
	if !conv.IsParticipant(userID) {
		writeError(w, http.StatusForbidden, "Not a participant.")
		return
	}

	if err := a.store.Delete(r.Context(), conversationID); err != nil {
		serverError(w, "delete chat", err)
		return
	}

	a.notifier.NotifyChatDeleted(conversationID)

	writeJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		ChatID  string `json:"chat_id"`
	}{"Chat deleted.", conversationID})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Message string `json:"message"`
	}{message})
}

func serverError(w http.ResponseWriter, op string, err error) {
	log.Printf("httpapi: %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "Server error. Please try again later.")
}
