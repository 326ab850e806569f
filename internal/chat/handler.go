package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatsync/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// In prod, check origin to prevent CSRF. For dev we allow all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler exposes the sync engine over REST and websocket. REST calls use
// one-shot components (no subscriptions); the websocket path owns a live
// Session per connection.
type Handler struct {
	store    Store
	bus      Bus
	debounce time.Duration
	log      zerolog.Logger

	// Typing channels are stateful: the debounce timer must survive across
	// requests so a follow-up keystroke restarts it instead of racing an
	// orphaned one. One channel per (user, conversation), created on first
	// use.
	typingMu sync.Mutex
	typing   map[string]*TypingChannel
}

func NewHandler(store Store, bus Bus, debounce time.Duration, log zerolog.Logger) *Handler {
	return &Handler{
		store:    store,
		bus:      bus,
		debounce: debounce,
		log:      log,
		typing:   make(map[string]*TypingChannel),
	}
}

func (h *Handler) typingChannel(userID, conversationID string) *TypingChannel {
	key := userID + "|" + conversationID
	h.typingMu.Lock()
	defer h.typingMu.Unlock()
	t, ok := h.typing[key]
	if !ok {
		t = NewTypingChannel(h.store, h.bus, userID, conversationID, h.debounce, h.log)
		h.typing[key] = t
	}
	return t
}

// Routes mounts the authenticated API.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/conversations", h.ListConversations)
	r.Post("/conversations", h.CreatePrivate)
	r.Post("/groups", h.CreateGroup)
	r.Get("/conversations/{id}/messages", h.GetMessages)
	r.Post("/conversations/{id}/messages", h.SendMessage)
	r.Post("/conversations/{id}/read", h.MarkRead)
	r.Post("/conversations/{id}/typing", h.SetTyping)
	r.Get("/users", h.ListUsers)
	r.Get("/users/search", h.SearchUsers)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	d := NewDirectory(h.store, h.bus, userID, h.log)
	if err := d.Refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d.Conversations())
}

func (h *Handler) CreatePrivate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	d := NewDirectory(h.store, h.bus, userID, h.log)
	conv, err := d.CreatePrivate(r.Context(), req.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Name      string   `json:"name"`
		MemberIDs []string `json:"member_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d := NewDirectory(h.store, h.bus, userID, h.log)
	conv, err := d.CreateGroup(r.Context(), req.Name, req.MemberIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if conv == nil {
		// Rejected locally: blank name or no members.
		http.Error(w, "name and member_ids are required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s := NewStream(h.store, h.bus, userID, chi.URLParam(r, "id"), h.debounce, h.log)
	if err := s.Load(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.Messages())
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Content string      `json:"content"`
		Type    MessageType `json:"message_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s := NewStream(h.store, h.bus, userID, chi.URLParam(r, "id"), h.debounce, h.log)
	msg, err := s.Send(r.Context(), req.Content, req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msg == nil {
		// Empty content after trim is a no-op, not an error.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s := NewStream(h.store, h.bus, userID, chi.URLParam(r, "id"), h.debounce, h.log)
	if err := s.MarkAsRead(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetTyping(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The debounced stop-typing write outlives this request; detach it
	// from the request's cancellation.
	ctx := context.WithoutCancel(r.Context())
	t := h.typingChannel(userID, chi.URLParam(r, "id"))
	var err error
	if req.IsTyping {
		err = t.Ping(ctx)
	} else {
		err = t.Stop(ctx)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	u := NewUserDirectory(h.store, h.bus, userID, h.log)
	if err := u.Refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, u.Users())
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	u := NewUserDirectory(h.store, h.bus, userID, h.log)
	results, err := u.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// ServeWs upgrades the connection and hands it to a live Session.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := NewSession(h.store, h.bus, userID, h.debounce, conn, h.log)
	go sess.Run(context.Background())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
