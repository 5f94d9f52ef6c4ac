// Package chattest provides an in-process fake of the Assemble backend for
// tests: the chat REST surface, the thin auth surface, and a WebSocket
// endpoint implementing the room-scoped event protocol. State lives in
// memory, guarded by one mutex, and every inbound socket event is recorded
// so tests can assert on emission ordering.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"assemble-chat-client/internal/api"
)

// Event is one inbound socket event as the backend saw it.
type Event struct {
	Name     string
	UserID   int64
	PeerID   int64
	Content  string
	IsTyping bool
}

type storedUser struct {
	api.User
}

type storedMessage struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Content    string
	IsRead     bool
	CreatedAt  time.Time
}

func (m *storedMessage) toAPI(viewerID int64) api.Message {
	return api.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		IsRead:     m.IsRead,
		CreatedAt:  api.Timestamp{Time: m.CreatedAt},
		IsOwn:      m.SenderID == viewerID,
	}
}

type wsConn struct {
	conn    *websocket.Conn
	userID  int64
	writeMu sync.Mutex
	rooms   map[string]struct{}
}

func (c *wsConn) write(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(payload)
}

// Server is the fake backend. Construct with NewServer; all exported methods
// are safe for concurrent use.
type Server struct {
	secret   []byte
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	nextUserID    int64
	nextMessageID int64
	users         map[int64]*storedUser
	byUsername    map[string]int64
	messages      []*storedMessage
	notifications map[int64]int64
	conns         map[*wsConn]struct{}
	events        []Event
	historyDelay  map[int64]time.Duration
	sendDelay     time.Duration
}

// NewServer starts the fake backend and registers its shutdown with t.
func NewServer(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		secret:        []byte("chattest-secret"),
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		users:         make(map[int64]*storedUser),
		byUsername:    make(map[string]int64),
		notifications: make(map[int64]int64),
		conns:         make(map[*wsConn]struct{}),
		historyDelay:  make(map[int64]time.Duration),
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/auth/me", s.handleMe)
			r.Get("/auth/users/{id}", s.handleUserByID)
			r.Get("/chat/conversations", s.handleConversations)
			r.Get("/chat/messages/{userID}", s.handleMessages)
			r.Post("/chat/messages", s.handleSendMessage)
			r.Get("/chat/users/search", s.handleSearch)
			r.Get("/chat/unread-count", s.handleUnreadCount)
			r.Get("/notifications/count", s.handleNotificationCount)
		})
	})
	r.Get("/ws", s.handleSocket)

	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)

	return s
}

// URL is the REST base URL (including the /api prefix).
func (s *Server) URL() string { return s.srv.URL + "/api" }

// SocketURL is the WebSocket endpoint.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// AddUser registers a user and returns its profile.
func (s *Server) AddUser(username, fullName string) api.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextUserID++
	u := &storedUser{User: api.User{ID: s.nextUserID, Username: username, FullName: fullName}}
	s.users[u.ID] = u
	s.byUsername[username] = u.ID
	return u.User
}

// TokenFor issues a signed access token for the user.
func (s *Server) TokenFor(u api.User) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": u.Username,
		"uid": u.ID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return token
}

// SeedMessage stores a message directly, bypassing the transports.
func (s *Server) SeedMessage(senderID, receiverID int64, content string, at time.Time) api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.storeMessageLocked(senderID, receiverID, content, at)
	return m.toAPI(senderID)
}

// SetNotificationCount fixes the unread notification count for a user.
func (s *Server) SetNotificationCount(userID, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[userID] = count
}

// DelayHistory makes history fetches for the given peer id respond only
// after d. Used to provoke the stale-response race.
func (s *Server) DelayHistory(peerID int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyDelay[peerID] = d
}

// DelaySend makes the HTTP send endpoint respond only after d.
func (s *Server) DelaySend(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendDelay = d
}

// Events returns a copy of the inbound socket events in arrival order.
func (s *Server) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EmitTo pushes a raw event frame to every connection of the user,
// simulating backend-originated delivery.
func (s *Server) EmitTo(userID int64, event string, data any) {
	s.mu.Lock()
	conns := s.connsOfLocked(userID)
	s.mu.Unlock()

	frame := map[string]any{"event": event, "data": data}
	for _, c := range conns {
		c.write(frame)
	}
}

// UnreadFrom counts stored unread messages from sender to receiver.
func (s *Server) UnreadFrom(senderID, receiverID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.SenderID == senderID && m.ReceiverID == receiverID && !m.IsRead {
			n++
		}
	}
	return n
}

func (s *Server) storeMessageLocked(senderID, receiverID int64, content string, at time.Time) *storedMessage {
	s.nextMessageID++
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m := &storedMessage{
		ID:         s.nextMessageID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  at,
	}
	s.messages = append(s.messages, m)
	return m
}

func (s *Server) connsOfLocked(userID int64) []*wsConn {
	var out []*wsConn
	for c := range s.conns {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

func roomName(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("chat_%d_%d", a, b)
}

// --- auth ---

func (s *Server) userFromToken(raw string) (*storedUser, bool) {
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, false
	}
	uid, ok := claims["uid"].(float64)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[int64(uid)]
	return user, ok
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		user, ok := s.userFromToken(strings.TrimPrefix(header, "Bearer "))
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

// --- REST handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.mu.Lock()
	id, ok := s.byUsername[body.Username]
	var user *storedUser
	if ok {
		user = s.users[id]
	}
	s.mu.Unlock()

	if user == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  s.TokenFor(user.User),
		"refresh_token": "refresh-" + user.Username,
		"user":          user.User,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r.Context()).User)
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad user id")
		return
	}

	s.mu.Lock()
	user, ok := s.users[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	writeJSON(w, http.StatusOK, user.User)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r.Context())

	s.mu.Lock()
	latest := make(map[int64]*storedMessage)
	unread := make(map[int64]int64)
	for _, m := range s.messages {
		var peer int64
		switch {
		case m.SenderID == self.ID:
			peer = m.ReceiverID
		case m.ReceiverID == self.ID:
			peer = m.SenderID
		default:
			continue
		}

		if cur, ok := latest[peer]; !ok || m.CreatedAt.After(cur.CreatedAt) {
			latest[peer] = m
		}
		if m.SenderID == peer && !m.IsRead {
			unread[peer]++
		}
	}

	conversations := make([]api.Conversation, 0, len(latest))
	for peer, last := range latest {
		user, ok := s.users[peer]
		if !ok {
			continue
		}
		conversations = append(conversations, api.Conversation{
			User:        user.User,
			LastMessage: last.toAPI(self.ID),
			UnreadCount: unread[peer],
		})
	}
	s.mu.Unlock()

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastMessage.CreatedAt.After(conversations[j].LastMessage.CreatedAt.Time)
	})

	writeJSON(w, http.StatusOK, conversations)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r.Context())
	peerID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad user id")
		return
	}

	s.mu.Lock()
	delay := s.historyDelay[peerID]
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	page, perPage := 1, 50
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && v > 0 {
		perPage = v
		if perPage > 100 {
			perPage = 100
		}
	}

	s.mu.Lock()
	var between []*storedMessage
	for _, m := range s.messages {
		if (m.SenderID == self.ID && m.ReceiverID == peerID) ||
			(m.SenderID == peerID && m.ReceiverID == self.ID) {
			between = append(between, m)
		}
	}

	// Fetching history marks the peer's messages as read.
	for _, m := range between {
		if m.SenderID == peerID {
			m.IsRead = true
		}
	}

	sort.Slice(between, func(i, j int) bool {
		return between[i].CreatedAt.Before(between[j].CreatedAt)
	})

	total := len(between)
	// Page from the newest end, then serve oldest first within the page.
	start := total - page*perPage
	end := total - (page-1)*perPage
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}

	out := make([]api.Message, 0, end-start)
	for _, m := range between[start:end] {
		out = append(out, m.toAPI(self.ID))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": out,
		"pagination": api.Pagination{
			Page:    page,
			PerPage: perPage,
			Total:   total,
			Pages:   (total + perPage - 1) / perPage,
		},
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r.Context())

	s.mu.Lock()
	delay := s.sendDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	var body struct {
		ReceiverID int64  `json:"receiver_id"`
		Content    string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	body.Content = strings.TrimSpace(body.Content)
	if body.ReceiverID == 0 || body.Content == "" {
		writeError(w, http.StatusBadRequest, "receiver_id and content are required")
		return
	}
	if body.ReceiverID == self.ID {
		writeError(w, http.StatusBadRequest, "cannot send message to yourself")
		return
	}

	s.mu.Lock()
	if _, ok := s.users[body.ReceiverID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "receiver not found")
		return
	}
	m := s.storeMessageLocked(self.ID, body.ReceiverID, body.Content, time.Time{})
	out := m.toAPI(self.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r.Context())
	query := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	out := []api.User{}
	if query != "" {
		s.mu.Lock()
		for _, u := range s.users {
			if u.ID == self.ID {
				continue
			}
			if strings.Contains(strings.ToLower(u.Username), query) ||
				strings.Contains(strings.ToLower(u.FullName), query) {
				out = append(out, u.User)
			}
		}
		s.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r.Context())

	s.mu.Lock()
	var count int64
	for _, m := range s.messages {
		if m.ReceiverID == self.ID && !m.IsRead {
			count++
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]int64{"unread_count": count})
}

func (s *Server) handleNotificationCount(w http.ResponseWriter, r *http.Request) {
	self := currentUser(r.Context())

	s.mu.Lock()
	count := s.notifications[self.ID]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

// --- socket ---

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userFromToken(r.URL.Query().Get("token"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{conn: conn, userID: user.ID, rooms: make(map[string]struct{})}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(c, payload)
	}
}

func (s *Server) handleFrame(c *wsConn, payload []byte) {
	var f struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return
	}

	switch f.Event {
	case "join_chat", "leave_chat":
		var data struct {
			UserID      int64 `json:"user_id"`
			OtherUserID int64 `json:"other_user_id"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return
		}

		room := roomName(data.UserID, data.OtherUserID)
		s.mu.Lock()
		if f.Event == "join_chat" {
			c.rooms[room] = struct{}{}
		} else {
			delete(c.rooms, room)
		}
		s.events = append(s.events, Event{Name: f.Event, UserID: data.UserID, PeerID: data.OtherUserID})
		s.mu.Unlock()

	case "send_message":
		var data struct {
			SenderID   int64  `json:"sender_id"`
			ReceiverID int64  `json:"receiver_id"`
			Content    string `json:"content"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return
		}
		data.Content = strings.TrimSpace(data.Content)
		if data.SenderID == 0 || data.ReceiverID == 0 || data.Content == "" {
			return
		}

		room := roomName(data.SenderID, data.ReceiverID)

		s.mu.Lock()
		m := s.storeMessageLocked(data.SenderID, data.ReceiverID, data.Content, time.Time{})
		s.events = append(s.events, Event{
			Name:    f.Event,
			UserID:  data.SenderID,
			PeerID:  data.ReceiverID,
			Content: data.Content,
		})

		var members []*wsConn
		for conn := range s.conns {
			if _, ok := conn.rooms[room]; ok {
				members = append(members, conn)
			}
		}
		s.mu.Unlock()

		frame := map[string]any{
			"event": "new_message",
			"data": map[string]any{
				"id":          m.ID,
				"sender_id":   m.SenderID,
				"receiver_id": m.ReceiverID,
				"content":     m.Content,
				"is_read":     m.IsRead,
				"created_at":  m.CreatedAt.Format(time.RFC3339Nano),
			},
		}
		for _, member := range members {
			member.write(frame)
		}

	case "typing":
		var data struct {
			UserID      int64 `json:"user_id"`
			OtherUserID int64 `json:"other_user_id"`
			IsTyping    bool  `json:"is_typing"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return
		}

		room := roomName(data.UserID, data.OtherUserID)

		s.mu.Lock()
		s.events = append(s.events, Event{
			Name:     f.Event,
			UserID:   data.UserID,
			PeerID:   data.OtherUserID,
			IsTyping: data.IsTyping,
		})

		var members []*wsConn
		for conn := range s.conns {
			if conn == c {
				continue // typing is never echoed to its source
			}
			if _, ok := conn.rooms[room]; ok {
				members = append(members, conn)
			}
		}
		s.mu.Unlock()

		frame := map[string]any{
			"event": "user_typing",
			"data":  map[string]any{"user_id": data.UserID, "is_typing": data.IsTyping},
		}
		for _, member := range members {
			member.write(frame)
		}
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
