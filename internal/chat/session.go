package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.
)

// clientFrame is what the frontend sends over the socket.
type clientFrame struct {
	Action         string      `json:"action"` // open | send | typing | mark_read
	ConversationID string      `json:"conversation_id,omitempty"`
	Content        string      `json:"content,omitempty"`
	Type           MessageType `json:"message_type,omitempty"`
	IsTyping       bool        `json:"is_typing,omitempty"`
}

// serverFrame is what we push back.
type serverFrame struct {
	Type           string `json:"type"` // conversations | messages | typing | users | error
	ConversationID string `json:"conversation_id,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// Session owns the live sync state for one connected client: its directory,
// its user list, and at most one open message stream. All pushes go through
// the buffered send channel and one write pump; all teardown is
// deterministic and happens before (or as part of) establishing new scope.
type Session struct {
	store    Store
	bus      Bus
	debounce time.Duration
	log      zerolog.Logger
	userID   string

	conn *websocket.Conn
	send chan []byte

	directory *Directory
	users     *UserDirectory

	mu     sync.Mutex
	stream *Stream
	closed bool

	closeOnce sync.Once
}

func NewSession(store Store, bus Bus, userID string, debounce time.Duration, conn *websocket.Conn, log zerolog.Logger) *Session {
	return &Session{
		store:    store,
		bus:      bus,
		debounce: debounce,
		userID:   userID,
		conn:     conn,
		send:     make(chan []byte, 256),
		log:      log.With().Str("component", "session").Str("user_id", userID).Logger(),
	}
}

// Run starts the directory, the user list, and both socket pumps, then
// blocks until the connection drops. Everything is torn down on return.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	s.directory = NewDirectory(s.store, s.bus, s.userID, s.log)
	s.directory.SetOnChange(func() { s.pushConversations() })
	if err := s.directory.Start(ctx); err != nil {
		s.log.Error().Err(err).Msg("directory start failed")
		s.pushError(err)
	}

	s.users = NewUserDirectory(s.store, s.bus, s.userID, s.log)
	s.users.SetOnChange(func() { s.pushUsers() })
	if err := s.users.Start(ctx); err != nil {
		s.log.Error().Err(err).Msg("user directory start failed")
		s.pushError(err)
	}

	s.pushConversations()
	s.pushUsers()

	go s.writePump()
	s.readPump(ctx)
}

// readPump pumps frames from the websocket into the engine.
func (s *Session) readPump(ctx context.Context) {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Error().Err(err).Msg("websocket read error")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.pushError(err)
			continue
		}
		s.handle(ctx, frame)
	}
}

// writePump pumps queued frames to the websocket and keeps the connection
// alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, frame clientFrame) {
	switch frame.Action {
	case "open":
		s.openConversation(ctx, frame.ConversationID)

	case "send":
		stream := s.currentStream()
		if stream == nil {
			return
		}
		if _, err := stream.Send(ctx, frame.Content, frame.Type); err != nil {
			s.pushError(err)
		}

	case "typing":
		stream := s.currentStream()
		if stream == nil {
			return
		}
		if err := stream.SetTyping(ctx, frame.IsTyping); err != nil {
			s.pushError(err)
		}

	case "mark_read":
		stream := s.currentStream()
		if stream == nil {
			return
		}
		if err := stream.MarkAsRead(ctx); err != nil {
			s.pushError(err)
		}

	default:
		s.log.Debug().Str("action", frame.Action).Msg("unknown frame action")
	}
}

// openConversation switches the open stream. The previous stream's
// subscriptions and debounce timer are torn down before the new one starts,
// so a late event from the old conversation can't touch the new view.
func (s *Session) openConversation(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}

	s.mu.Lock()
	old := s.stream
	s.stream = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	stream := NewStream(s.store, s.bus, s.userID, conversationID, s.debounce, s.log)
	stream.SetOnChange(func() { s.pushStream(stream) })
	if err := stream.Start(ctx); err != nil {
		s.log.Error().Err(err).Str("conversation_id", conversationID).Msg("stream start failed")
		s.pushError(err)
		stream.Close()
		return
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	// Opening a conversation reads it.
	if err := stream.MarkAsRead(ctx); err != nil {
		s.pushError(err)
	}
	s.pushStream(stream)
}

func (s *Session) currentStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		stream := s.stream
		s.stream = nil
		s.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		if s.directory != nil {
			s.directory.Close()
		}
		if s.users != nil {
			s.users.Close()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.send)
	})
}

func (s *Session) pushConversations() {
	s.push(serverFrame{Type: "conversations", Data: s.directory.Conversations()})
}

func (s *Session) pushUsers() {
	s.push(serverFrame{Type: "users", Data: s.users.Users()})
}

func (s *Session) pushStream(stream *Stream) {
	s.push(serverFrame{
		Type:           "messages",
		ConversationID: stream.ConversationID(),
		Data:           stream.Messages(),
	})

	typing := stream.TypingUsers()
	names := make([]string, 0, len(typing))
	for _, p := range typing {
		names = append(names, p.DisplayName)
	}
	s.push(serverFrame{
		Type:           "typing",
		ConversationID: stream.ConversationID(),
		Data: map[string]any{
			"users": typing,
			"text":  FormatTypingNames(names),
		},
	})
}

func (s *Session) pushError(err error) {
	if err == nil {
		return
	}
	s.push(serverFrame{Type: "error", Data: err.Error()})
}

func (s *Session) push(frame serverFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("frame marshal failed")
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	defer s.mu.Unlock()
	select {
	case s.send <- payload:
	default:
		// Slow consumer; drop the frame rather than block the engine.
		s.log.Debug().Str("type", frame.Type).Msg("send buffer full, frame dropped")
	}
}
