package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBufferSize = 256

	// maxConcurrentAccessChecks bounds the verify-access calls a single
	// join-conversations frame has in flight.
	maxConcurrentAccessChecks = 8
)

// ConversationAuthorizer decides whether a user may join a conversation room.
type ConversationAuthorizer interface {
	AuthorizeConversation(ctx context.Context, userID, conversationID, credential string) bool
}

// Session is one authenticated WebSocket connection. Its room set is owned
// by the Hub and only changed on the Hub goroutine.
type Session struct {
	id         string
	user       auth.User
	credential string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	authorizer ConversationAuthorizer
	addr       string
	closed     bool
	rooms      map[string]struct{}

	maxMessageSize int64
	limiter        *rateLimiter
	rateLimit      config.RateLimitConfig

	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

// NewSession creates a Session for an authenticated user. conn may be nil
// in tests that drive the Hub directly.
func NewSession(conn *websocket.Conn, hub *Hub, user auth.User, credential string, authorizer ConversationAuthorizer, addr string, cfg *config.Config, log *zap.Logger) *Session {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(hub.ctx)

	return &Session{
		id:             id,
		user:           user,
		credential:     credential,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		authorizer:     authorizer,
		addr:           addr,
		rooms:          make(map[string]struct{}),
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		ctx:            ctx,
		cancel:         cancel,
		log: log.With(
			zap.String("session_id", id),
			zap.String("user_id", user.ID.String()),
			zap.String("remote_addr", addr)),
	}
}

// ID returns the connection identifier.
func (s *Session) ID() string { return s.id }

// User returns the authenticated user.
func (s *Session) User() auth.User { return s.user }

// Rooms returns the sorted names of the rooms the session belongs to.
func (s *Session) Rooms() []string { return s.hub.roomsOf(s) }

// InRoom reports whether the session currently belongs to room.
func (s *Session) InRoom(room string) bool {
	s.hub.mutex.RLock()
	defer s.hub.mutex.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

// GetSendChan returns the session's outbound queue.
func (s *Session) GetSendChan() <-chan []byte {
	return s.send
}

func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warn("Error setting initial read deadline", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.Warn("Error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching its cause.
// Every read error ends the read loop.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("Message exceeded maximum size", zap.Int64("max_bytes", s.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.log.Info("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Info("Connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.log.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		s.log.Warn("WebSocket read error", zap.Error(err))
	}
}

func (s *Session) checkRateLimit() bool {
	if s.limiter != nil && !s.limiter.allow() {
		s.log.Warn("Rate limit exceeded; rejecting message",
			zap.Int("burst", s.rateLimit.Burst),
			zap.Duration("refill_interval", s.rateLimit.RefillInterval))
		return false
	}
	return true
}

func (s *Session) readPump() {
	defer func() {
		s.cancel()
		s.hub.unregisterSession(s)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("Error closing connection in readPump", zap.Error(err))
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if !s.checkRateLimit() {
			s.sendError(msgRateLimited)
			continue
		}

		s.dispatch(raw)
		s.extendReadDeadline()
	}
}

// extendReadDeadline restarts the pong window once a frame has been handled,
// since pongs queued behind a slow join are only read afterwards.
func (s *Session) extendReadDeadline() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warn("Error extending read deadline", zap.Error(err))
	}
}

// dispatch routes one inbound frame. Frames are handled one at a time, so
// a client's requests take effect in the order it sent them.
func (s *Session) dispatch(raw []byte) {
	frame, err := decodeFrame(raw)
	if err != nil {
		s.log.Debug("Invalid frame", zap.Error(err))
		s.sendError(msgInvalidFrame)
		return
	}

	switch frame.Event {
	case EventJoinConversations:
		s.handleJoin(frame.Data)
	case EventLeaveConversation:
		s.handleLeave(frame.Data)
	default:
		s.log.Debug("Ignoring unknown event", zap.String("event", frame.Event))
	}
}

func (s *Session) handleJoin(data json.RawMessage) {
	ids, ok := decodeConversationIDs(data, s.log)
	if !ok {
		s.sendError(msgJoinExpectsArray)
		return
	}

	granted := make([]bool, len(ids))
	var g errgroup.Group
	g.SetLimit(maxConcurrentAccessChecks)
	for i, id := range ids {
		g.Go(func() error {
			granted[i] = s.authorizeConversation(id)
			return nil
		})
	}
	_ = g.Wait()

	joined := 0
	for i, id := range ids {
		if !granted[i] {
			continue
		}
		room := ConversationRoom(id.String())
		s.hub.Join(s, room)
		s.log.Debug("Joined conversation", zap.String("room", room))
		joined++
	}
	s.log.Info("Processed join-conversations",
		zap.Int("requested", len(ids)),
		zap.Int("joined", joined))
}

// authorizeConversation runs the access check for a single conversation. A
// failure here never affects the other ids of the same request.
func (s *Session) authorizeConversation(id auth.ID) (granted bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from panic while authorizing conversation",
				zap.String("conversation_id", id.String()),
				zap.Any("panic", r))
			granted = false
		}
	}()

	if !s.authorizer.AuthorizeConversation(s.ctx, s.user.ID.String(), id.String(), s.credential) {
		s.log.Info("Conversation access denied", zap.String("conversation_id", id.String()))
		return false
	}
	return true
}

func (s *Session) handleLeave(data json.RawMessage) {
	var id auth.ID
	if err := json.Unmarshal(data, &id); err != nil {
		s.log.Debug("Invalid leave-conversation payload", zap.Error(err))
		s.sendError(msgLeaveExpectsID)
		return
	}

	room := ConversationRoom(id.String())
	s.hub.Leave(s, room)
	s.log.Debug("Left conversation", zap.String("room", room))
}

func (s *Session) sendError(message string) {
	payload, err := encodeError(message)
	if err != nil {
		s.log.Error("Failed to encode error event", zap.Error(err))
		return
	}
	if !s.hub.safeSend(s, payload) {
		s.log.Warn("Could not queue error event", zap.String("message", message))
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-s.send:
		return s.handleMessage(message, ok)
	case <-ticker.C:
		return s.handlePing()
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("Error closing connection in writePump", zap.Error(err))
	}
}

func (s *Session) handleMessage(message []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn("Error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return s.writeCloseMessage()
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warn("Error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

func (s *Session) writeCloseMessage() bool {
	if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("Error writing close message", zap.Error(err))
	}
	return false
}

func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.log.Warn("Error writing ping message", zap.Error(err))
		return false
	}
	return true
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (user %s)", s.id, s.user.ID)
}
