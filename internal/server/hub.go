package server

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

type membershipChange struct {
	session *Session
	room    string
}

type roomEmission struct {
	room    string
	event   string
	payload []byte
}

// Hub owns every live session and the room index. All mutations happen on
// the Run goroutine; the mutex only protects snapshot reads made from
// other goroutines.
type Hub struct {
	sessions   map[*Session]struct{}
	rooms      map[string]map[*Session]struct{}
	register   chan *Session
	unregister chan *Session
	join       chan membershipChange
	leave      chan membershipChange
	emit       chan roomEmission
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        *zap.Logger
}

// NewHub creates a Hub. Call Run to start processing.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   make(map[*Session]struct{}),
		rooms:      make(map[string]map[*Session]struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		join:       make(chan membershipChange),
		leave:      make(chan membershipChange),
		emit:       make(chan roomEmission),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log.Named("hub"),
	}
}

// Register hands a freshly authenticated session to the hub. The session
// is placed in its user room before its pumps start. It returns false if
// the hub is shutting down.
func (h *Hub) Register(s *Session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Join adds s to room. Joining twice is a no-op.
func (h *Hub) Join(s *Session, room string) {
	select {
	case h.join <- membershipChange{session: s, room: room}:
	case <-h.ctx.Done():
	}
}

// Leave removes s from room. Leaving a room s is not in is a no-op.
func (h *Hub) Leave(s *Session, room string) {
	select {
	case h.leave <- membershipChange{session: s, room: room}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) unregisterSession(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.ctx.Done():
	}
}

// EmitToRoom sends event with data to every session currently in room.
// Nothing is queued for rooms without members.
func (h *Hub) EmitToRoom(room, event string, data json.RawMessage) {
	payload, err := encodeFrame(event, data)
	if err != nil {
		h.log.Error("Failed to encode room event", zap.String("room", room), zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case h.emit <- roomEmission{room: room, event: event, payload: payload}:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case s := <-h.register:
			h.handleRegister(s)

		case s := <-h.unregister:
			if h.removeSession(s) {
				h.log.Info("Session unregistered",
					zap.String("session_id", s.id),
					zap.String("user_id", s.user.ID.String()),
					zap.Int("sessions", h.SessionCount()))
			}

		case change := <-h.join:
			h.addMember(change.session, change.room)

		case change := <-h.leave:
			h.removeMember(change.session, change.room)

		case e := <-h.emit:
			h.handleEmit(e)
		}
	}
}

func (h *Hub) handleRegister(s *Session) {
	if s == nil {
		h.log.Warn("Received nil session registration; skipping")
		return
	}

	userRoom := UserRoom(s.user.ID.String())

	h.mutex.Lock()
	s.closed = false
	h.sessions[s] = struct{}{}
	h.addMemberLocked(s, userRoom)
	count := len(h.sessions)
	h.mutex.Unlock()

	h.log.Info("Session registered",
		zap.String("session_id", s.id),
		zap.String("user_id", s.user.ID.String()),
		zap.String("remote_addr", s.addr),
		zap.String("room", userRoom),
		zap.Int("sessions", count))

	if s.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump()
	}()
}

func (h *Hub) addMember(s *Session, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.sessions[s]; !ok {
		return
	}
	h.addMemberLocked(s, room)
	h.log.Debug("Session joined room", zap.String("session_id", s.id), zap.String("room", room))
}

func (h *Hub) addMemberLocked(s *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) removeMember(s *Session, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := s.rooms[room]; !ok {
		return
	}
	h.removeMemberLocked(s, room)
	h.log.Debug("Session left room", zap.String("session_id", s.id), zap.String("room", room))
}

func (h *Hub) removeMemberLocked(s *Session, room string) {
	delete(s.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// removeSession drops s and every membership it holds, then closes its
// send channel. It reports whether s was registered.
func (h *Hub) removeSession(s *Session) bool {
	h.mutex.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mutex.Unlock()
		return false
	}
	delete(h.sessions, s)
	for room := range s.rooms {
		h.removeMemberLocked(s, room)
	}
	s.closed = true
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(s.send)
	return true
}

func (h *Hub) handleEmit(e roomEmission) {
	members := h.roomSnapshot(e.room)
	if len(members) == 0 {
		h.log.Debug("No sessions in room; dropping event", zap.String("room", e.room), zap.String("event", e.event))
		return
	}

	h.log.Debug("Emitting event to room",
		zap.String("room", e.room),
		zap.String("event", e.event),
		zap.Int("sessions", len(members)))

	var failed []*Session
	for _, s := range members {
		if !h.safeSend(s, e.payload) {
			failed = append(failed, s)
		}
	}
	h.removeFailedSessions(failed)
}

func (h *Hub) safeSend(s *Session, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Recovered from panic in safeSend", zap.Any("panic", r))
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.sessions[s]; !exists || s.closed {
		return false
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// removeFailedSessions disconnects sessions whose send buffer is full.
func (h *Hub) removeFailedSessions(failed []*Session) {
	for _, s := range failed {
		if h.removeSession(s) {
			h.log.Warn("Session removed due to full send buffer",
				zap.String("session_id", s.id),
				zap.String("remote_addr", s.addr))
		}
	}
}

func (h *Hub) roomSnapshot(room string) []*Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return lo.Keys(h.rooms[room])
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// Sessions returns a snapshot of the registered sessions.
func (h *Hub) Sessions() []*Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return lo.Keys(h.sessions)
}

// RoomMembers returns the sorted ids of the sessions in room.
func (h *Hub) RoomMembers(room string) []string {
	h.mutex.RLock()
	ids := lo.MapToSlice(h.rooms[room], func(s *Session, _ struct{}) string { return s.id })
	h.mutex.RUnlock()
	slices.Sort(ids)
	return ids
}

func (h *Hub) roomsOf(s *Session) []string {
	h.mutex.RLock()
	rooms := lo.Keys(s.rooms)
	h.mutex.RUnlock()
	slices.Sort(rooms)
	return rooms
}

// shutdownSessions closes every client connection.
func (h *Hub) shutdownSessions() {
	h.log.Info("Shutting down all sessions...")

	sessions := h.Sessions()
	for _, s := range sessions {
		s.cancel()
		if s.conn != nil {
			if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn("Error closing session connection", zap.String("remote_addr", s.addr), zap.Error(err))
			}
		}
	}

	h.log.Info("Closed session connections", zap.Int("sessions", len(sessions)))
}

// Shutdown stops the hub and waits for all session goroutines to finish,
// or until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
