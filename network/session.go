package network

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaychat/storage"
)

// Replies sent to clients as ERR payloads.
const (
	errTextUsernameInUse        = "Username already in use."
	errTextUsernameAlreadySet   = "Username already set."
	errTextUsernameMissing      = "You need to specify a username."
	errTextUsernameInvalid      = "Invalid username."
	errTextInvalidConfig        = "Invalid CFG message sent."
	errTextConnectTargetMissing = "You need to specify a user to connect to."
	errTextUsernameRequired     = "You need to set a username first."
	errTextSelfChat             = "You cannot chat with yourself."
	errTextUsernameNotFound     = "Username not found."
	errTextDisconnectMissing    = "You need to specify a user to disconnect from."
	errTextInvalidCommand       = "Invalid CMD message sent."
	errTextBadMessage           = "Badly constructed message."
	errTextInvalidTag           = "Message sent with an invalid tag."
	errTextServerFull           = "Server is at capacity."
	errTextRateLimited          = "Too many connections, try again later."
)

func errTextAlreadyChatting(name string) string {
	return fmt.Sprintf("You are already chatting with %s.", name)
}

func errTextNotChatting(name string) string {
	return fmt.Sprintf("You are not chatting with %s.", name)
}

// Session is the server side of one chat connection.
type Session struct {
	id       uuid.UUID
	conn     net.Conn
	addr     string
	reader   *FrameReader
	registry *Registry
	store    *storage.Store
	logger   *zap.Logger

	sendMu sync.Mutex

	// Guarded by registry.mu.
	username string
	peers    map[string]*Session

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newSession(conn net.Conn, registry *Registry, store *storage.Store, logger *zap.Logger, bufferSize int) *Session {
	id := uuid.New()
	addr := conn.RemoteAddr().String()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		id:       id,
		conn:     conn,
		addr:     addr,
		reader:   NewFrameReader(conn, bufferSize),
		registry: registry,
		store:    store,
		logger:   logger.With(zap.String("session_id", id.String()), zap.String("remote_addr", addr)),
		peers:    make(map[string]*Session),
		closed:   make(chan struct{}),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id.String()
}

// RemoteAddr returns the client address the session was accepted from.
func (s *Session) RemoteAddr() string {
	return s.addr
}

// Username returns the claimed username or "" before authentication.
func (s *Session) Username() string {
	return s.registry.usernameOf(s)
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns the transport error that ended the session, if any.
func (s *Session) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// Close tears the session down, notifying any paired peers.
func (s *Session) Close() error {
	s.terminate(nil)
	return nil
}

// serve runs the read loop until the transport fails or the client exits.
func (s *Session) serve() {
	s.logger.Info("session opened")
	s.audit(storage.SessionEventConnected, "")

	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, ErrUnknownTag):
				s.replyError(errTextInvalidTag)
				continue
			case errors.Is(err, ErrMalformedFrame), errors.Is(err, ErrFrameTooLarge):
				s.replyError(errTextBadMessage)
				continue
			}
			s.terminate(err)
			return
		}

		if exit := s.dispatch(frame); exit {
			s.terminate(nil)
			return
		}
	}
}

func (s *Session) dispatch(frame Frame) bool {
	switch frame.Tag {
	case TagCFG:
		s.handleConfig(frame.Payload)
	case TagCMD:
		return s.handleCommand(frame.Payload)
	case TagMSG:
		s.handleMessage(frame.Payload)
	default:
		// ERR, LIST and FILE only travel server to client.
		s.replyError(errTextInvalidTag)
	}
	return false
}

func (s *Session) handleConfig(payload string) {
	key, value := SplitCommand(payload)
	if key != ConfigSetUsername {
		s.replyError(errTextInvalidConfig)
		return
	}
	if value == "" {
		s.replyError(errTextUsernameMissing)
		return
	}

	if err := s.registry.ClaimUsername(s, value); err != nil {
		switch {
		case errors.Is(err, ErrUsernameAlreadySet):
			s.replyError(errTextUsernameAlreadySet)
		case errors.Is(err, ErrUsernameTaken):
			s.replyError(errTextUsernameInUse)
		case errors.Is(err, ErrUsernameInvalid):
			s.replyError(errTextUsernameInvalid)
		default:
			s.logger.Warn("claim username failed", zap.Error(err))
			s.replyError(errTextInvalidConfig)
		}
		return
	}

	s.logger.Info("username claimed", zap.String("username", value))
	s.audit(storage.SessionEventUsernameClaimed, "")
	_ = s.send(TagCFG, ReplySuccess)
}

func (s *Session) handleCommand(payload string) bool {
	verb, arg := SplitCommand(payload)
	switch verb {
	case CommandList:
		_ = s.send(TagLIST, JoinUserList(s.registry.ListOnline()))
	case CommandConnect:
		s.handleConnect(arg)
	case CommandDisconnect:
		s.handleDisconnect(arg)
	case CommandExit:
		return true
	default:
		s.replyError(errTextInvalidCommand)
	}
	return false
}

func (s *Session) handleConnect(target string) {
	if target == "" {
		s.replyError(errTextConnectTargetMissing)
		return
	}

	peer, err := s.registry.Link(s, target)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotAuthenticated):
			s.replyError(errTextUsernameRequired)
		case errors.Is(err, ErrSelfLink):
			s.replyError(errTextSelfChat)
		case errors.Is(err, ErrUserNotFound):
			s.replyError(errTextUsernameNotFound)
		case errors.Is(err, ErrAlreadyLinked):
			s.replyError(errTextAlreadyChatting(target))
		default:
			s.logger.Warn("link sessions failed", zap.String("peer", target), zap.Error(err))
			s.replyError(errTextInvalidCommand)
		}
		return
	}

	self := s.Username()
	s.logger.Info("peers linked", zap.String("username", self), zap.String("peer", target))
	s.audit(storage.SessionEventPeerLinked, target)
	_ = peer.send(TagCMD, JoinCommand(CommandConnect, self))
	_ = s.send(TagCMD, ReplySuccess)
}

func (s *Session) handleDisconnect(target string) {
	if target == "" {
		s.replyError(errTextDisconnectMissing)
		return
	}

	peer, err := s.registry.Unlink(s, target)
	if err != nil {
		s.replyError(errTextNotChatting(target))
		return
	}

	self := s.Username()
	s.logger.Info("peers unlinked", zap.String("username", self), zap.String("peer", target))
	s.audit(storage.SessionEventPeerUnlinked, target)
	_ = peer.send(TagCMD, JoinCommand(CommandDisconnect, self))
	_ = s.send(TagCMD, ReplySuccess)
}

func (s *Session) handleMessage(payload string) {
	target, text, err := SplitMessage(payload)
	if err != nil || strings.ContainsAny(payload, "\r\n") {
		// A stray carriage return cannot be relayed on one line.
		s.replyError(errTextBadMessage)
		return
	}

	self := s.Username()
	if self == "" {
		s.replyError(errTextUsernameRequired)
		return
	}

	peer, ok := s.registry.LinkedPeer(s, target)
	if !ok {
		s.replyError(errTextNotChatting(target))
		return
	}

	if err := peer.send(TagMSG, JoinMessage(self, text)); err != nil {
		s.logger.Debug("relay message failed", zap.String("peer", target), zap.Error(err))
	}
}

// Notify writes one server-originated frame to the client.
func (s *Session) Notify(tag Tag, payload string) error {
	return s.send(tag, payload)
}

// replyError answers with text, or with the generic bad-message reply when
// text echoes client input that cannot be framed.
func (s *Session) replyError(text string) {
	if err := s.send(TagERR, text); errors.Is(err, ErrInvalidPayload) {
		_ = s.send(TagERR, errTextBadMessage)
	}
}

// send serialises one frame onto the socket. A failed write closes the
// connection so the owning read loop tears the session down.
func (s *Session) send(tag Tag, payload string) error {
	s.sendMu.Lock()
	err := WriteFrame(s.conn, tag, payload)
	s.sendMu.Unlock()

	if err != nil && !errors.Is(err, ErrInvalidPayload) {
		_ = s.conn.Close()
	}
	return err
}

func (s *Session) terminate(cause error) {
	s.closeOnce.Do(func() {
		if cause != nil {
			s.errMu.Lock()
			s.closeErr = cause
			s.errMu.Unlock()
		}

		name := s.registry.usernameOf(s)
		peers := s.registry.Detach(s)
		for _, peer := range peers {
			_ = peer.send(TagCMD, JoinCommand(CommandDisconnect, name))
		}
		_ = s.conn.Close()

		fields := []zap.Field{zap.String("username", name), zap.Int("peers", len(peers))}
		if cause != nil && !isClosedConnError(cause) {
			fields = append(fields, zap.Error(cause))
		}
		s.logger.Info("session closed", fields...)

		details := ""
		if cause != nil {
			details = cause.Error()
		}
		s.audit(storage.SessionEventDisconnected, details)
		close(s.closed)
	})
}

func (s *Session) audit(eventType, details string) {
	if s.store == nil {
		return
	}

	var username *string
	if name := s.registry.usernameOf(s); name != "" {
		username = &name
	}
	if err := s.store.RecordSessionEvent(storage.SessionEvent{
		EventType:  eventType,
		RemoteAddr: s.addr,
		Username:   username,
		Details:    details,
	}); err != nil {
		s.logger.Warn("record session event failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
