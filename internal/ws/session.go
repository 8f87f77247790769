package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vestnik/internal/auth"
	"vestnik/internal/content"
	"vestnik/internal/models"
)

// DefaultGraceDelay is how long a session waits between writing a
// fatal auth-failure event and closing the transport, so the event
// is not torn down with the connection.
const DefaultGraceDelay = 500 * time.Millisecond

const outboundBuffer = 100

type wsConn interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type TokenVerifier interface {
	Verify(token string) (string, error)
}

// MessageStore is the persistence boundary the gateway needs. The
// bbolt implementation lives in internal/storage.
type MessageStore interface {
	Save(msg models.Message) (models.Message, error)
	Conversation(userID, otherUserID string, limit int) ([]models.Message, error)
	MarkRead(senderID, receiverID string) error
	Conversations(userID string) ([]models.ConversationSummary, error)
}

type SessionConfig struct {
	Conn     wsConn
	Hub      *Hub
	Store    MessageStore
	Verifier TokenVerifier

	// HandshakeToken is the credential extracted from the connection
	// handshake; empty when the client presented none.
	HandshakeToken string

	GraceDelay time.Duration
	Logger     *slog.Logger
}

// Session owns one connection: its transport, its identity (mutable
// across re-authentication) and its refresh limiter. Inbound events
// are processed strictly in arrival order by the session goroutine.
type Session struct {
	ws       wsConn
	hub      *Hub
	store    MessageStore
	verifier TokenVerifier
	log      *slog.Logger

	handshakeToken string
	graceDelay     time.Duration

	// Auth state owned by the session goroutine; only the identity
	// value is copied out to the registry.
	userID  string
	limiter *refreshLimiter

	fromClient chan models.ClientEvent
	outbound   chan models.ServerEvent
	errorCh    chan error
	graceOnce  sync.Once

	now func() time.Time
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = DefaultGraceDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		ws:             cfg.Conn,
		hub:            cfg.Hub,
		store:          cfg.Store,
		verifier:       cfg.Verifier,
		log:            cfg.Logger,
		handshakeToken: cfg.HandshakeToken,
		graceDelay:     cfg.GraceDelay,
		limiter:        newRefreshLimiter(),
		fromClient:     make(chan models.ClientEvent),
		outbound:       make(chan models.ServerEvent, outboundBuffer),
		errorCh:        make(chan error, 2),
		now:            time.Now,
	}
}

// enqueue hands an event to the session's write loop. It reports
// false when the session cannot accept it (buffer full).
func (s *Session) enqueue(event models.ServerEvent) bool {
	select {
	case s.outbound <- event:
		return true
	default:
		return false
	}
}

func (s *Session) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !s.handshake() {
		_ = s.ws.Close()
		return nil
	}

	defer func() {
		close(s.fromClient)
		close(s.errorCh)
		if s.userID != "" {
			s.hub.registry.Unregister(s.userID, s)
		}
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		s.errorCh <- s.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		s.errorCh <- s.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-s.errorCh:
	case <-ctx.Done():
	}
	_ = s.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// handshake establishes the initial identity from the handshake
// credential. It returns false when the connection must be closed
// right away without entering the event loops.
func (s *Session) handshake() bool {
	identity, err := s.verifier.Verify(s.handshakeToken)
	switch {
	case errors.Is(err, auth.ErrNoToken):
		s.log.Warn("connection rejected: no token provided")
		_ = s.writeEvent(authErrorEvent(models.AuthErrorNoToken, "no authentication token provided"))
		return false
	case err != nil:
		payload := classifyAuthError(err)
		s.log.Warn("connection auth failed", "code", payload.Code, "error", err)
		_ = s.writeEvent(models.ServerEvent{Event: models.EventAuthError, Data: payload})
		// Loops still run so the failure event flushes before the
		// grace timer closes the transport.
		s.closeAfterGrace()
		return true
	default:
		if err := s.setIdentity(identity); err != nil {
			return false
		}
		return true
	}
}

func (s *Session) pumpEvents(ctx context.Context) error {
	for {
		var evt models.ClientEvent
		if err := s.ws.ReadJSON(&evt); err != nil {
			return err
		}
		select {
		case s.fromClient <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) mainLoop(ctx context.Context) error {
	for {
		select {
		case evt := <-s.fromClient:
			if err := s.processClientEvent(evt); err != nil {
				return err
			}
		case evt := <-s.outbound:
			if err := s.ws.WriteJSON(evt); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) processClientEvent(evt models.ClientEvent) error {
	switch evt.Event {
	case models.ClientEventSendMessage:
		return s.handleSendMessage(evt.Data)
	case models.ClientEventTyping:
		return s.handleTyping(evt.Data)
	case models.ClientEventMarkRead:
		return s.handleMarkRead(evt.Data)
	case models.ClientEventLoadConversation:
		return s.handleLoadConversation(evt.Data)
	case models.ClientEventLoadConversations:
		return s.handleLoadConversations()
	case models.ClientEventRefreshAuth:
		return s.handleRefreshAuth(evt.Data)
	}
	return nil
}

func (s *Session) handleSendMessage(data json.RawMessage) error {
	if s.userID == "" {
		return nil
	}

	var p models.SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn("bad send_message payload", "user_id", s.userID, "error", err)
		return nil
	}

	msg, err := s.store.Save(models.Message{
		SenderID:   s.userID,
		ReceiverID: p.ReceiverID,
		Body:       content.Sanitize(p.Message),
		ContextID:  p.ContextID,
	})
	if err != nil {
		s.log.Error("failed to save message", "user_id", s.userID, "error", err)
		return nil
	}

	// Both frames carry the caller-supplied tempId unchanged so the
	// client can reconcile optimistic state with the durable record.
	s.hub.Deliver(p.ReceiverID, models.ServerEvent{
		Event: models.EventReceiveMessage,
		Data:  models.MessagePayload{Message: msg, TempID: p.TempID},
	})
	return s.writeEvent(models.ServerEvent{
		Event: models.EventMessageSent,
		Data:  models.MessagePayload{Message: msg, TempID: p.TempID},
	})
}

func (s *Session) handleTyping(data json.RawMessage) error {
	if s.userID == "" {
		return nil
	}

	var p models.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}

	// Not persisted, forwarded verbatim with the sender attached.
	s.hub.Deliver(p.ReceiverID, models.ServerEvent{
		Event: models.EventUserTyping,
		Data:  models.UserTypingPayload{UserID: s.userID, IsTyping: p.IsTyping},
	})
	return nil
}

func (s *Session) handleMarkRead(data json.RawMessage) error {
	if s.userID == "" {
		return nil
	}

	var p models.MarkReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}

	if err := s.store.MarkRead(p.SenderID, s.userID); err != nil {
		s.log.Error("failed to mark messages read", "user_id", s.userID, "sender_id", p.SenderID, "error", err)
	}
	return nil
}

func (s *Session) handleLoadConversation(data json.RawMessage) error {
	if s.userID == "" {
		return nil
	}

	var p models.LoadConversationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}

	messages, err := s.store.Conversation(s.userID, p.OtherUserID, p.Limit)
	if err != nil {
		s.log.Error("failed to load conversation", "user_id", s.userID, "error", err)
		return nil
	}
	return s.writeEvent(models.ServerEvent{
		Event: models.EventConversationLoaded,
		Data:  models.ConversationPayload{Messages: messages},
	})
}

func (s *Session) handleLoadConversations() error {
	if s.userID == "" {
		return nil
	}

	summaries, err := s.store.Conversations(s.userID)
	if err != nil {
		s.log.Error("failed to load conversations", "user_id", s.userID, "error", err)
		return nil
	}
	return s.writeEvent(models.ServerEvent{
		Event: models.EventConversationsLoaded,
		Data:  models.ConversationsPayload{Conversations: summaries},
	})
}

func (s *Session) handleRefreshAuth(data json.RawMessage) error {
	now := s.now()
	if s.limiter.onCooldown(now) {
		// Deliberate backpressure: no event, counters unchanged.
		s.log.Warn("refresh attempt dropped: cooldown", "user_id", s.userID)
		return nil
	}
	s.limiter.note(now)

	if s.limiter.exceeded() {
		s.log.Warn("max refresh attempts exceeded, disconnecting", "user_id", s.userID)
		if err := s.writeEvent(authErrorEvent(models.AuthErrorMaxAttempts, "too many authentication attempts, please log in again")); err != nil {
			return err
		}
		s.closeAfterGrace()
		return nil
	}

	var p models.RefreshAuthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return s.writeEvent(authErrorEvent(models.AuthErrorInvalidPayload, "invalid refresh payload"))
	}

	if p.Token == "" {
		// A previously authenticated identity keeps functioning.
		return s.writeEvent(authErrorEvent(models.AuthErrorNoToken, "no token provided"))
	}

	identity, err := s.verifier.Verify(p.Token)
	if err != nil {
		payload := classifyAuthError(err)
		remaining := s.limiter.remaining()
		payload.AttemptsRemaining = &remaining
		s.log.Warn("refresh auth failed", "code", payload.Code, "attempts_remaining", remaining, "error", err)
		if wErr := s.writeEvent(models.ServerEvent{Event: models.EventAuthError, Data: payload}); wErr != nil {
			return wErr
		}
		if s.limiter.exhausted() {
			s.closeAfterGrace()
		}
		return nil
	}

	s.limiter.reset()
	return s.setIdentity(identity)
}

// setIdentity records the (possibly changed) identity, claims the
// registry slot and acknowledges the client. Only the identity value
// leaves the session.
func (s *Session) setIdentity(identity string) error {
	if s.userID != "" && s.userID != identity {
		s.hub.registry.Unregister(s.userID, s)
	}
	s.userID = identity
	s.hub.registry.Register(identity, s)
	s.log.Info("user authenticated", "user_id", identity)
	return s.writeEvent(models.ServerEvent{
		Event: models.EventAuthenticated,
		Data:  models.AuthenticatedPayload{UserID: identity},
	})
}

// closeAfterGrace closes the transport once the grace delay passes.
// If the transport is already gone by then, the close is a no-op.
func (s *Session) closeAfterGrace() {
	s.graceOnce.Do(func() {
		time.AfterFunc(s.graceDelay, func() { _ = s.ws.Close() })
	})
}

func (s *Session) writeEvent(evt models.ServerEvent) error {
	return s.ws.WriteJSON(evt)
}

func authErrorEvent(code models.AuthErrorCode, message string) models.ServerEvent {
	return models.ServerEvent{
		Event: models.EventAuthError,
		Data:  models.AuthErrorPayload{Code: code, Message: message},
	}
}

// classifyAuthError maps verifier failures to wire codes. Expired and
// malformed tokens produce different client guidance: expired means
// refresh or re-login, malformed means re-login only.
func classifyAuthError(err error) models.AuthErrorPayload {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return models.AuthErrorPayload{
			Code:    models.AuthErrorTokenExpired,
			Message: "token has expired, please refresh or log in again",
		}
	case errors.Is(err, auth.ErrTokenMalformed):
		return models.AuthErrorPayload{
			Code:    models.AuthErrorInvalidToken,
			Message: "token is malformed, please log in again",
		}
	default:
		return models.AuthErrorPayload{
			Code:    models.AuthErrorInvalidToken,
			Message: "token is invalid",
		}
	}
}
