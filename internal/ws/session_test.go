package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"vestnik/internal/auth"
	"vestnik/internal/models"
)

type mockWS struct {
	readCh    chan models.ClientEvent
	writeCh   chan models.ServerEvent
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientEvent, 10),
		writeCh: make(chan models.ServerEvent, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) closed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) WriteJSON(v any) error {
	evt, ok := v.(models.ServerEvent)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	select {
	case m.writeCh <- evt:
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) ReadJSON(v any) error {
	select {
	case evt := <-m.readCh:
		if ptr, ok := v.(*models.ClientEvent); ok {
			*ptr = evt
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type stubVerifier struct {
	tokens map[string]string
	errs   map[string]error
}

func (s *stubVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", auth.ErrNoToken
	}
	if err, ok := s.errs[token]; ok {
		return "", err
	}
	if identity, ok := s.tokens[token]; ok {
		return identity, nil
	}
	return "", auth.ErrTokenInvalid
}

type fakeStore struct {
	mu                sync.Mutex
	saved             []models.Message
	markReadCalls     [][2]string
	conversationCalls []int
	conversation      []models.Message
	summaries         []models.ConversationSummary
}

func (f *fakeStore) Save(msg models.Message) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = fmt.Sprintf("m%d", len(f.saved)+1)
	msg.CreatedAt = 1700000000000 + int64(len(f.saved))
	f.saved = append(f.saved, msg)
	return msg, nil
}

func (f *fakeStore) Conversation(userID, otherUserID string, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversationCalls = append(f.conversationCalls, limit)
	return f.conversation, nil
}

func (f *fakeStore) MarkRead(senderID, receiverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls = append(f.markReadCalls, [2]string{senderID, receiverID})
	return nil
}

func (f *fakeStore) Conversations(userID string) ([]models.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries, nil
}

func (f *fakeStore) savedMessages() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, len(f.saved))
	copy(out, f.saved)
	return out
}

func defaultVerifier() *stubVerifier {
	return &stubVerifier{
		tokens: map[string]string{"tok1": "u1", "tok2": "u2", "tok3": "u3"},
		errs: map[string]error{
			"expired": auth.ErrTokenExpired,
			"bad":     auth.ErrTokenInvalid,
		},
	}
}

type fixture struct {
	sess    *Session
	ws      *mockWS
	done    chan error
	cancel  context.CancelFunc
	advance func(time.Duration)
}

func startSession(t *testing.T, hub *Hub, store *fakeStore, verifier TokenVerifier, token string, grace time.Duration) *fixture {
	t.Helper()

	ws := newMockWS()
	sess := NewSession(SessionConfig{
		Conn:           ws,
		Hub:            hub,
		Store:          store,
		Verifier:       verifier,
		HandshakeToken: token,
		GraceDelay:     grace,
	})

	var mu sync.Mutex
	current := time.Unix(1700000000, 0)
	sess.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Handle(ctx) }()

	t.Cleanup(cancel)

	return &fixture{
		sess:   sess,
		ws:     ws,
		done:   done,
		cancel: cancel,
		advance: func(d time.Duration) {
			mu.Lock()
			current = current.Add(d)
			mu.Unlock()
		},
	}
}

func (f *fixture) send(t *testing.T, name models.ClientEventName, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	f.ws.readCh <- models.ClientEvent{Event: name, Data: data}
}

func (f *fixture) readEvent(t *testing.T) models.ServerEvent {
	t.Helper()
	select {
	case evt := <-f.ws.writeCh:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for server event")
		return models.ServerEvent{}
	}
}

func (f *fixture) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case evt := <-f.ws.writeCh:
		t.Fatalf("unexpected event %s", evt.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func authError(t *testing.T, evt models.ServerEvent) models.AuthErrorPayload {
	t.Helper()
	if evt.Event != models.EventAuthError {
		t.Fatalf("expected auth_error, got %s", evt.Event)
	}
	payload, ok := evt.Data.(models.AuthErrorPayload)
	if !ok {
		t.Fatalf("unexpected auth_error payload type %T", evt.Data)
	}
	return payload
}

func TestSession_HandshakeSuccess(t *testing.T) {
	hub := NewHub(nil)
	f := startSession(t, hub, &fakeStore{}, defaultVerifier(), "tok1", 0)

	evt := f.readEvent(t)
	if evt.Event != models.EventAuthenticated {
		t.Fatalf("expected authenticated, got %s", evt.Event)
	}
	if payload := evt.Data.(models.AuthenticatedPayload); payload.UserID != "u1" {
		t.Errorf("expected identity u1, got %s", payload.UserID)
	}

	if got, ok := hub.registry.Resolve("u1"); !ok || got != f.sess {
		t.Error("registry does not resolve u1 to this session")
	}

	f.cancel()
	if err := f.wait(t); err != nil {
		t.Errorf("Handle returned error: %v", err)
	}

	// Disconnect removes the presence entry.
	if _, ok := hub.registry.Resolve("u1"); ok {
		t.Error("registry entry survived disconnect")
	}
}

func TestSession_HandshakeNoToken(t *testing.T) {
	hub := NewHub(nil)
	f := startSession(t, hub, &fakeStore{}, defaultVerifier(), "", 0)

	payload := authError(t, f.readEvent(t))
	if payload.Code != models.AuthErrorNoToken {
		t.Errorf("expected NO_TOKEN, got %s", payload.Code)
	}

	if err := f.wait(t); err != nil {
		t.Errorf("Handle returned error: %v", err)
	}
	if !f.ws.closed() {
		t.Error("connection not closed")
	}
}

func TestSession_HandshakeBadToken(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{}
	f := startSession(t, hub, store, defaultVerifier(), "expired", 30*time.Millisecond)

	payload := authError(t, f.readEvent(t))
	if payload.Code != models.AuthErrorTokenExpired {
		t.Errorf("expected TOKEN_EXPIRED, got %s", payload.Code)
	}

	// The grace timer, not the error event, closes the transport.
	_ = f.wait(t)
	if !f.ws.closed() {
		t.Error("connection not closed after grace delay")
	}
	if _, ok := hub.registry.Resolve("u1"); ok {
		t.Error("failed handshake must not register presence")
	}
}

func TestSession_UnauthenticatedEventsIgnored(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{}
	f := startSession(t, hub, store, defaultVerifier(), "expired", time.Second)

	authError(t, f.readEvent(t))

	f.send(t, models.ClientEventSendMessage, models.SendMessagePayload{ReceiverID: "u2", Message: "hi"})
	f.send(t, models.ClientEventTyping, models.TypingPayload{ReceiverID: "u2", IsTyping: true})
	f.send(t, models.ClientEventMarkRead, models.MarkReadPayload{SenderID: "u2"})
	f.send(t, models.ClientEventLoadConversation, models.LoadConversationPayload{OtherUserID: "u2"})
	f.send(t, models.ClientEventLoadConversations, struct{}{})

	f.expectSilence(t)

	if len(store.savedMessages()) != 0 {
		t.Error("unauthenticated send_message reached the store")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.markReadCalls) != 0 || len(store.conversationCalls) != 0 {
		t.Error("unauthenticated events reached the store")
	}
}

func TestSession_SendMessage(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{}
	f := startSession(t, hub, store, defaultVerifier(), "tok1", 0)
	f.readEvent(t) // authenticated

	receiver := &Session{outbound: make(chan models.ServerEvent, 10)}
	hub.registry.Register("u2", receiver)

	f.send(t, models.ClientEventSendMessage, models.SendMessagePayload{
		ReceiverID: "u2",
		Message:    "hi",
		ContextID:  "v1",
		TempID:     "t1",
	})

	ack := f.readEvent(t)
	if ack.Event != models.EventMessageSent {
		t.Fatalf("expected message_sent, got %s", ack.Event)
	}
	ackPayload := ack.Data.(models.MessagePayload)
	if ackPayload.TempID != "t1" {
		t.Errorf("ack lost tempId: %q", ackPayload.TempID)
	}
	if ackPayload.SenderID != "u1" || ackPayload.ReceiverID != "u2" {
		t.Errorf("unexpected ack record: %+v", ackPayload.Message)
	}

	select {
	case evt := <-receiver.outbound:
		if evt.Event != models.EventReceiveMessage {
			t.Fatalf("expected receive_message, got %s", evt.Event)
		}
		payload := evt.Data.(models.MessagePayload)
		if payload.TempID != "t1" || payload.ID != ackPayload.ID {
			t.Errorf("receiver got a different record: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver did not get the message")
	}

	saved := store.savedMessages()
	if len(saved) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(saved))
	}
	if saved[0].SenderID != "u1" || saved[0].ReceiverID != "u2" || saved[0].Read {
		t.Errorf("unexpected persisted record: %+v", saved[0])
	}
}

func TestSession_SendMessageOfflineRecipient(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{}
	f := startSession(t, hub, store, defaultVerifier(), "tok1", 0)
	f.readEvent(t) // authenticated

	f.send(t, models.ClientEventSendMessage, models.SendMessagePayload{
		ReceiverID: "u2",
		Message:    "hi",
		TempID:     "t1",
	})

	// The sender still gets its acknowledgement; the message is
	// durable even though nobody is there to receive it live.
	ack := f.readEvent(t)
	if ack.Event != models.EventMessageSent {
		t.Fatalf("expected message_sent, got %s", ack.Event)
	}
	if payload := ack.Data.(models.MessagePayload); payload.TempID != "t1" {
		t.Errorf("ack lost tempId: %q", payload.TempID)
	}

	saved := store.savedMessages()
	if len(saved) != 1 || saved[0].Read {
		t.Errorf("expected 1 unread persisted message, got %+v", saved)
	}
}

func TestSession_Typing(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{}
	f := startSession(t, hub, store, defaultVerifier(), "tok1", 0)
	f.readEvent(t)

	receiver := &Session{outbound: make(chan models.ServerEvent, 10)}
	hub.registry.Register("u2", receiver)

	f.send(t, models.ClientEventTyping, models.TypingPayload{ReceiverID: "u2", IsTyping: true})

	select {
	case evt := <-receiver.outbound:
		if evt.Event != models.EventUserTyping {
			t.Fatalf("expected user_typing, got %s", evt.Event)
		}
		payload := evt.Data.(models.UserTypingPayload)
		if payload.UserID != "u1" || !payload.IsTyping {
			t.Errorf("unexpected typing payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver did not get typing event")
	}

	if len(store.savedMessages()) != 0 {
		t.Error("typing indicator must not be persisted")
	}
}

func TestSession_MarkRead(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{}
	f := startSession(t, hub, store, defaultVerifier(), "tok2", 0)
	f.readEvent(t) // authenticated as u2

	f.send(t, models.ClientEventMarkRead, models.MarkReadPayload{SenderID: "u1"})
	f.expectSilence(t) // no acknowledgement for mark_read

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.markReadCalls) != 1 || store.markReadCalls[0] != [2]string{"u1", "u2"} {
		t.Errorf("unexpected MarkRead calls: %v", store.markReadCalls)
	}
}

func TestSession_LoadConversation(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{
		conversation: []models.Message{
			{ID: "m1", SenderID: "u1", ReceiverID: "u2", Body: "a"},
			{ID: "m2", SenderID: "u2", ReceiverID: "u1", Body: "b"},
		},
	}
	f := startSession(t, hub, store, defaultVerifier(), "tok1", 0)
	f.readEvent(t)

	f.send(t, models.ClientEventLoadConversation, models.LoadConversationPayload{OtherUserID: "u2"})

	evt := f.readEvent(t)
	if evt.Event != models.EventConversationLoaded {
		t.Fatalf("expected conversation_loaded, got %s", evt.Event)
	}
	payload := evt.Data.(models.ConversationPayload)
	if len(payload.Messages) != 2 || payload.Messages[0].ID != "m1" {
		t.Errorf("unexpected conversation: %+v", payload.Messages)
	}
}

func TestSession_LoadConversations(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{
		summaries: []models.ConversationSummary{
			{UserID: "u2", Unread: 3, LastMessageAt: 1700000001000},
		},
	}
	f := startSession(t, hub, store, defaultVerifier(), "tok1", 0)
	f.readEvent(t)

	f.send(t, models.ClientEventLoadConversations, struct{}{})

	evt := f.readEvent(t)
	if evt.Event != models.EventConversationsLoaded {
		t.Fatalf("expected conversations_loaded, got %s", evt.Event)
	}
	payload := evt.Data.(models.ConversationsPayload)
	if len(payload.Conversations) != 1 || payload.Conversations[0].Unread != 3 {
		t.Errorf("unexpected summaries: %+v", payload.Conversations)
	}
}

func TestSession_RefreshCooldownSilentDrop(t *testing.T) {
	hub := NewHub(nil)
	f := startSession(t, hub, &fakeStore{}, defaultVerifier(), "tok1", 0)
	f.readEvent(t)

	f.send(t, models.ClientEventRefreshAuth, models.RefreshAuthPayload{Token: "bad"})
	payload := authError(t, f.readEvent(t))
	if payload.AttemptsRemaining == nil || *payload.AttemptsRemaining != 2 {
		t.Errorf("expected attemptsRemaining 2, got %v", payload.AttemptsRemaining)
	}

	// Inside the cooldown window: no event, counter untouched.
	f.send(t, models.ClientEventRefreshAuth, models.RefreshAuthPayload{Token: "bad"})
	f.expectSilence(t)

	f.advance(RefreshCooldown + time.Second)
	f.send(t, models.ClientEventRefreshAuth, models.RefreshAuthPayload{Token: "bad"})
	payload = authError(t, f.readEvent(t))
	if payload.AttemptsRemaining == nil || *payload.AttemptsRemaining != 1 {
		t.Errorf("dropped attempt changed the counter: %v", payload.AttemptsRemaining)
	}
}

func TestSession_RefreshMaxAttempts(t *testing.T) {
	hub := NewHub(nil)
	f := startSession(t, hub, &fakeStore{}, defaultVerifier(), "tok1", 30*time.Millisecond)
	f.readEvent(t)

	expected := []int{2, 1, 0}
	for i, want := range expected {
		if i > 0 {
			f.advance(RefreshCooldown + time.Second)
		}
		f.send(t, models.ClientEventRefreshAuth, models.RefreshAuthPayload{Token: "bad"})
		payload := authError(t, f.readEvent(t))
		if payload.AttemptsRemaining == nil || *payload.AttemptsRemaining != want {
			t.Errorf("attempt %d: attemptsRemaining = %v, want %d", i+1, payload.AttemptsRemaining, want)
		}
	}

	// The final failed attempt terminates the connection.
	_ = f.wait(t)
	if !f.ws.closed() {
		t.Error("connection not closed after exhausting attempts")
	}
}

func TestSession_RefreshSuccessResetsCounter(t *testing.T) {
	hub := NewHub(nil)
	f := startSession(t, hub, &fakeStore{}, defaultVerifier(), "tok1", 0)
	f.readEvent(t)

	f.send(t, models.ClientEventRefreshAuth, models.RefreshAuthPayload{Token: "bad"})
	authError(t, f.readEvent(t))

	f.advance(RefreshCooldown + time.Second)
	f.send(t, models.ClientEventRefreshAuth, models.RefreshAuthPayload{Token: "tok1"})
	evt := f.readEvent(t)
	if evt.Event != models.EventAuthenticated {
		t.Fatalf("expected authenticated, got %s", evt.Event)
	}

	// Counter is back to zero: a fresh failure reports a full budget.
	f.advance(RefreshCooldown + time.Second)
	f.send(t, models.ClientEventRefreshAuth, models.RefreshAuthPayload{Token: "bad"})
	payload := authError(t, f.readEvent(t))
	if payload.AttemptsRemaining == nil || *payload.AttemptsRemaining != 2 {
		t.Errorf("expected attemptsRemaining 2 after reset, got %v", payload.AttemptsRemaining)
	}
}

func TestSession_RefreshIdentityChange(t *testing.T) {
	hub := NewHub(nil)
	f := startSession(t, hub, &fakeStore{}, defaultVerifier(), "tok1", 0)
	f.readEvent(t)

	f.send(t, models.ClientEventRefreshAuth, models.RefreshAuthPayload{Token: "tok3"})
	evt := f.readEvent(t)
	if evt.Event != models.EventAuthenticated {
		t.Fatalf("expected authenticated, got %s", evt.Event)
	}
	if payload := evt.Data.(models.AuthenticatedPayload); payload.UserID != "u3" {
		t.Errorf("expected identity u3, got %s", payload.UserID)
	}

	if _, ok := hub.registry.Resolve("u1"); ok {
		t.Error("old identity still registered after re-authentication")
	}
	if got, ok := hub.registry.Resolve("u3"); !ok || got != f.sess {
		t.Error("new identity not registered")
	}
}

func TestSession_RefreshNoTokenKeepsConnection(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{}
	f := startSession(t, hub, store, defaultVerifier(), "tok1", 0)
	f.readEvent(t)

	f.send(t, models.ClientEventRefreshAuth, models.RefreshAuthPayload{Token: ""})
	payload := authError(t, f.readEvent(t))
	if payload.Code != models.AuthErrorNoToken {
		t.Errorf("expected NO_TOKEN, got %s", payload.Code)
	}

	// The prior identity keeps working.
	f.send(t, models.ClientEventSendMessage, models.SendMessagePayload{ReceiverID: "u2", Message: "still here"})
	if evt := f.readEvent(t); evt.Event != models.EventMessageSent {
		t.Errorf("expected message_sent after NO_TOKEN refresh, got %s", evt.Event)
	}
	if len(store.savedMessages()) != 1 {
		t.Error("message not persisted after NO_TOKEN refresh")
	}
}

func TestSession_RefreshInvalidPayload(t *testing.T) {
	hub := NewHub(nil)
	f := startSession(t, hub, &fakeStore{}, defaultVerifier(), "tok1", 0)
	f.readEvent(t)

	f.ws.readCh <- models.ClientEvent{
		Event: models.ClientEventRefreshAuth,
		Data:  json.RawMessage(`"not-an-object"`),
	}

	payload := authError(t, f.readEvent(t))
	if payload.Code != models.AuthErrorInvalidPayload {
		t.Errorf("expected INVALID_PAYLOAD, got %s", payload.Code)
	}
}

func TestSession_StaleDisconnectRace(t *testing.T) {
	hub := NewHub(nil)
	store := &fakeStore{}

	f1 := startSession(t, hub, store, defaultVerifier(), "tok1", 0)
	f1.readEvent(t)

	f2 := startSession(t, hub, store, defaultVerifier(), "tok1", 0)
	f2.readEvent(t)

	// Session 2 claimed u1's slot; session 1's disconnect must not
	// delete it.
	f1.cancel()
	if err := f1.wait(t); err != nil {
		t.Errorf("Handle returned error: %v", err)
	}

	got, ok := hub.registry.Resolve("u1")
	if !ok || got != f2.sess {
		t.Error("stale disconnect removed the newer session's registration")
	}
}
