package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Emitter sends outbound realtime events. *Session implements it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Connectivity is the store's view of the realtime link.
type Connectivity string

const (
	ConnectivityOffline  Connectivity = "offline"
	ConnectivityOnline   Connectivity = "online"
	ConnectivityDegraded Connectivity = "degraded"
)

const (
	DefaultTypingIdle     = 3 * time.Second
	DefaultPresenceSettle = 1 * time.Second

	prefetchConcurrency = 4
)

// StoreConfig wires a Store to its collaborators.
type StoreConfig struct {
	API       *Client
	Transport Emitter
	Identity  IdentityProvider
	Logger    *zap.Logger
	Metrics   *Metrics

	// TypingIdle is how long after the last StartTyping the local typing
	// burst ends with typing_stop.
	TypingIdle time.Duration
	// TypingTTL expires remote typing markers that never received a stop.
	// Zero keeps markers until the service sends one.
	TypingTTL time.Duration
	// PresenceSettle delays the online broadcast after connecting.
	PresenceSettle time.Duration
}

func (c *StoreConfig) defaults() {
	if c.TypingIdle == 0 {
		c.TypingIdle = DefaultTypingIdle
	}
	if c.PresenceSettle == 0 {
		c.PresenceSettle = DefaultPresenceSettle
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Identity == nil && c.API != nil {
		c.Identity = JWTIdentity{Tokens: c.API.tokens}
	}
}

// Store is the single state container for conversations, message logs,
// presence, typing and read state. All mutation goes through its methods;
// every read returns a copy. REST calls run without holding the lock.
type Store struct {
	cfg       StoreConfig
	api       *Client
	transport Emitter
	identity  IdentityProvider
	logger    *zap.Logger
	metrics   *Metrics

	mu           sync.Mutex
	dir          *directory
	log          *messageLog
	presence     *presenceTracker
	active       activeTracker
	generations  map[string]uint64
	lastErr      *SyncError
	connectivity Connectivity
	settle       *time.Timer
	closed       bool
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	cfg.defaults()
	return &Store{
		cfg:          cfg,
		api:          cfg.API,
		transport:    cfg.Transport,
		identity:     cfg.Identity,
		logger:       cfg.Logger.Named("store"),
		metrics:      cfg.Metrics,
		dir:          newDirectory(),
		log:          newMessageLog(),
		presence:     newPresenceTracker(),
		generations:  make(map[string]uint64),
		connectivity: ConnectivityOffline,
	}
}

// Bind routes the session's events into the store and uses the session for
// outbound events.
func (s *Store) Bind(sess *Session) {
	s.mu.Lock()
	s.transport = sess
	s.mu.Unlock()

	sess.OnEvent(s.HandleEvent)
	sess.OnConnected(s.handleConnected)
	sess.OnDisconnected(s.handleDisconnected)
	sess.OnError(s.handleTransportError)
}

// Close stops pending timers and keeps new ones from being armed. The store
// stays readable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.presence.stopAll()
}

// ============================================================================
// Internal helpers
// ============================================================================

func (s *Store) currentUser() (string, bool) {
	if s.identity == nil {
		return "", false
	}
	id, err := s.identity.CurrentUserID()
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// emit is best-effort: a missing connection is a silent no-op.
func (s *Store) emit(ctx context.Context, event string, payload any) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		s.metrics.emitDropped(event)
		return
	}

	err := transport.Emit(ctx, event, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		s.metrics.emitDropped(event)
		s.logger.Debug("emit skipped: not connected", zap.String("event", event))
	default:
		s.metrics.emitDropped(event)
		s.logger.Warn("emit failed", zap.String("event", event), zap.Error(err))
	}
}

// fail records err as the latest error and returns it.
func (s *Store) fail(err *SyncError) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Warn("operation failed",
		zap.String("op", err.Op),
		zap.String("kind", string(err.Kind)),
		zap.Int("status", err.StatusCode),
		zap.Error(err.Err),
	)
	return err
}

func (s *Store) requireAPI(op string) error {
	if s.api == nil {
		return s.fail(&SyncError{Kind: KindUnknown, Op: op, Message: msgRetry, Err: errors.New("no API client configured")})
	}
	return nil
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (s *Store) handleConnected() {
	s.mu.Lock()
	s.connectivity = ConnectivityOnline
	if s.lastErr != nil && s.lastErr.Kind == KindConnectivity {
		s.lastErr = nil
	}
	_, viewing := s.active.viewing()
	if !viewing && !s.closed {
		if s.settle != nil {
			s.settle.Stop()
		}
		s.settle = time.AfterFunc(s.cfg.PresenceSettle, s.settledOnline)
	}
	s.mu.Unlock()
}

// settledOnline broadcasts presence if the user is still connected and not
// inside a conversation once the handshake has settled.
func (s *Store) settledOnline() {
	s.mu.Lock()
	_, viewing := s.active.viewing()
	online := s.connectivity == ConnectivityOnline
	s.settle = nil
	s.mu.Unlock()
	if online && !viewing {
		s.broadcastOnline(context.Background())
	}
}

func (s *Store) handleDisconnected(code int, reason string) {
	s.mu.Lock()
	if s.connectivity == ConnectivityOnline {
		s.connectivity = ConnectivityOffline
	}
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.mu.Unlock()
	s.logger.Info("realtime disconnected", zap.Int("code", code), zap.String("reason", reason))
}

func (s *Store) handleTransportError(err error) {
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Kind != KindConnectivity {
		s.logger.Debug("transport error", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.connectivity = ConnectivityDegraded
	s.lastErr = syncErr
	s.mu.Unlock()
	s.logger.Warn("connectivity degraded", zap.Error(err))
}

// ============================================================================
// Push event routing
// ============================================================================

// HandleEvent applies one inbound event. Every variant has exactly one
// handler.
func (s *Store) HandleEvent(ev Event) {
	s.metrics.event(ev.EventName())

	switch e := ev.(type) {
	case MessageNewEvent:
		s.handleArrival(e.Message)
	case MessageReceivedEvent:
		s.handleArrival(e.Message)
	case MessageUpdatedEvent:
		s.handleMessageUpdated(e.Message)
	case ConversationNewEvent:
		s.handleNewConversation(e.Conversation)
	case UserTypingEvent:
		s.handleTyping(e)
	case MessageReadEvent:
		s.handleMessageRead(e)
	case UserOnlineStatusEvent:
		s.handleOnlineStatus(e)
	case ConversationUpdatedEvent:
		s.handleConversationUpdated(e)
	default:
		s.logger.Debug("ignoring event", zap.String("event", ev.EventName()))
	}
}

// handleArrival appends a pushed message. Only a real insert counts: for the
// active conversation a message from someone else is stamped read and
// mark_read is emitted, otherwise the local user's unread counter grows.
func (s *Store) handleArrival(m Message) {
	if m.ID == "" || m.ConversationID == "" {
		s.logger.Warn("dropping message without id or conversation", zap.String("message_id", m.ID))
		return
	}
	me, known := s.currentUser()

	s.mu.Lock()
	if !s.log.appendMessage(m.ConversationID, m) {
		s.mu.Unlock()
		s.metrics.dedup()
		s.logger.Debug("duplicate message dropped",
			zap.String("conversation_id", m.ConversationID),
			zap.String("message_id", m.ID),
		)
		return
	}
	s.dir.refreshLastMessage(m)

	markRead := false
	if known && m.SenderID() != me {
		if s.active.is(m.ConversationID) {
			s.log.markRead(m.ConversationID, []string{m.ID}, me, time.Now().UTC())
			markRead = true
		} else {
			s.dir.incrementUnread(m.ConversationID, me)
			s.metrics.unread()
		}
	}
	s.mu.Unlock()

	if markRead {
		s.emit(context.Background(), EmitMarkRead, map[string]string{
			"messageId":      m.ID,
			"conversationId": m.ConversationID,
		})
	}
}

func (s *Store) handleMessageUpdated(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID := m.ConversationID
	if conversationID == "" {
		conversationID = s.findMessage(m.ID)
	}
	if !s.log.patchMessage(conversationID, m.ID, patchFromMessage(m)) {
		s.logger.Debug("update for unknown message", zap.String("message_id", m.ID))
		return
	}
	if tail, ok := s.log.last(conversationID); ok && tail.ID == m.ID && m.Content != "" {
		s.dir.refreshLastMessage(tail)
	}
}

func (s *Store) handleNewConversation(c Conversation) {
	s.mu.Lock()
	s.dir.upsertFromPush(c)
	s.mu.Unlock()
}

func (s *Store) handleConversationUpdated(ev ConversationUpdatedEvent) {
	s.mu.Lock()
	known := s.dir.patch(ev.ConversationID, ev.Patch)
	s.mu.Unlock()
	if !known {
		s.logger.Debug("update for unknown conversation", zap.String("conversation_id", ev.ConversationID))
	}
}

// findMessage returns the conversation holding messageID. Callers hold mu.
func (s *Store) findMessage(messageID string) string {
	for _, id := range s.log.conversationIDs() {
		if s.log.has(id, messageID) {
			return id
		}
	}
	return ""
}

// ============================================================================
// Selectors
// ============================================================================

// Conversations returns the directory in order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.list()
}

func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.dir.get(id)
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Messages returns the conversation's log in insertion order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.messages(conversationID)
}

// UnreadCount is the local user's unread counter for the conversation.
func (s *Store) UnreadCount(conversationID string) int {
	me, ok := s.currentUser()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.unread(conversationID, me)
}

// TotalUnread sums the local user's unread counters.
func (s *Store) TotalUnread() int {
	me, ok := s.currentUser()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.totalUnread(me)
}

// LastError is the user-facing message of the latest failure, or "".
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return ""
	}
	return s.lastErr.UserMessage()
}

func (s *Store) ClearError() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Store) Connectivity() Connectivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectivity
}

// ============================================================================
// Conversations
// ============================================================================

// FetchConversations loads one page of the directory. Page 0 or 1 replaces
// it; later pages append conversations not already listed.
func (s *Store) FetchConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error) {
	const op = "fetch conversations"
	if err := s.requireAPI(op); err != nil {
		return nil, err
	}

	page, err := s.api.ListConversations(ctx, filter)
	s.metrics.request("fetch_conversations", err)
	if err != nil {
		return nil, s.fail(classify(op, err, notFoundGeneric))
	}

	s.mu.Lock()
	if filter.Page <= 1 {
		s.dir.replace(page)
	} else {
		s.dir.appendPage(page)
	}
	s.mu.Unlock()
	return page, nil
}

// GetConversation fetches one conversation and stores it.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "get conversation"
	if conversationID == "" {
		return Conversation{}, s.fail(validationError(op, errMissingConversation))
	}
	if err := s.requireAPI(op); err != nil {
		return Conversation{}, err
	}

	conv, err := s.api.GetConversation(ctx, conversationID)
	s.metrics.request("get_conversation", err)
	if err != nil {
		return Conversation{}, s.fail(classify(op, err, notFoundConversation))
	}

	s.mu.Lock()
	s.dir.upsert(*conv)
	s.mu.Unlock()
	return conv.clone(), nil
}

// CreateConversation creates a conversation and puts it at the head of the
// directory.
func (s *Store) CreateConversation(ctx context.Context, req CreateConversationRequest) (Conversation, error) {
	const op = "create conversation"
	if req.Kind == "" {
		req.Kind = KindDirect
	}
	if verr := validateRequest(op, req); verr != nil {
		return Conversation{}, s.fail(verr)
	}
	if err := s.requireAPI(op); err != nil {
		return Conversation{}, err
	}

	conv, err := s.api.CreateConversation(ctx, req)
	s.metrics.request("create_conversation", err)
	if err != nil {
		return Conversation{}, s.fail(classify(op, err, notFoundGeneric))
	}

	s.mu.Lock()
	s.dir.upsertFromPush(*conv)
	s.mu.Unlock()
	return conv.clone(), nil
}

// SetArchived archives or unarchives the conversation for the local user.
func (s *Store) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	const op = "archive conversation"
	if conversationID == "" {
		return s.fail(validationError(op, errMissingConversation))
	}
	if err := s.requireAPI(op); err != nil {
		return err
	}

	err := s.api.SetArchived(ctx, conversationID, archived)
	s.metrics.request("archive_conversation", err)
	if err != nil {
		return s.fail(classify(op, err, notFoundConversation))
	}

	if me, ok := s.currentUser(); ok {
		s.mu.Lock()
		s.dir.patch(conversationID, ConversationPatch{ArchivedBy: map[string]bool{me: archived}})
		s.mu.Unlock()
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// FetchMessages loads a page of messages. With Before (or Page > 1) the page
// is prepended, with After each message is appended, and otherwise the log
// is replaced. A replace whose response arrives after a newer replace for
// the same conversation was started is discarded.
func (s *Store) FetchMessages(ctx context.Context, conversationID string, query MessageQuery) ([]Message, error) {
	const op = "fetch messages"
	if conversationID == "" {
		return nil, s.fail(validationError(op, errMissingConversation))
	}
	if err := s.requireAPI(op); err != nil {
		return nil, err
	}

	older := query.Before != "" || query.Page > 1
	newer := !older && query.After != ""
	replace := !older && !newer

	var gen uint64
	if replace {
		s.mu.Lock()
		s.generations[conversationID]++
		gen = s.generations[conversationID]
		s.mu.Unlock()
	}

	page, err := s.api.ListMessages(ctx, conversationID, query)
	s.metrics.request("fetch_messages", err)
	if err != nil {
		return nil, s.fail(classify(op, err, notFoundConversation))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case older:
		s.log.prependMessages(conversationID, page)
	case newer:
		for _, m := range page {
			if s.log.appendMessage(conversationID, m) {
				s.dir.refreshLastMessage(m)
			}
		}
	default:
		if s.generations[conversationID] != gen {
			s.logger.Debug("discarding superseded message page",
				zap.String("conversation_id", conversationID),
				zap.Uint64("generation", gen),
			)
			return page, nil
		}
		// The page wins over pushes that landed while it was in flight; the
		// directory keeps their preview and the next fetch brings them back.
		s.log.setMessages(conversationID, page)
	}
	return page, nil
}

// SendMessage posts a message over REST, appends the server's copy, and
// emits send_message for other room members. Nothing is stored unless the
// server accepts the message.
func (s *Store) SendMessage(ctx context.Context, req SendMessageRequest) (Message, error) {
	const op = "send message"
	if req.Type == "" {
		req.Type = TypeText
	}
	if verr := validateRequest(op, req); verr != nil {
		return Message{}, s.fail(verr)
	}
	if err := s.requireAPI(op); err != nil {
		return Message{}, err
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	msg, err := s.api.SendMessage(ctx, req)
	s.metrics.request("send_message", err)
	if err != nil {
		return Message{}, s.fail(classify(op, err, notFoundConversation))
	}

	s.mu.Lock()
	if !s.log.appendMessage(msg.ConversationID, *msg) {
		s.metrics.dedup()
	}
	s.dir.refreshLastMessage(*msg)
	s.mu.Unlock()

	s.StopTyping(ctx, msg.ConversationID)
	s.emit(ctx, EmitSendMessage, map[string]any{
		"conversationId": msg.ConversationID,
		"messageId":      msg.ID,
		"content":        msg.Content,
		"type":           msg.Type,
		"clientId":       req.ClientID,
	})
	return msg.clone(), nil
}

// Prefetch loads the first directory page and then the latest messages of
// the first n conversations concurrently.
func (s *Store) Prefetch(ctx context.Context, n int) error {
	convs, err := s.FetchConversations(ctx, ConversationFilter{Page: 1})
	if err != nil {
		return err
	}
	n = min(max(n, 0), len(convs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for _, c := range convs[:n] {
		id := c.ID
		g.Go(func() error {
			_, err := s.FetchMessages(gctx, id, MessageQuery{})
			return err
		})
	}
	return g.Wait()
}
