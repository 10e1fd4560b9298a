package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// DefaultNamespace is the chat namespace appended to the websocket origin.
const DefaultNamespace = "/chat"

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Session.
type RealtimeConfig struct {
	// URL is the websocket origin, e.g. "wss://chat.example.com". When empty
	// it is derived from the REST base URL.
	URL       string
	Namespace string
	Tokens    TokenSource

	AutoReconnect bool

	// MaxReconnectAttempts < 0 retries forever; 0 means the default of 10.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if !strings.HasPrefix(c.Namespace, "/") {
		c.Namespace = "/" + c.Namespace
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Tokens == nil {
		c.Tokens = StaticToken("")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// websocketOrigin turns a REST base URL ("https://host/api") into the
// websocket origin ("wss://host").
func websocketOrigin(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		origin := strings.Replace(baseURL, "https://", "wss://", 1)
		return strings.Replace(origin, "http://", "ws://", 1)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.Scheme + "://" + u.Host
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// Event handlers run synchronously on the read loop, in arrival order.
// Handlers must not block on the Session.
type eventDispatcher struct {
	mu             sync.RWMutex
	onEvent        []func(Event)
	onConnected    []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	onError        []func(error)
}

func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := append([]func(Event){}, d.onEvent...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt and the attempt number.
// A connection that stayed up for a minute resets the sequence.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// Session
// ============================================================================

// Session is the persistent bidirectional event stream to the chat
// namespace. It decodes inbound frames into Events, emits outbound events
// best-effort, and reconnects with exponential backoff.
type Session struct {
	origin     string
	config     *RealtimeConfig
	logger     *zap.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	reconnecting     bool
	cancelFn         context.CancelFunc
}

// NewSession creates a session for the client's service. Call Connect to
// establish the connection. A nil config uses defaults and the client's
// token source.
func (c *Client) NewSession(config *RealtimeConfig) *Session {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Tokens == nil {
		cfg.Tokens = c.tokens
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	if cfg.URL == "" {
		cfg.URL = websocketOrigin(c.baseURL)
	}
	return NewSession(&cfg)
}

// NewSession creates a standalone session. config.URL is required.
func NewSession(config *RealtimeConfig) *Session {
	cfg := *config
	cfg.defaults()
	return &Session{
		origin:     strings.TrimRight(cfg.URL, "/"),
		config:     &cfg,
		logger:     cfg.Logger.Named("session"),
		dispatcher: &eventDispatcher{},
		recon:      newReconnector(&cfg),
		state:      StateDisconnected,
	}
}

// OnEvent registers a handler for decoded inbound events.
func (s *Session) OnEvent(h func(Event)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onEvent = append(s.dispatcher.onEvent, h)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (s *Session) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *Session) OnDisconnected(h func(code int, reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *Session) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// OnError registers a handler for connectivity failures and undecodable
// frames.
func (s *Session) OnError(h func(error)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onError = append(s.dispatcher.onError, h)
	s.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state RealtimeState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// URL returns the dial URL for token.
func (s *Session) URL(token string) string {
	u := s.origin + s.config.Namespace
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Connect establishes the websocket connection. Without a token it does
// nothing. Dial failures are reported to OnError handlers as connectivity
// errors and returned; with AutoReconnect the session keeps retrying in the
// background.
func (s *Session) Connect(ctx context.Context) error {
	err := s.dial(ctx)
	if err != nil {
		s.startReconnect()
	}
	return err
}

func (s *Session) dial(ctx context.Context) error {
	token := s.config.Tokens.Token()
	if token == "" {
		s.logger.Debug("connect skipped: no token")
		return nil
	}

	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, s.URL(token), &websocket.DialOptions{
		HTTPClient: s.config.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		s.setState(StateDisconnected)
		err = connectivityError("connect", fmt.Errorf("websocket dial: %w", err))
		s.logger.Warn("connect failed", zap.Error(err))
		s.dispatcher.emitError(err)
		return err
	}
	conn.SetReadLimit(maxResponseBytes)

	// The loops outlive the dial context.
	connCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.cancelFn = cancel
	s.mu.Unlock()
	s.recon.markConnected()

	s.logger.Info("connected", zap.String("namespace", s.config.Namespace))
	s.dispatcher.emitConnected()

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect closes the connection. It is safe to call repeatedly.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	cancel := s.cancelFn
	s.cancelFn = nil
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	s.recon.reset()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if cancel != nil {
		cancel()
	}
	s.logger.Info("disconnected")
	s.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	return err
}

// Emit sends an outbound event. It returns ErrNotConnected when there is no
// live connection.
func (s *Session) Emit(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleReadError(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			s.logger.Debug("dropping undecodable frame", zap.Int("bytes", len(data)))
			continue
		}

		ev, err := decodeEvent(env)
		if err != nil {
			s.logger.Warn("dropping malformed event", zap.String("event", env.Event), zap.Error(err))
			s.dispatcher.emitError(err)
			continue
		}
		s.dispatcher.dispatch(ev)
	}
}

func (s *Session) handleReadError(conn *websocket.Conn, err error) {
	s.mu.Lock()
	intentional := s.intentionalClose
	current := s.conn == conn
	if !intentional && current {
		s.state = StateDisconnected
		s.conn = nil
		if s.cancelFn != nil {
			s.cancelFn()
			s.cancelFn = nil
		}
	}
	s.mu.Unlock()
	if intentional || !current {
		return
	}

	code := int(websocket.CloseStatus(err))
	s.logger.Warn("connection lost", zap.Int("code", code), zap.Error(err))
	s.dispatcher.emitDisconnected(code, err.Error())
	s.dispatcher.emitError(connectivityError("read", err))

	s.startReconnect()
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				// Closing unblocks the read loop, which handles the reconnect.
				s.logger.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// startReconnect runs the reconnect loop unless one is already running.
func (s *Session) startReconnect() {
	if !s.config.AutoReconnect || !s.recon.shouldReconnect() {
		return
	}
	s.mu.Lock()
	if s.reconnecting || s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	go s.scheduleReconnect()
}

// superseded reports whether the reconnect loop should stop because the
// session was closed or another Connect already owns a live connection. It
// clears the reconnecting flag when it does. Callers hold s.mu.
func (s *Session) superseded() bool {
	if s.intentionalClose || s.state == StateConnected {
		s.reconnecting = false
		return true
	}
	return false
}

func (s *Session) scheduleReconnect() {
	for {
		delay, attempt := s.recon.nextDelay()
		s.mu.Lock()
		if s.superseded() {
			s.mu.Unlock()
			return
		}
		if s.state == StateDisconnected {
			s.state = StateReconnecting
		}
		s.mu.Unlock()
		s.dispatcher.emitReconnecting(attempt, delay)

		time.Sleep(delay)

		s.mu.Lock()
		if s.superseded() {
			s.mu.Unlock()
			return
		}
		if s.state == StateConnecting {
			// A Connect call is dialing; wait out another round.
			s.mu.Unlock()
			continue
		}
		s.state = StateDisconnected
		s.mu.Unlock()

		err := s.dial(context.Background())

		s.mu.Lock()
		if err == nil || !s.config.AutoReconnect || !s.recon.shouldReconnect() {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}
