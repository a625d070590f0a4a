package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// forwardSecretAEADCipherSuites is the TLS 1.2 cipher allowlist: ECDHE key
// exchange (forward secrecy) paired with an AEAD cipher (AES-GCM or
// ChaCha20-Poly1305) only. TLS 1.3's own suite set is already limited to
// forward-secret AEAD ciphers and isn't configurable via CipherSuites.
var forwardSecretAEADCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	defaultHeartbeatInterval   = 30 * time.Second
	defaultHeartbeatTimeout    = 60 * time.Second
	defaultMaxMissedHeartbeats = 3
	defaultAuthTimeout         = 30 * time.Second
	defaultMaxReconnectAttempts = 10
)

// ErrNotConnected is returned by Send/SendRequest when no session is open.
var ErrNotConnected = errors.New("channel: not connected")

// ErrAuthFailed is returned when the control plane rejects the auth handshake.
var ErrAuthFailed = errors.New("channel: authentication rejected")

// ErrRequestTimeout is returned by SendRequest when no response arrives in time.
var ErrRequestTimeout = errors.New("channel: request timed out")

// Handler processes one inbound message type. Registered per-type by the
// supervisor (task_assign, task_cancel, config_update, agent_command).
type Handler func(ctx context.Context, msg Message)

// Config holds everything needed to establish and maintain a session.
type Config struct {
	// ServerURL is a ws:// or wss:// endpoint.
	ServerURL string
	// AgentID is this agent's stable, persisted identifier.
	AgentID string
	// SharedSecret is the HMAC key used to sign the auth handshake.
	SharedSecret string
	// AgentVersion is reported during auth and registration.
	AgentVersion string
	// Capabilities is the live list of registered protocol handlers, sent
	// as agent_register's capabilities[] field.
	Capabilities []string
	// TLSClientCert, if non-nil, enables mutual TLS on wss:// connections.
	TLSClientCert *tls.Certificate
	// InsecureSkipVerify disables server certificate verification — test use only.
	InsecureSkipVerify bool

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxMissedHeartbeats  int
	MaxReconnectAttempts int
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.MaxMissedHeartbeats == 0 {
		c.MaxMissedHeartbeats = defaultMaxMissedHeartbeats
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
}

// Client owns one control-channel session at a time and transparently
// reconnects on failure. The zero value is not usable — construct with New.
type Client struct {
	cfg    Config
	logger *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu           sync.RWMutex
	conn         *websocket.Conn
	writeMu      sync.Mutex
	sessionID    string
	authToken    string
	connected    bool
	lastSentAt   time.Time
	missedBeats  int

	pendingMu sync.Mutex
	pending   map[string]chan Message

	reconnectAttempts int
}

// New constructs a Client. Call Run to start the connection loop.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:      cfg,
		logger:   logger.Named("channel"),
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan Message),
	}
}

// RegisterHandler installs the callback invoked for inbound messages of the
// given type. Call before Run; handlers must not block for long since they
// run on the single receiver goroutine.
func (c *Client) RegisterHandler(msgType string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[msgType] = h
}

// Connected reports whether a session is currently established and authenticated.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Run drives the reconnect loop: connect, authenticate, register, run
// heartbeat + receiver until the session ends, then back off and retry.
// Blocks until ctx is cancelled, or returns once MaxReconnectAttempts failed
// connection attempts have accumulated.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.logger.Info("channel client stopped")
			return
		}

		c.logger.Info("connecting to control plane", zap.String("url", c.cfg.ServerURL))

		if err := c.connect(ctx); err != nil {
			c.reconnectAttempts++
			if c.cfg.MaxReconnectAttempts > 0 && c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
				c.logger.Error("reconnect attempts exhausted, giving up until next Run call",
					zap.Int("attempts", c.reconnectAttempts))
				return
			}
			c.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
		c.reconnectAttempts = 0
	}
}

// connect establishes one session: dial, authenticate, register, and run
// the heartbeat sender/monitor and the message receiver concurrently.
// Returns when the session ends.
func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if strings.HasPrefix(c.cfg.ServerURL, "wss://") {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			CipherSuites:       forwardSecretAEADCipherSuites,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		}
		if c.cfg.TLSClientCert != nil {
			tlsConfig.Certificates = []tls.Certificate{*c.cfg.TLSClientCert}
		}
		dialer.TLSClientConfig = tlsConfig
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.SharedSecret)
	header.Set("X-Agent-ID", c.cfg.AgentID)
	header.Set("User-Agent", "NetworkProbeAgent/1.0")

	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		c.clearPending()
	}()

	errCh := make(chan error, 3)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The receiver must be running before authenticate/register send their
	// requests — otherwise nothing ever reads the auth_response frame off
	// the socket and sendRequestLocked blocks until its timeout. Mirrors
	// websocket_client.py, which starts message_receiver before _authenticate.
	go func() { errCh <- c.receiveLoop(sessionCtx) }()

	if err := c.authenticate(ctx); err != nil {
		cancel()
		<-errCh
		return fmt.Errorf("authentication failed: %w", err)
	}

	go func() { errCh <- c.heartbeatSender(sessionCtx) }()
	go func() { errCh <- c.heartbeatMonitor(sessionCtx) }()

	if err := c.register(ctx); err != nil {
		cancel()
		<-errCh
		<-errCh
		<-errCh
		return fmt.Errorf("registration failed: %w", err)
	}

	err = <-errCh
	cancel()
	<-errCh
	<-errCh

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) authenticate(ctx context.Context) error {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	nonce := uuid.NewString()
	signature := c.signAuth(timestamp, nonce)

	msg, err := NewMessage(TypeAuth, AuthRequest{
		AgentID:   c.cfg.AgentID,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: signature,
		Version:   c.cfg.AgentVersion,
	})
	if err != nil {
		return err
	}

	authCtx, cancel := context.WithTimeout(ctx, defaultAuthTimeout)
	defer cancel()

	resp, err := c.sendRequestLocked(authCtx, msg)
	if err != nil {
		return err
	}
	if resp.Type != TypeAuthResponse {
		return fmt.Errorf("%w: unexpected response type %q", ErrAuthFailed, resp.Type)
	}

	var data AuthResponseData
	if err := resp.Decode(&data); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrAuthFailed, err)
	}
	if !data.Success {
		return fmt.Errorf("%w: %s", ErrAuthFailed, data.Error)
	}

	c.mu.Lock()
	c.authToken = data.Token
	c.sessionID = data.SessionID
	c.mu.Unlock()

	c.logger.Info("authenticated", zap.String("session_id", data.SessionID))
	return nil
}

// signAuth computes the HMAC-SHA256 signature over "agentID:timestamp:nonce",
// matching the control plane's verification exactly — any divergence in
// field order or encoding fails every handshake.
func (c *Client) signAuth(timestamp, nonce string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SharedSecret))
	mac.Write([]byte(fmt.Sprintf("%s:%s:%s", c.cfg.AgentID, timestamp, nonce)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) register(ctx context.Context) error {
	msg, err := NewMessage(TypeAgentRegister, RegisterData{
		AgentID:      c.cfg.AgentID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Capabilities: c.cfg.Capabilities,
		Version:      c.cfg.AgentVersion,
	})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Client) heartbeatSender(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.RLock()
			sessionID := c.sessionID
			c.mu.RUnlock()

			msg, err := NewMessage(TypeHeartbeat, HeartbeatData{
				AgentID:   c.cfg.AgentID,
				SessionID: sessionID,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				continue
			}
			if err := c.Send(msg); err != nil {
				c.recordMissedHeartbeat()
				return fmt.Errorf("heartbeat send failed: %w", err)
			}
			c.mu.Lock()
			c.lastSentAt = time.Now()
			c.mu.Unlock()
		}
	}
}

func (c *Client) heartbeatMonitor(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.RLock()
			lastSent := c.lastSentAt
			missed := c.missedBeats
			c.mu.RUnlock()

			if !lastSent.IsZero() && time.Since(lastSent) > c.cfg.HeartbeatTimeout {
				missed = c.recordMissedHeartbeat()
			}

			if missed >= c.cfg.MaxMissedHeartbeats {
				return fmt.Errorf("missed %d consecutive heartbeats, session considered dead", missed)
			}
		}
	}
}

func (c *Client) recordMissedHeartbeat() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedBeats++
	return c.missedBeats
}

func (c *Client) resetMissedHeartbeats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedBeats = 0
}

func (c *Client) receiveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return ErrNotConnected
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("receive failed: %w", err)
		}

		c.dispatch(ctx, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg Message) {
	if msg.ID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	if msg.Type == TypeHeartbeatResponse {
		c.resetMissedHeartbeats()
		return
	}

	c.handlersMu.RLock()
	h, ok := c.handlers[msg.Type]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Warn("no handler registered for message type", zap.String("type", msg.Type))
		return
	}
	h(ctx, msg)
}

// Send writes a message to the open connection. Safe for concurrent use —
// writes are serialized through writeMu since gorilla/websocket forbids
// concurrent writers on the same connection.
func (c *Client) Send(msg Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("channel: send %s: %w", msg.Type, err)
	}
	return nil
}

// SendRequest sends msg and blocks until a reply correlated by msg.ID
// arrives, the session ends, or ctx is done. There is no built-in timeout:
// the caller bounds the wait through ctx.
func (c *Client) SendRequest(ctx context.Context, msg Message) (Message, error) {
	return c.sendRequestLocked(ctx, msg)
}

func (c *Client) sendRequestLocked(ctx context.Context, msg Message) (Message, error) {
	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return Message{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Message{}, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		return Message{}, ErrRequestTimeout
	}
}

func (c *Client) clearPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
