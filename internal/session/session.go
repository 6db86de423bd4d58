package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/auth"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/protocol"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/ratelimit"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/subject"
)

// State is the session lifecycle phase.
type State int32

const (
	StateAwaitingAuth State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

// Close codes used by the gateway.
const (
	CloseNormal          = websocket.CloseNormalClosure   // 1000
	CloseGoingAway       = websocket.CloseGoingAway       // 1001 heartbeat timeout
	ClosePolicyViolation = websocket.ClosePolicyViolation // 1008 auth failure, token expiry
	CloseMessageTooBig   = websocket.CloseMessageTooBig   // 1009 read limit breached
	CloseReplaced        = 4001                           // superseded by new session
)

// DeviceEventSubject carries device lifecycle events on the backbone.
const DeviceEventSubject = "gateway.events.device"

// drainBudget bounds how long the writer flushes queued frames at close.
const drainBudget = 200 * time.Millisecond

// SubscriptionHandle is a live JetStream consumer bound to one
// (session, pattern) pair.
type SubscriptionHandle interface {
	ID() string
	Unsubscribe() error
}

// Broker is the messaging backbone as seen by a session. Implemented by
// the NATS adapter; faked in tests. Publish returns the stream sequence
// the message was assigned, 0 when the backbone allocates none.
type Broker interface {
	Publish(ctx context.Context, subj string, data []byte) (uint64, error)
	SubscribeDevice(clientID, pattern string, deliver func(msg *protocol.Message) bool) (SubscriptionHandle, error)
}

// Options wires a session's collaborators. All fields are required except
// PreAuth, which carries a device context validated from the upgrade
// request's Authorization header.
type Options struct {
	Conn      *websocket.Conn
	Validator *auth.Validator
	Limiter   *ratelimit.Limiter
	Broker    Broker
	Registry  *Registry
	Sink      metrics.Sink
	Logger    *logrus.Logger
	Config    config.WebSocketConfig
	PreAuth   *auth.DeviceContext
}

// Session owns one device connection: its reader and writer pumps, its
// outbound buffer, its rate bucket, and its JetStream subscriptions.
type Session struct {
	id        string
	conn      *websocket.Conn
	validator *auth.Validator
	limiter   *ratelimit.Limiter
	broker    Broker
	registry  *Registry
	sink      metrics.Sink
	logger    *logrus.Entry
	cfg       config.WebSocketConfig
	codec     *protocol.Codec

	device   *auth.DeviceContext
	outbound *OutboundBuffer

	subsMu sync.Mutex
	subs   map[string]SubscriptionHandle

	state       atomic.Int32
	lastInbound atomic.Int64

	closeOnce   sync.Once
	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	createdAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	writerDone chan struct{}
	done       chan struct{}
}

// New creates a session for an accepted socket. Call Run to start it.
func New(opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         uuid.New().String(),
		conn:       opts.Conn,
		validator:  opts.Validator,
		limiter:    opts.Limiter,
		broker:     opts.Broker,
		registry:   opts.Registry,
		sink:       opts.Sink,
		cfg:        opts.Config,
		codec:      protocol.NewCodec(opts.Config.MaxMessageSize),
		device:     opts.PreAuth,
		outbound:   NewOutboundBuffer(opts.Config.OutgoingBufferSize),
		subs:       make(map[string]SubscriptionHandle),
		createdAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.logger = opts.Logger.WithField("connection_id", s.id)
	s.state.Store(int32(StateAwaitingAuth))
	s.lastInbound.Store(time.Now().UnixNano())
	return s
}

// ID returns the gateway-generated connection id.
func (s *Session) ID() string { return s.id }

// ClientID returns the authenticated device id, or "" before auth.
func (s *Session) ClientID() string {
	if s.device == nil {
		return ""
	}
	return s.device.ClientID
}

// Role returns the authenticated role, or "" before auth.
func (s *Session) Role() string {
	if s.device == nil {
		return ""
	}
	return s.device.Role
}

// CreatedAt returns when the socket was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// SubscriptionCount returns the number of active subscriptions.
func (s *Session) SubscriptionCount() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

// Done closes when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session to completion: authentication, the steady-state
// reader loop, and teardown. It blocks until the session is closed.
func (s *Session) Run() {
	s.sink.ConnectionOpened()
	defer s.teardown()

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Session panicked")
			s.sink.Error("internal")
			s.requestClose(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	// Hard backstop above the codec's soft limit; exceeding it closes the
	// socket with 1009.
	if s.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageSize * 4)
	}

	if !s.authenticate() {
		return
	}

	go s.writePump()
	go s.heartbeat()

	s.readLoop()
}

// authenticate runs the AwaitingAuth phase. Returns false when the session
// must close without entering steady state.
func (s *Session) authenticate() bool {
	if s.device == nil {
		deadline := time.Now().Add(s.cfg.AuthenticationTimeout)
		_ = s.conn.SetReadDeadline(deadline)

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.sink.AuthAttempt(false)
			s.logger.WithError(err).Debug("Socket closed before authentication")
			s.requestClose(ClosePolicyViolation, "authentication timeout")
			return false
		}

		msg, err := s.codec.Decode(data)
		if err != nil || msg.Type != protocol.TypeAuth {
			s.failAuth("first frame must be an auth message")
			return false
		}

		req, err := protocol.ParseAuthRequest(msg)
		if err != nil {
			s.failAuth("malformed auth payload")
			return false
		}

		device, err := s.validator.Validate(req.Token)
		if err != nil {
			s.failAuth(err.Error())
			return false
		}
		if req.DeviceID != "" && req.DeviceID != device.ClientID {
			// Legacy auth payloads may carry a deviceId; the JWT subject
			// is authoritative.
			s.logger.WithFields(logrus.Fields{
				"claimed_device_id": req.DeviceID,
				"token_subject":     device.ClientID,
			}).Warn("Auth payload deviceId differs from token subject")
		}
		s.device = device
	}

	s.sink.AuthAttempt(true)
	s.logger = s.logger.WithFields(logrus.Fields{
		"client_id": s.device.ClientID,
		"role":      s.device.Role,
	})
	s.state.Store(int32(StateAuthenticated))

	if prior := s.registry.Register(s.device.ClientID, s); prior != nil {
		prior.Supersede()
	}

	s.sendAuthResponse(&protocol.AuthResponse{
		Success:  true,
		ClientID: s.device.ClientID,
		Role:     s.device.Role,
	})
	s.publishDeviceEvent("connected")
	s.logger.Info("Device authenticated")
	return true
}

// failAuth sends a failure auth response synchronously and closes with a
// policy violation. The writer pump is not running yet in this phase.
func (s *Session) failAuth(reason string) {
	s.sink.AuthAttempt(false)
	s.logger.WithField("reason", reason).Info("Authentication failed")

	payload, _ := json.Marshal(protocol.AuthResponse{Success: false, Error: reason})
	frame, err := s.codec.Encode(&protocol.Message{Type: protocol.TypeAuth, Payload: payload})
	if err == nil {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		_ = s.conn.WriteMessage(websocket.TextMessage, frame)
		s.sink.MessageSent(protocol.TypeAuth.String())
	}
	s.requestClose(ClosePolicyViolation, reason)
}

// sendAuthResponse enqueues the success auth frame. During the auth phase
// the writer pump has not started, so write directly.
func (s *Session) sendAuthResponse(resp *protocol.AuthResponse) {
	payload, _ := json.Marshal(resp)
	frame, err := s.codec.Encode(&protocol.Message{Type: protocol.TypeAuth, Payload: payload})
	if err != nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err == nil {
		s.sink.MessageSent(protocol.TypeAuth.String())
	}
}

// readLoop is the steady-state reader. One task per session; exits on
// socket error or close request.
func (s *Session) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PingTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() == StateAuthenticated {
				if errors.Is(err, websocket.ErrReadLimit) {
					s.sink.Error("protocol")
					s.requestClose(CloseMessageTooBig, "message too large")
				} else if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
					s.requestClose(CloseGoingAway, "heartbeat timeout")
				} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.WithError(err).Debug("Socket read failed")
					s.requestClose(CloseNormal, "peer closed")
				} else {
					s.requestClose(CloseNormal, "peer closed")
				}
			}
			return
		}
		s.lastInbound.Store(time.Now().UnixNano())

		if s.State() != StateAuthenticated {
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	msg, err := s.codec.Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrPayloadTooLarge):
			s.sink.Error("protocol")
			s.sendError("payload too large", "")
		case errors.Is(err, protocol.ErrInvalidType):
			s.sink.Error("protocol")
			s.sendError("invalid message type", "")
		default:
			s.sink.Error("protocol")
			s.sendError("invalid message format", "")
		}
		return
	}

	s.sink.MessageReceived(msg.Type.String())

	if !s.device.CanUseAt(time.Now(), s.validator.ClockSkew()) {
		s.sendError("token expired", msg.CorrelationID)
		s.requestClose(ClosePolicyViolation, "token expired")
		return
	}

	if !s.limiter.TryAcquire(s.device.ClientID) {
		s.sink.RateLimitRejected()
		s.sendError("rate limit exceeded", msg.CorrelationID)
		return
	}

	switch msg.Type {
	case protocol.TypePublish:
		s.handlePublish(msg)
	case protocol.TypeSubscribe:
		s.handleSubscribe(msg)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(msg)
	case protocol.TypePing:
		s.send(&protocol.Message{Type: protocol.TypePong, CorrelationID: msg.CorrelationID})
	case protocol.TypePong:
		// Heartbeat reply; activity already recorded.
	default:
		s.sendError(fmt.Sprintf("unexpected message type: %s", msg.Type), msg.CorrelationID)
	}
}

func (s *Session) handlePublish(msg *protocol.Message) {
	if err := subject.Validate(msg.Subject); err != nil {
		s.sink.Error("protocol")
		s.sendError("Invalid subject format", msg.CorrelationID)
		return
	}

	allowed := subject.MatchAny(s.device.PubPatterns, msg.Subject)
	s.sink.AuthorizationCheck("publish", allowed)
	if !allowed {
		s.sendError(fmt.Sprintf("Not authorized to publish to %s", msg.Subject), msg.CorrelationID)
		return
	}

	// The gateway stamps identity and time; device-supplied values are
	// never trusted on the publish path.
	msg.DeviceID = s.device.ClientID
	msg.Timestamp = protocol.Timestamp(time.Now())

	data, err := json.Marshal(msg)
	if err != nil {
		s.sendError("failed to encode message", msg.CorrelationID)
		return
	}

	seq, err := s.broker.Publish(s.ctx, msg.Subject, data)
	if err != nil {
		s.logger.WithError(err).WithField("subject", msg.Subject).Warn("Publish failed")
		s.sendError("publish failed", msg.CorrelationID)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"subject":  msg.Subject,
		"sequence": seq,
	}).Debug("Published to backbone")
}

func (s *Session) handleSubscribe(msg *protocol.Message) {
	if err := subject.Validate(msg.Subject); err != nil {
		s.sink.Error("protocol")
		s.sendError("Invalid subject format", msg.CorrelationID)
		return
	}

	allowed := subject.MatchAny(s.device.SubPatterns, msg.Subject)
	s.sink.AuthorizationCheck("subscribe", allowed)
	if !allowed {
		s.sendError(fmt.Sprintf("Not authorized to subscribe to %s", msg.Subject), msg.CorrelationID)
		return
	}

	s.subsMu.Lock()
	if existing, ok := s.subs[msg.Subject]; ok {
		s.subsMu.Unlock()
		s.sendSubscriptionAck(msg.Subject, existing.ID(), msg.CorrelationID)
		return
	}
	s.subsMu.Unlock()

	handle, err := s.broker.SubscribeDevice(s.device.ClientID, msg.Subject, s.deliver)
	if err != nil {
		s.logger.WithError(err).WithField("pattern", msg.Subject).Warn("Subscribe failed")
		s.sendError("subscribe failed", msg.CorrelationID)
		return
	}

	s.subsMu.Lock()
	if existing, ok := s.subs[msg.Subject]; ok {
		// Lost the race against a duplicate subscribe; keep the first.
		s.subsMu.Unlock()
		_ = handle.Unsubscribe()
		s.sendSubscriptionAck(msg.Subject, existing.ID(), msg.CorrelationID)
		return
	}
	s.subs[msg.Subject] = handle
	s.subsMu.Unlock()

	s.logger.WithField("pattern", msg.Subject).Info("Device subscribed")
	s.sendSubscriptionAck(msg.Subject, handle.ID(), msg.CorrelationID)
}

func (s *Session) handleUnsubscribe(msg *protocol.Message) {
	s.subsMu.Lock()
	handle, ok := s.subs[msg.Subject]
	if ok {
		delete(s.subs, msg.Subject)
	}
	s.subsMu.Unlock()

	if !ok {
		s.sendError(fmt.Sprintf("not subscribed to %s", msg.Subject), msg.CorrelationID)
		return
	}
	if err := handle.Unsubscribe(); err != nil {
		s.logger.WithError(err).WithField("pattern", msg.Subject).Warn("Unsubscribe failed")
	}
	s.logger.WithField("pattern", msg.Subject).Info("Device unsubscribed")
}

// deliver is the adapter's entry point into this session: it enqueues a
// backbone message for the device. Runs on the adapter's delivery task, so
// it must never block.
func (s *Session) deliver(msg *protocol.Message) bool {
	frame, err := s.codec.Encode(msg)
	if err != nil {
		return false
	}
	if !s.outbound.Enqueue(frame) {
		s.sink.BufferOverflow()
		return false
	}
	s.sink.BufferEnqueued()
	s.sink.MessageSent(msg.Type.String())
	return true
}

func (s *Session) sendSubscriptionAck(pattern, subscriptionID, correlationID string) {
	payload, _ := json.Marshal(protocol.SubscriptionAck{
		Subject:        pattern,
		SubscriptionID: subscriptionID,
		Success:        true,
	})
	s.send(&protocol.Message{
		Type:          protocol.TypeAck,
		Subject:       pattern,
		Payload:       payload,
		CorrelationID: correlationID,
	})
}

func (s *Session) sendError(text, correlationID string) {
	frame, err := s.codec.EncodeError(text, correlationID)
	if err != nil {
		return
	}
	if s.outbound.Enqueue(frame) {
		s.sink.MessageSent(protocol.TypeError.String())
	} else {
		s.sink.BufferOverflow()
	}
}

func (s *Session) send(msg *protocol.Message) {
	frame, err := s.codec.Encode(msg)
	if err != nil {
		return
	}
	if s.outbound.Enqueue(frame) {
		s.sink.MessageSent(msg.Type.String())
	} else {
		s.sink.BufferOverflow()
	}
}

// writePump drains the outbound buffer to the socket. Single consumer;
// exits when the buffer closes, after flushing within the drain budget.
func (s *Session) writePump() {
	defer close(s.writerDone)

	for frame := range s.outbound.Drain() {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.WithError(err).Debug("Socket write failed")
			s.requestClose(CloseNormal, "write error")
			// Keep consuming so producers observe a live channel until
			// the buffer closes in teardown.
			for range s.outbound.Drain() {
			}
			return
		}
	}
}

// heartbeat sends protocol-level pings when the device goes quiet and
// closes the session when it stays silent past the timeout.
func (s *Session) heartbeat() {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastInbound.Load()))
			if idle >= s.cfg.PingInterval+s.cfg.PingTimeout {
				s.requestClose(CloseGoingAway, "heartbeat timeout")
				return
			}
			if idle >= s.cfg.PingInterval {
				s.send(&protocol.Message{Type: protocol.TypePing})
			}
		}
	}
}

// Supersede notifies this session that a newer connection authenticated as
// the same device, then closes it with 4001.
func (s *Session) Supersede() {
	s.sendError("session superseded by new connection", "")
	s.requestClose(CloseReplaced, "replaced")
}

// Evict closes the session on admin request.
func (s *Session) Evict() {
	s.sendError("session evicted by administrator", "")
	s.requestClose(CloseNormal, "admin eviction")
}

// requestClose records the close code and unblocks the reader. Only the
// first request wins. Teardown itself happens on the Run goroutine.
func (s *Session) requestClose(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.closeMu.Unlock()

		s.state.Store(int32(StateClosing))
		s.cancel()
		// Unblock a reader parked in ReadMessage.
		_ = s.conn.SetReadDeadline(time.Now())
	})
}

// teardown unwinds the session: consumers first, then the buffer (which
// stops the writer), then the close frame, then registry and events.
func (s *Session) teardown() {
	s.requestClose(CloseNormal, "closing")
	s.state.Store(int32(StateClosing))

	// Detach consumers concurrently before releasing the buffer so no
	// delivery callback outlives it.
	s.subsMu.Lock()
	handles := make([]SubscriptionHandle, 0, len(s.subs))
	for _, h := range s.subs {
		handles = append(handles, h)
	}
	s.subs = make(map[string]SubscriptionHandle)
	s.subsMu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h SubscriptionHandle) {
			defer wg.Done()
			if err := h.Unsubscribe(); err != nil {
				s.logger.WithError(err).Warn("Failed to detach consumer during teardown")
			}
		}(h)
	}
	wg.Wait()

	s.outbound.Close()
	select {
	case <-s.writerDone:
	case <-time.After(drainBudget):
	}

	s.closeMu.Lock()
	code, reason := s.closeCode, s.closeReason
	s.closeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = s.conn.Close()

	if s.device != nil {
		s.registry.Remove(s.device.ClientID, s)
		s.limiter.Remove(s.device.ClientID)
		s.publishDeviceEvent("disconnected")
	}

	s.state.Store(int32(StateClosed))
	s.sink.ConnectionClosed()
	s.logger.WithFields(logrus.Fields{
		"code":   code,
		"reason": reason,
	}).Info("Session closed")
	close(s.done)
}

func (s *Session) publishDeviceEvent(event string) {
	if s.broker == nil || s.device == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"deviceId":  s.device.ClientID,
		"role":      s.device.Role,
		"event":     event,
		"timestamp": protocol.Timestamp(time.Now()),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.broker.Publish(ctx, DeviceEventSubject, payload); err != nil {
		s.logger.WithError(err).Debug("Failed to publish device lifecycle event")
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
