package meshcall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Emitter sends client events to the coordination server.
type Emitter interface {
	Emit(ctx context.Context, ev *ClientEvent) error
}

type EventHandler func(event *ServerEvent)

type ChannelStatus int

const (
	ChannelIdle ChannelStatus = iota
	ChannelConnecting
	ChannelConnected
	ChannelReconnecting
	ChannelReconnected
	ChannelDisconnected
	ChannelClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelReconnecting:
		return "reconnecting"
	case ChannelReconnected:
		return "reconnected"
	case ChannelDisconnected:
		return "disconnected"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type StatusHandler func(status ChannelStatus, err error)

type SignalingConfig struct {
	URL               string
	Header            http.Header
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
}

func DefaultSignalingConfig(url string) SignalingConfig {
	return SignalingConfig{
		URL:               url,
		ConnectTimeout:    20 * time.Second,
		ReconnectAttempts: 5,
		ReconnectBase:     time.Second,
		ReconnectMax:      5 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadLimit:         1 << 20,
	}
}

// Signaling is a reconnecting event channel over one websocket at a time.
type Signaling struct {
	logger shared.LoggerAdapter
	cfg    SignalingConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *channelConn
	gen     uint64
	status  ChannelStatus
	onEvent EventHandler
	onState StatusHandler
	resume  func() bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Emitter = (*Signaling)(nil)

// channelConn is one socket instance. Its heartbeat responder and watchdog
// live and die with it.
type channelConn struct {
	ws       *websocket.Conn
	gen      uint64
	writeMu  sync.Mutex
	closing  bool
	done     chan struct{}
	once     sync.Once
	watchdog *time.Timer
}

func (c *channelConn) close(code int, reason string) {
	c.once.Do(func() {
		c.writeMu.Lock()
		c.closing = true
		if c.watchdog != nil {
			c.watchdog.Stop()
		}
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}

func NewSignaling(logger shared.LoggerAdapter, cfg SignalingConfig) (*Signaling, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.URL == "" {
		return nil, shared.ErrNoConfig
	}
	defaults := DefaultSignalingConfig(cfg.URL)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaults.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaults.ReconnectMax
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaults.ReadLimit
	}
	return &Signaling{
		logger: logger.With(zap.String("component", "signaling")),
		cfg:    cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		resume: func() bool { return true },
	}, nil
}

// OnEvent registers the handler for every server event except heartbeats.
// Events are delivered one at a time in arrival order.
func (s *Signaling) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = handler
}

func (s *Signaling) OnStatus(handler StatusHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = handler
}

// SetResumeGuard decides whether a server initiated disconnect may be
// followed by a reconnection pass.
func (s *Signaling) SetResumeGuard(guard func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if guard == nil {
		guard = func() bool { return true }
	}
	s.resume = guard
}

func (s *Signaling) Status() ChannelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Open connects, closing any previous socket first. Attempts are bounded by
// ReconnectAttempts; a timed out final attempt yields ErrSignalingTimeout.
func (s *Signaling) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.close(websocket.CloseNormalClosure, "reopen")
		s.conn = nil
	}
	s.gen++
	gen := s.gen
	s.ctx, s.cancel = context.WithCancel(context.Background())
	chCtx := s.ctx
	s.mu.Unlock()
	s.setStatus(gen, ChannelConnecting, nil)

	var lastErr error
	for attempt := 0; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, shared.Backoff(attempt, s.cfg.ReconnectBase, s.cfg.ReconnectMax)); err != nil {
				return err
			}
		}
		ws, err := s.dial(ctx)
		if err == nil {
			if !s.install(gen, ws) {
				_ = ws.Close()
				return shared.ErrSignalingClosed
			}
			s.setStatus(gen, ChannelConnected, nil)
			return nil
		}
		lastErr = err
		s.logger.Warn("signaling connect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if ctx.Err() != nil || chCtx.Err() != nil {
			return errors.Join(ctx.Err(), err)
		}
	}
	if isTimeout(lastErr) {
		return fmt.Errorf("%w: %w", shared.ErrSignalingTimeout, lastErr)
	}
	return fmt.Errorf("%w: %w", shared.ErrSignalingConnect, lastErr)
}

func (s *Signaling) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	ws, resp, err := s.dialer.DialContext(dctx, s.cfg.URL, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if dctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("dialing %s: %w", s.cfg.URL, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("dialing %s: %w", s.cfg.URL, err)
	}
	ws.SetReadLimit(s.cfg.ReadLimit)
	return ws, nil
}

// install makes ws the current socket for generation gen and starts its
// read pump and heartbeat watchdog.
func (s *Signaling) install(gen uint64, ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.ctx == nil || s.ctx.Err() != nil {
		return false
	}
	c := &channelConn{ws: ws, gen: gen, done: make(chan struct{})}
	c.watchdog = time.AfterFunc(s.cfg.HeartbeatInterval, func() { s.heartbeatMissed(c) })
	s.conn = c
	go s.readPump(c)
	return true
}

func (s *Signaling) heartbeatMissed(c *channelConn) {
	select {
	case <-c.done:
		return
	default:
	}
	s.logger.Warn("no heartbeat within interval", zap.Duration("interval", s.cfg.HeartbeatInterval))
	c.watchdog.Reset(s.cfg.HeartbeatInterval)
}

func (s *Signaling) readPump(c *channelConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			s.handleReadError(c, err)
			return
		}
		event := new(ServerEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			s.logger.Error("can not unmarshal event", err, zap.ByteString("data", data))
			continue
		}
		if event.Type == ServerEventTypePing {
			c.watchdog.Reset(s.cfg.HeartbeatInterval)
			s.respondHeartbeat(c, event)
			continue
		}
		s.logger.Trace(
			"received event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.EventId),
		)
		s.mu.Lock()
		handler := s.onEvent
		current := s.conn == c
		s.mu.Unlock()
		if !current {
			return
		}
		if handler != nil {
			handler(event)
		}
	}
}

func (s *Signaling) respondHeartbeat(c *channelConn, ping *ServerEvent) {
	param := &ServerEventParamPing{}
	if p, ok := ping.Param.(*ServerEventParamPing); ok {
		param.Timestamp = p.Timestamp
	}
	if err := s.write(c, NewClientEvent(ClientEventTypePong, param)); err != nil {
		s.logger.Warn("heartbeat ack failed", zap.Error(err))
	}
}

func (s *Signaling) handleReadError(c *channelConn, err error) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	gen := s.gen
	chCtx := s.ctx
	resume := s.resume
	s.mu.Unlock()
	c.close(websocket.CloseAbnormalClosure, "")

	if chCtx == nil || chCtx.Err() != nil {
		return
	}
	serverInitiated := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if serverInitiated && !resume() {
		s.logger.Info("server closed the channel, session not resumable")
		s.setStatus(gen, ChannelDisconnected, fmt.Errorf("%w: %w", shared.ErrSignalingDisconnected, err))
		return
	}
	s.logger.Warn("signaling connection lost", zap.Bool("server_initiated", serverInitiated), zap.Error(err))
	go s.reconnect(chCtx, gen, err)
}

func (s *Signaling) reconnect(ctx context.Context, gen uint64, cause error) {
	s.setStatus(gen, ChannelReconnecting, cause)
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		if err := sleepCtx(ctx, shared.Backoff(attempt, s.cfg.ReconnectBase, s.cfg.ReconnectMax)); err != nil {
			return
		}
		ws, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("signaling reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !s.install(gen, ws) {
			_ = ws.Close()
			return
		}
		s.logger.Info("signaling reconnected", zap.Int("attempt", attempt))
		s.setStatus(gen, ChannelReconnected, nil)
		return
	}
	s.setStatus(gen, ChannelDisconnected, fmt.Errorf("%w: %w", shared.ErrSignalingDisconnected, cause))
}

func (s *Signaling) setStatus(gen uint64, status ChannelStatus, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.status = status
	handler := s.onState
	s.mu.Unlock()
	if handler != nil {
		handler(status, err)
	}
}

// Emit writes ev on the current socket.
func (s *Signaling) Emit(ctx context.Context, ev *ClientEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return shared.ErrSignalingNotOpen
	}
	return s.write(c, ev)
}

func (s *Signaling) write(c *channelConn, ev *ClientEvent) error {
	data, err := ev.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", ev.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing {
		return shared.ErrSignalingClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", ev.Type, err)
	}
	return nil
}

func (s *Signaling) JoinRoom(ctx context.Context, roomID, name, transportID string) error {
	return s.Emit(ctx, NewClientEvent(ClientEventTypeJoinRoom, &ClientEventParamJoinRoom{
		RoomID:      roomID,
		Name:        name,
		TransportID: transportID,
	}))
}

func (s *Signaling) LeaveRoom(ctx context.Context, roomID string) error {
	return s.Emit(ctx, NewClientEvent(ClientEventTypeLeaveRoom, &ClientEventParamLeaveRoom{RoomID: roomID}))
}

func (s *Signaling) ToggleAudio(ctx context.Context, roomID, transportID string, enabled bool) error {
	return s.Emit(ctx, NewClientEvent(ClientEventTypeToggleAudio, &ClientEventParamToggle{
		RoomID:      roomID,
		TransportID: transportID,
		Enabled:     enabled,
	}))
}

func (s *Signaling) ToggleVideo(ctx context.Context, roomID, transportID string, enabled bool) error {
	return s.Emit(ctx, NewClientEvent(ClientEventTypeToggleVideo, &ClientEventParamToggle{
		RoomID:      roomID,
		TransportID: transportID,
		Enabled:     enabled,
	}))
}

func (s *Signaling) SendMessage(ctx context.Context, roomID, sender, message string) error {
	return s.Emit(ctx, NewClientEvent(ClientEventTypeSendMessage, &ClientEventParamSendMessage{
		RoomID:  roomID,
		Sender:  sender,
		Message: message,
	}))
}

func (s *Signaling) ApproveParticipant(ctx context.Context, participantID string) error {
	return s.Emit(ctx, NewClientEvent(ClientEventTypeApproveParticipant, &ClientEventParamParticipant{ParticipantID: participantID}))
}

func (s *Signaling) DenyParticipant(ctx context.Context, participantID string) error {
	return s.Emit(ctx, NewClientEvent(ClientEventTypeDenyParticipant, &ClientEventParamParticipant{ParticipantID: participantID}))
}

func (s *Signaling) RemoveParticipant(ctx context.Context, participantID string) error {
	return s.Emit(ctx, NewClientEvent(ClientEventTypeRemoveParticipant, &ClientEventParamParticipant{ParticipantID: participantID}))
}

// Close disconnects for good. No reconnection follows.
func (s *Signaling) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	c := s.conn
	s.conn = nil
	gen := s.gen
	alreadyClosed := s.status == ChannelClosed
	s.mu.Unlock()
	if c != nil {
		c.close(websocket.CloseNormalClosure, "leaving")
	}
	if !alreadyClosed {
		s.setStatus(gen, ChannelClosed, nil)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
