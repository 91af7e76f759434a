package meshcall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"go.uber.org/zap"
)

type Lifecycle int32

const (
	LifecycleIdle Lifecycle = iota
	LifecycleInitializing
	LifecycleEstablished
	LifecycleLeaving
	LifecycleClosed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleIdle:
		return "idle"
	case LifecycleInitializing:
		return "initializing"
	case LifecycleEstablished:
		return "established"
	case LifecycleLeaving:
		return "leaving"
	case LifecycleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is the signaling surface a session drives. *Signaling implements it.
type Channel interface {
	Emitter
	HostChannel
	Open(ctx context.Context) error
	OnEvent(handler EventHandler)
	OnStatus(handler StatusHandler)
	SetResumeGuard(guard func() bool)
	JoinRoom(ctx context.Context, roomID, name, transportID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	ToggleAudio(ctx context.Context, roomID, transportID string, enabled bool) error
	ToggleVideo(ctx context.Context, roomID, transportID string, enabled bool) error
	SendMessage(ctx context.Context, roomID, sender, message string) error
	Close() error
}

var _ Channel = (*Signaling)(nil)

// EventConsumer is implemented by transports that take their own events off
// the signaling channel.
type EventConsumer interface {
	HandleEvent(ev *ServerEvent) bool
}

type SessionConfig struct {
	DisplayName      string
	RoomID           string
	Signaling        SignalingConfig
	Media            MediaConfig
	Mesh             MeshConfig
	RTC              RTCConfig
	RetryDelay       time.Duration
	AdmissionTimeout time.Duration
}

func DefaultSessionConfig(signalingURL string) SessionConfig {
	return SessionConfig{
		Signaling:        DefaultSignalingConfig(signalingURL),
		Media:            DefaultMediaConfig(),
		Mesh:             DefaultMeshConfig(),
		RTC:              DefaultRTCConfig(),
		RetryDelay:       2 * time.Second,
		AdmissionTimeout: 15 * time.Second,
	}
}

// LocalSession describes this participant.
type LocalSession struct {
	DisplayName  string
	RoomID       string
	TransportID  string
	AudioEnabled bool
	VideoEnabled bool
	Stream       *Stream
}

type SessionOption func(*Session)

func WithCapturer(c Capturer) SessionOption {
	return func(s *Session) { s.capturer = c }
}

func WithObserver(o Observer) SessionOption {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithChannelFactory(f func(cfg SignalingConfig) (Channel, error)) SessionOption {
	return func(s *Session) { s.newChannel = f }
}

func WithTransportFactory(f func(emitter Emitter) (CallTransport, error)) SessionOption {
	return func(s *Session) { s.newTransport = f }
}

// Session sequences media, signaling, admission and the mesh for one room
// visit and owns their teardown.
type Session struct {
	logger   shared.LoggerAdapter
	cfg      SessionConfig
	observer Observer
	capturer Capturer

	newChannel   func(cfg SignalingConfig) (Channel, error)
	newTransport func(emitter Emitter) (CallTransport, error)

	lifecycle atomic.Int32

	mu            sync.Mutex
	media         *Media
	channel       Channel
	transport     CallTransport
	admission     *Admission
	mesh          *Mesh
	transportID   string
	roster        map[string]Participant
	awaitingFirst bool
	firstStatus   chan struct{}
	endErr        error

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func NewSession(logger shared.LoggerAdapter, cfg SessionConfig, opts ...SessionOption) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 15 * time.Second
	}
	if !cfg.Media.Constraints.Audio && !cfg.Media.Constraints.Video {
		cfg.Media.Constraints = DefaultConstraints()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		logger:   logger.With(zap.String("component", "session"), zap.String("room", cfg.RoomID)),
		cfg:      cfg,
		observer: NopObserver{},
		roster:   make(map[string]Participant),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.newChannel = func(c SignalingConfig) (Channel, error) { return NewSignaling(logger, c) }
	s.newTransport = func(e Emitter) (CallTransport, error) {
		rc := cfg.RTC
		rc.DisplayName = cfg.DisplayName
		return NewRTCTransport(logger, e, rc)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.capturer == nil {
		return nil, errors.New("capturer is required")
	}
	return s, nil
}

func (s *Session) Lifecycle() Lifecycle { return Lifecycle(s.lifecycle.Load()) }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended; nil after a plain Leave.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

func (s *Session) wanted() bool {
	return s.ctx.Err() == nil
}

// Start runs the join sequence. It returns once the first admission status
// has been handled; a participant left waiting is established later when
// approval arrives. Calling Start while a start is running is a no-op.
func (s *Session) Start(ctx context.Context) error {
	if !s.lifecycle.CompareAndSwap(int32(LifecycleIdle), int32(LifecycleInitializing)) {
		switch s.Lifecycle() {
		case LifecycleInitializing, LifecycleEstablished:
			return nil
		default:
			return shared.ErrSessionClosed
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err := s.initialize(ctx)
	if err != nil && s.wanted() && retryable(err) {
		s.logger.Warn("session start failed, retrying", zap.Duration("delay", s.cfg.RetryDelay), zap.Error(err))
		s.observer.Notify(Notification{Level: NotificationWarning, Message: "Connection failed, retrying", Err: err})
		s.release()
		if err = sleepCtx(ctx, s.cfg.RetryDelay); err == nil {
			err = s.initialize(ctx)
		}
	}
	if err == nil {
		return nil
	}
	if !s.wanted() {
		// A server that ended the session reports why; only Leave is "not wanted".
		if cause := context.Cause(s.ctx); cause != nil && !errors.Is(cause, shared.ErrSessionNotWanted) {
			return cause
		}
		return shared.ErrSessionNotWanted
	}
	s.logger.Error("session start failed", err)
	s.shutdown(err, false)
	return err
}

// retryable excludes outcomes another attempt cannot change.
func retryable(err error) bool {
	var roomErr *shared.RoomError
	switch {
	case errors.Is(err, shared.ErrNoDisplayName),
		errors.Is(err, shared.ErrNoRoomID),
		errors.Is(err, shared.ErrAdmissionDenied),
		errors.Is(err, shared.ErrRemoved),
		errors.As(err, &roomErr):
		return false
	}
	return true
}

func (s *Session) initialize(ctx context.Context) error {
	name := strings.TrimSpace(s.cfg.DisplayName)
	if name == "" {
		return shared.ErrNoDisplayName
	}
	if strings.TrimSpace(s.cfg.RoomID) == "" {
		return shared.ErrNoRoomID
	}

	s.mu.Lock()
	media := s.media
	s.mu.Unlock()
	if media == nil {
		m, err := NewMedia(s.logger, s.capturer, s.cfg.Media)
		if err != nil {
			return err
		}
		m.SetNotifier(s.observer.Notify)
		if !s.adopt(func() { s.media = m }) {
			m.Close()
			return shared.ErrSessionNotWanted
		}
		media = m
	}
	if _, err := media.Acquire(ctx, s.cfg.Media.Constraints); err != nil {
		return fmt.Errorf("acquiring media: %w", err)
	}

	channel, err := s.newChannel(s.cfg.Signaling)
	if err != nil {
		return fmt.Errorf("creating signaling channel: %w", err)
	}
	channel.OnEvent(s.dispatch)
	channel.OnStatus(s.channelStatus)
	channel.SetResumeGuard(func() bool { return s.Lifecycle() == LifecycleEstablished })
	if !s.adopt(func() { s.channel = channel }) {
		_ = channel.Close()
		return shared.ErrSessionNotWanted
	}
	if err := channel.Open(ctx); err != nil {
		return fmt.Errorf("opening signaling: %w", err)
	}

	transport, err := s.newTransport(channel)
	if err != nil {
		return fmt.Errorf("creating call transport: %w", err)
	}
	admission, err := NewAdmission(s.logger, channel)
	if err != nil {
		_ = transport.Close()
		return err
	}
	mesh, err := NewMesh(s.logger, transport, media, s.observer, s.cfg.Mesh)
	if err != nil {
		_ = transport.Close()
		return err
	}
	first := make(chan struct{})
	ok := s.adopt(func() {
		s.transport = transport
		s.admission = admission
		s.mesh = mesh
		s.firstStatus = first
		s.awaitingFirst = true
	})
	if !ok {
		_ = mesh.CloseAll()
		_ = transport.Close()
		return shared.ErrSessionNotWanted
	}
	media.SetTarget(mesh)

	id, err := transport.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening call transport: %w", err)
	}
	s.mu.Lock()
	s.transportID = id
	s.mu.Unlock()
	s.logger.Info("joining room", zap.String("name", name), zap.String("transport", id))
	if err := channel.JoinRoom(ctx, s.cfg.RoomID, name, id); err != nil {
		return fmt.Errorf("joining room: %w", err)
	}

	timer := time.NewTimer(s.cfg.AdmissionTimeout)
	defer timer.Stop()
	select {
	case <-first:
	case <-timer.C:
		return shared.ErrAdmissionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.awaitingFirst = false
	s.mu.Unlock()
	switch admission.Phase() {
	case AdmissionDenied:
		return fmt.Errorf("%w: %s", shared.ErrAdmissionDenied, admission.State().Message)
	case AdmissionApproved:
		s.establish()
	case AdmissionWaiting:
		s.logger.Info("waiting for host approval")
	}
	return nil
}

// adopt stores freshly built components unless the session stopped being
// wanted in the meantime.
func (s *Session) adopt(store func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wanted() {
		return false
	}
	store()
	return true
}

// release drops everything a failed attempt built, keeping Media itself.
func (s *Session) release() {
	s.mu.Lock()
	media, mesh, transport, channel := s.media, s.mesh, s.transport, s.channel
	s.mesh, s.transport, s.channel, s.admission = nil, nil, nil, nil
	s.transportID = ""
	s.awaitingFirst = false
	s.mu.Unlock()
	if media != nil {
		media.StopAll()
	}
	if mesh != nil {
		_ = mesh.CloseAll()
	}
	if transport != nil {
		_ = transport.Close()
	}
	if channel != nil {
		_ = channel.Close()
	}
}

// establish opens the mesh and calls everyone seen before approval. The
// lifecycle flips under mu so a concurrent roster update either lands in the
// replayed roster or reaches an active mesh.
func (s *Session) establish() {
	s.mu.Lock()
	mesh := s.mesh
	if mesh == nil || !s.lifecycle.CompareAndSwap(int32(LifecycleInitializing), int32(LifecycleEstablished)) {
		s.mu.Unlock()
		return
	}
	mesh.Activate(s.transportID)
	roster := make([]Participant, 0, len(s.roster))
	for _, p := range s.roster {
		roster = append(roster, p)
	}
	s.roster = make(map[string]Participant)
	s.mu.Unlock()

	s.logger.Info("session established", zap.Int("known_peers", len(roster)))
	mesh.SyncRoster(roster)
}

func (s *Session) components() (*Admission, *Mesh, CallTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admission, s.mesh, s.transport
}

// dispatch handles one server event. State is read at handling time.
func (s *Session) dispatch(ev *ServerEvent) {
	admission, mesh, transport := s.components()
	if consumer, ok := transport.(EventConsumer); ok && consumer.HandleEvent(ev) {
		return
	}
	if admission == nil || mesh == nil {
		s.logger.Debug("event before session wiring", zap.String("type", string(ev.Type)))
		return
	}
	switch p := ev.Param.(type) {
	case *ServerEventParamAdmissionStatus:
		s.handleAdmission(admission, p)
	case *ServerEventParamWaitingRoomUpdate:
		if admission.HandleWaitingRoom(p) {
			s.observer.AdmissionChanged(admission.State())
		}
	case *ServerEventParamHostTransferred:
		tr := admission.HandleHostTransferred(p)
		if tr.HostChanged {
			s.observer.AdmissionChanged(admission.State())
		}
		if p.Message != "" {
			s.observer.Notify(Notification{Level: NotificationInfo, Message: p.Message})
		}
	case *ServerEventParamRoomParticipants:
		peers := make([]Participant, 0, len(p.Participants))
		for id, part := range p.Participants {
			if part.PeerID == "" {
				part.PeerID = id
			}
			peers = append(peers, part)
		}
		s.rosterUpdate(mesh, peers)
	case *ServerEventParamPeer:
		switch ev.Type {
		case ServerEventTypeUserJoined:
			s.rosterUpdate(mesh, []Participant{{PeerID: p.PeerID, Name: p.Name}})
		case ServerEventTypeUserLeft, ServerEventTypeUserRemoved:
			s.mu.Lock()
			delete(s.roster, p.PeerID)
			s.mu.Unlock()
			mesh.Evict(p.PeerID)
		}
	case *ServerEventParamUserToggle:
		if ev.Type == ServerEventTypeUserToggleAudio {
			mesh.SetRemoteAudio(p.PeerID, p.Enabled)
		} else {
			mesh.SetRemoteVideo(p.PeerID, p.Enabled)
		}
	case *ChatMessage:
		s.observer.ChatMessage(*p)
	case *ServerEventParamNotice:
		if ev.Type == ServerEventTypeYouWereRemoved {
			go s.shutdown(fmt.Errorf("%w: %s", shared.ErrRemoved, p.Message), false)
			return
		}
		go s.shutdown(&shared.RoomError{Message: p.Message}, false)
	default:
		s.logger.Debug("unhandled event", zap.String("type", string(ev.Type)))
	}
}

// rosterUpdate calls peers once established and remembers them before that.
func (s *Session) rosterUpdate(mesh *Mesh, peers []Participant) {
	s.mu.Lock()
	if s.Lifecycle() != LifecycleEstablished {
		for _, p := range peers {
			s.roster[p.PeerID] = p
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	mesh.SyncRoster(peers)
}

func (s *Session) handleAdmission(admission *Admission, p *ServerEventParamAdmissionStatus) {
	tr := admission.HandleStatus(p)
	s.mu.Lock()
	awaiting := s.awaitingFirst
	first := s.firstStatus
	s.firstStatus = nil
	s.mu.Unlock()
	if first != nil {
		close(first)
	}
	if !tr.Changed() {
		return
	}
	s.observer.AdmissionChanged(admission.State())
	for _, m := range tr.ChatHistory {
		s.observer.ChatMessage(m)
	}
	if awaiting {
		// Start is still waiting and acts on the outcome itself.
		return
	}
	switch tr.To {
	case AdmissionApproved:
		s.establish()
	case AdmissionDenied:
		go s.shutdown(fmt.Errorf("%w: %s", shared.ErrAdmissionDenied, p.Message), false)
	}
}

func (s *Session) channelStatus(status ChannelStatus, err error) {
	switch status {
	case ChannelReconnected:
		if s.Lifecycle() == LifecycleEstablished {
			go s.rejoin()
		}
	case ChannelDisconnected:
		switch s.Lifecycle() {
		case LifecycleInitializing, LifecycleEstablished:
			if err == nil {
				err = shared.ErrSignalingDisconnected
			}
			go s.shutdown(err, false)
		}
	case ChannelReconnecting:
		s.observer.Notify(Notification{Level: NotificationWarning, Message: "Connection lost, reconnecting", Err: err})
	}
}

// rejoin re-associates the new socket with the room.
func (s *Session) rejoin() {
	s.mu.Lock()
	channel, transport := s.channel, s.transport
	s.mu.Unlock()
	if channel == nil || transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Signaling.ConnectTimeout+time.Second)
	defer cancel()
	id, err := transport.Open(ctx)
	if err == nil {
		err = channel.JoinRoom(ctx, s.cfg.RoomID, strings.TrimSpace(s.cfg.DisplayName), id)
	}
	if err != nil {
		s.logger.Error("rejoining after reconnect", err)
		return
	}
	s.logger.Info("rejoined after reconnect")
	s.observer.Notify(Notification{Level: NotificationInfo, Message: "Reconnected"})
}

// Leave tears the session down. It is safe to call at any point, including
// while Start is still running.
func (s *Session) Leave(ctx context.Context) error {
	s.shutdown(nil, true)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown stops tracks, closes calls, the transport and the channel in that
// order. Only the first caller does the work.
func (s *Session) shutdown(cause error, graceful bool) {
	for {
		cur := s.Lifecycle()
		if cur == LifecycleLeaving || cur == LifecycleClosed {
			return
		}
		if s.lifecycle.CompareAndSwap(int32(cur), int32(LifecycleLeaving)) {
			break
		}
	}
	notWanted := cause
	if notWanted == nil {
		notWanted = shared.ErrSessionNotWanted
	}
	s.cancel(notWanted)

	s.mu.Lock()
	media, mesh, transport, channel := s.media, s.mesh, s.transport, s.channel
	s.endErr = cause
	s.mu.Unlock()

	if graceful && channel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := channel.LeaveRoom(ctx, s.cfg.RoomID); err != nil {
			s.logger.Debug("sending leave", zap.Error(err))
		}
		cancel()
	}
	var errs []error
	if media != nil {
		media.Close()
	}
	if mesh != nil {
		errs = append(errs, mesh.CloseAll())
	}
	if transport != nil {
		errs = append(errs, transport.Close())
	}
	if channel != nil {
		errs = append(errs, channel.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("teardown", zap.Error(err))
	}

	s.lifecycle.Store(int32(LifecycleClosed))
	if cause != nil {
		s.logger.Error("session ended", cause)
	} else {
		s.logger.Info("session left")
	}
	close(s.done)
	s.observer.SessionEnded(cause)
}

func (s *Session) Local() LocalSession {
	s.mu.Lock()
	media := s.media
	ls := LocalSession{
		DisplayName: strings.TrimSpace(s.cfg.DisplayName),
		RoomID:      s.cfg.RoomID,
		TransportID: s.transportID,
	}
	s.mu.Unlock()
	if media != nil {
		ls.AudioEnabled = media.AudioEnabled()
		ls.VideoEnabled = media.VideoEnabled()
		ls.Stream = media.Stream()
	}
	return ls
}

func (s *Session) Admission() AdmissionState {
	admission, _, _ := s.components()
	if admission == nil {
		return AdmissionState{}
	}
	return admission.State()
}

func (s *Session) Participants() []RemoteParticipant {
	_, mesh, _ := s.components()
	if mesh == nil {
		return nil
	}
	return mesh.Participants()
}

func (s *Session) Connections() []CallConnection {
	_, mesh, _ := s.components()
	if mesh == nil {
		return nil
	}
	return mesh.Connections()
}

func (s *Session) established() (Channel, *Media, string, error) {
	if s.Lifecycle() != LifecycleEstablished {
		return nil, nil, "", shared.ErrNotEstablished
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil || s.media == nil {
		return nil, nil, "", shared.ErrNotEstablished
	}
	return s.channel, s.media, s.transportID, nil
}

// SetAudioEnabled mutes or unmutes locally and tells the room.
func (s *Session) SetAudioEnabled(ctx context.Context, enabled bool) error {
	channel, media, id, err := s.established()
	if err != nil {
		return err
	}
	if err := media.SetAudioEnabled(enabled); err != nil {
		return err
	}
	return channel.ToggleAudio(ctx, s.cfg.RoomID, id, enabled)
}

// SetVideoEnabled switches the camera and reports the resulting state, which
// stays off when no camera could be opened.
func (s *Session) SetVideoEnabled(ctx context.Context, enabled bool) error {
	channel, media, id, err := s.established()
	if err != nil {
		return err
	}
	verr := media.SetVideoEnabled(ctx, enabled)
	if err := channel.ToggleVideo(ctx, s.cfg.RoomID, id, media.VideoEnabled()); err != nil {
		return errors.Join(verr, err)
	}
	return verr
}

func (s *Session) SendMessage(ctx context.Context, text string) error {
	channel, _, _, err := s.established()
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty message")
	}
	return channel.SendMessage(ctx, s.cfg.RoomID, strings.TrimSpace(s.cfg.DisplayName), text)
}

func (s *Session) Approve(ctx context.Context, participantID string) error {
	return s.hostAction(func(a *Admission) error { return a.Approve(ctx, participantID) })
}

func (s *Session) Deny(ctx context.Context, participantID string) error {
	return s.hostAction(func(a *Admission) error { return a.Deny(ctx, participantID) })
}

func (s *Session) Remove(ctx context.Context, participantID string) error {
	return s.hostAction(func(a *Admission) error { return a.Remove(ctx, participantID) })
}

func (s *Session) hostAction(do func(*Admission) error) error {
	if _, _, _, err := s.established(); err != nil {
		return err
	}
	admission, _, _ := s.components()
	if admission == nil {
		return shared.ErrNotEstablished
	}
	return do(admission)
}
