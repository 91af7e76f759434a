package meshcall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type RTCConfig struct {
	DisplayName     string
	ICEServers      []webrtc.ICEServer
	PLIInterval     time.Duration
	RegisterTimeout time.Duration
	SignalTimeout   time.Duration
}

func DefaultRTCConfig() RTCConfig {
	return RTCConfig{
		ICEServers:      []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		PLIInterval:     3 * time.Second,
		RegisterTimeout: 10 * time.Second,
		SignalTimeout:   5 * time.Second,
	}
}

// RTCTransport is the pion backed CallTransport. Offers, answers and
// hangups travel over the signaling channel; SDP is sent once ICE gathering
// completes.
type RTCTransport struct {
	logger  shared.LoggerAdapter
	emitter Emitter
	cfg     RTCConfig
	api     *webrtc.API
	id      string

	mu         sync.Mutex
	registered bool
	regC       chan struct{}
	closed     bool
	links      map[string]*rtcLink
	incoming   func(IncomingCall)

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ CallTransport = (*RTCTransport)(nil)

func NewRTCTransport(logger shared.LoggerAdapter, emitter Emitter, cfg RTCConfig) (*RTCTransport, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if emitter == nil {
		return nil, shared.ErrNoConfig
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = DefaultRTCConfig().RegisterTimeout
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = DefaultRTCConfig().SignalTimeout
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("registering default interceptors: %w", err)
	}
	var pliOpts []intervalpli.GeneratorOption
	if cfg.PLIInterval > 0 {
		pliOpts = append(pliOpts, intervalpli.GeneratorInterval(cfg.PLIInterval))
	}
	pli, err := intervalpli.NewReceiverInterceptor(pliOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating PLI interceptor: %w", err)
	}
	ir.Add(pli)
	se := webrtc.SettingEngine{LoggerFactory: shared.NewPionLoggerFactory(logger)}

	ctx, cancel := context.WithCancelCause(context.Background())
	id := uuid.NewString()
	return &RTCTransport{
		logger:  logger.With(zap.String("component", "rtc"), zap.String("transport", id)),
		emitter: emitter,
		cfg:     cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		id:     id,
		regC:   make(chan struct{}),
		links:  make(map[string]*rtcLink),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *RTCTransport) ID() string { return t.id }

func (t *RTCTransport) respectCtx() error {
	select {
	case <-t.ctx.Done():
		return context.Cause(t.ctx)
	default:
	}
	return nil
}

// Open registers the identity with the server. Calling it again after a
// signaling reconnect re-registers without waiting.
func (t *RTCTransport) Open(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", shared.ErrTransportClosed
	}
	registered := t.registered
	regC := t.regC
	t.mu.Unlock()

	ev := NewClientEvent(ClientEventTypeCallRegister, &EventParamCallRegister{TransportID: t.id})
	if err := t.emitter.Emit(ctx, ev); err != nil {
		return "", fmt.Errorf("registering transport: %w", err)
	}
	if registered {
		return t.id, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RegisterTimeout)
	defer cancel()
	select {
	case <-regC:
		t.logger.Info("transport registered")
		return t.id, nil
	case <-t.ctx.Done():
		return "", shared.ErrTransportClosed
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for registration: %w", ctx.Err())
	}
}

func (t *RTCTransport) OnIncoming(handler func(IncomingCall)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incoming = handler
}

// HandleEvent consumes call layer events and reports whether ev was one.
func (t *RTCTransport) HandleEvent(ev *ServerEvent) bool {
	switch ev.Type {
	case ServerEventTypeCallRegistered:
		p, ok := ev.Param.(*EventParamCallRegister)
		if !ok || p.TransportID != t.id {
			return true
		}
		t.mu.Lock()
		if !t.registered {
			t.registered = true
			close(t.regC)
		}
		t.mu.Unlock()
	case ServerEventTypeCallOffer:
		if p, ok := ev.Param.(*EventParamCallSignal); ok {
			t.handleOffer(p)
		}
	case ServerEventTypeCallAnswer:
		if p, ok := ev.Param.(*EventParamCallSignal); ok {
			if link := t.link(p.CallID); link != nil {
				link.applyAnswer(p.SDP)
			}
		}
	case ServerEventTypeCallReject:
		if p, ok := ev.Param.(*EventParamCallSignal); ok {
			if link := t.link(p.CallID); link != nil {
				t.logger.Info("call rejected", zap.String("peer", p.From), zap.String("reason", p.Reason))
				link.remoteClosed(fmt.Errorf("%w: %s", shared.ErrCallRejected, p.Reason))
			}
		}
	case ServerEventTypeCallHangup:
		if p, ok := ev.Param.(*EventParamCallSignal); ok {
			if link := t.link(p.CallID); link != nil {
				link.remoteClosed(shared.ErrCallHungUp)
			}
		}
	default:
		return false
	}
	return true
}

func (t *RTCTransport) link(callID string) *rtcLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[callID]
}

func (t *RTCTransport) handleOffer(p *EventParamCallSignal) {
	if p.To != "" && p.To != t.id {
		t.logger.Warn("offer for another transport", zap.String("to", p.To))
		return
	}
	in := &rtcIncoming{t: t, callID: p.CallID, peerID: p.From, name: p.Name, sdp: p.SDP}
	t.mu.Lock()
	handler := t.incoming
	closed := t.closed
	t.mu.Unlock()
	if closed || handler == nil {
		_ = in.Reject("unavailable")
		return
	}
	handler(in)
}

func (t *RTCTransport) signal(typ ClientEventType, p *EventParamCallSignal) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SignalTimeout)
	defer cancel()
	p.From = t.id
	return t.emitter.Emit(ctx, NewClientEvent(typ, p))
}

func (t *RTCTransport) Dial(ctx context.Context, peerID, name string, tracks map[webrtc.RTPCodecType]webrtc.TrackLocal, cb LinkCallbacks) (PeerLink, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	link, err := t.newLink(uuid.NewString(), peerID, cb)
	if err != nil {
		return nil, err
	}
	sdp, err := link.negotiate(ctx, tracks, "")
	if err != nil {
		link.abort()
		return nil, err
	}
	err = t.signal(ClientEventTypeCallOffer, &EventParamCallSignal{
		CallID: link.callID,
		To:     peerID,
		SDP:    sdp,
		Name:   t.cfg.DisplayName,
	})
	if err != nil {
		link.abort()
		return nil, fmt.Errorf("sending offer: %w", err)
	}
	t.logger.Debug("offer sent", zap.String("peer", peerID), zap.String("name", name), zap.String("call", link.callID))
	return link, nil
}

func (t *RTCTransport) ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrTransportClosed
	}
	if !t.registered {
		return shared.ErrTransportNotOpen
	}
	return t.respectCtx()
}

func (t *RTCTransport) newLink(callID, peerID string, cb LinkCallbacks) (*rtcLink, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	l := &rtcLink{
		t:       t,
		callID:  callID,
		peerID:  peerID,
		pc:      pc,
		cb:      cb,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender, 2),
		logger:  t.logger.With(zap.String("peer", peerID), zap.String("call", callID)),
	}
	pc.OnConnectionStateChange(l.stateChanged)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.logger.Debug(
			"remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("track_id", track.ID()),
			zap.String("stream_id", track.StreamID()),
		)
		if cb.OnTrack != nil {
			cb.OnTrack(track)
		}
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = pc.Close()
		return nil, shared.ErrTransportClosed
	}
	t.links[callID] = l
	return l, nil
}

func (t *RTCTransport) forget(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, callID)
}

// Close hangs up every link and refuses further calls.
func (t *RTCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*rtcLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	var errs []error
	for _, l := range links {
		errs = append(errs, l.Close())
	}
	t.cancel(shared.ErrTransportClosed)
	t.logger.Info("transport closed", zap.Int("links", len(links)))
	return errors.Join(errs...)
}

type rtcIncoming struct {
	t      *RTCTransport
	callID string
	peerID string
	name   string
	sdp    string
}

func (in *rtcIncoming) PeerID() string { return in.peerID }

func (in *rtcIncoming) Name() string { return in.name }

func (in *rtcIncoming) Answer(ctx context.Context, tracks map[webrtc.RTPCodecType]webrtc.TrackLocal, cb LinkCallbacks) (PeerLink, error) {
	if err := in.t.ready(); err != nil {
		return nil, err
	}
	link, err := in.t.newLink(in.callID, in.peerID, cb)
	if err != nil {
		return nil, err
	}
	sdp, err := link.negotiate(ctx, tracks, in.sdp)
	if err != nil {
		link.abort()
		_ = in.Reject("negotiation failed")
		return nil, err
	}
	err = in.t.signal(ClientEventTypeCallAnswer, &EventParamCallSignal{CallID: in.callID, To: in.peerID, SDP: sdp})
	if err != nil {
		link.abort()
		return nil, fmt.Errorf("sending answer: %w", err)
	}
	return link, nil
}

func (in *rtcIncoming) Reject(reason string) error {
	return in.t.signal(ClientEventTypeCallReject, &EventParamCallSignal{CallID: in.callID, To: in.peerID, Reason: reason})
}

type rtcLink struct {
	t      *RTCTransport
	callID string
	peerID string
	pc     *webrtc.PeerConnection
	cb     LinkCallbacks
	logger shared.LoggerAdapter

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	state   webrtc.PeerConnectionState
	opened  bool
	closing bool
	ended   bool
}

// negotiate attaches one sender per kind and returns the complete local
// description. An empty offer makes this side the offerer.
func (l *rtcLink) negotiate(ctx context.Context, tracks map[webrtc.RTPCodecType]webrtc.TrackLocal, offer string) (string, error) {
	if offer != "" {
		err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
		if err != nil {
			return "", fmt.Errorf("setting remote description: %w", err)
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		track := tracks[kind]
		if track == nil {
			// A silent sender keeps the transceiver so the kind can be
			// switched on later without renegotiation.
			var err error
			if track, err = placeholderTrack(kind); err != nil {
				return "", err
			}
		}
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			return "", fmt.Errorf("adding %s track: %w", kind, err)
		}
		l.mu.Lock()
		l.senders[kind] = sender
		l.mu.Unlock()
		go drainRTCP(sender)
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	if offer == "" {
		desc, err = l.pc.CreateOffer(nil)
	} else {
		desc, err = l.pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", fmt.Errorf("creating description: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-l.t.ctx.Done():
		return "", shared.ErrTransportClosed
	}
	return l.pc.LocalDescription().SDP, nil
}

func (l *rtcLink) applyAnswer(sdp string) {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		l.logger.Error("applying answer", err)
		l.remoteClosed(fmt.Errorf("applying answer: %w", err))
	}
}

func (l *rtcLink) stateChanged(state webrtc.PeerConnectionState) {
	l.mu.Lock()
	prev := l.state
	l.state = state
	fireOpen := state == webrtc.PeerConnectionStateConnected && !l.opened && !l.closing
	if fireOpen {
		l.opened = true
	}
	l.mu.Unlock()

	l.logger.Trace(
		"peer connection state changed",
		zap.String("prev", prev.String()),
		zap.String("new", state.String()),
	)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if fireOpen && l.cb.OnOpen != nil {
			l.cb.OnOpen()
		}
	case webrtc.PeerConnectionStateDisconnected:
		// ICE may still recover; Failed follows if it does not.
		l.logger.Warn("peer connection disconnected")
	case webrtc.PeerConnectionStateFailed:
		l.remoteClosed(errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateClosed:
		l.remoteClosed(shared.ErrCallHungUp)
	}
}

// remoteClosed tears the link down on behalf of the far side or the network
// and reports it once.
func (l *rtcLink) remoteClosed(cause error) {
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		return
	}
	l.ended = true
	notify := !l.closing
	l.closing = true
	l.mu.Unlock()

	l.t.forget(l.callID)
	if err := l.pc.Close(); err != nil {
		l.logger.Warn("closing peer connection", zap.Error(err))
	}
	if notify && l.cb.OnClose != nil {
		l.cb.OnClose(cause)
	}
}

// abort drops a link that never got as far as signaling.
func (l *rtcLink) abort() {
	l.mu.Lock()
	l.closing = true
	l.ended = true
	l.mu.Unlock()
	l.t.forget(l.callID)
	_ = l.pc.Close()
}

func (l *rtcLink) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	l.mu.Lock()
	sender := l.senders[kind]
	closing := l.closing
	l.mu.Unlock()
	if closing {
		return shared.ErrCallHungUp
	}
	if sender == nil {
		return fmt.Errorf("no %s sender", kind)
	}
	return sender.ReplaceTrack(track)
}

// Close hangs up: the peer is told and no OnClose is reported locally.
func (l *rtcLink) Close() error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil
	}
	l.closing = true
	l.ended = true
	l.mu.Unlock()

	l.t.forget(l.callID)
	if err := l.t.signal(ClientEventTypeCallHangup, &EventParamCallSignal{CallID: l.callID, To: l.peerID}); err != nil {
		l.logger.Debug("sending hangup", zap.Error(err))
	}
	if err := l.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}

func placeholderTrack(kind webrtc.RTPCodecType) (webrtc.TrackLocal, error) {
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), "placeholder")
	if err != nil {
		return nil, fmt.Errorf("creating %s placeholder: %w", kind, err)
	}
	return track, nil
}

// drainRTCP keeps interceptors fed; it returns when the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
