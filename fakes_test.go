package meshcall

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func newTestTrack(t *testing.T, kind webrtc.RTPCodecType, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "local")
	require.NoError(t, err)
	return track
}

type staticSource struct {
	mu     sync.Mutex
	tracks map[webrtc.RTPCodecType]webrtc.TrackLocal
}

func newStaticSource(t *testing.T) *staticSource {
	return &staticSource{tracks: map[webrtc.RTPCodecType]webrtc.TrackLocal{
		webrtc.RTPCodecTypeAudio: newTestTrack(t, webrtc.RTPCodecTypeAudio, "audio"),
		webrtc.RTPCodecTypeVideo: newTestTrack(t, webrtc.RTPCodecTypeVideo, "video"),
	}}
}

func (s *staticSource) OutboundTracks() map[webrtc.RTPCodecType]webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[webrtc.RTPCodecType]webrtc.TrackLocal, len(s.tracks))
	for k, v := range s.tracks {
		out[k] = v
	}
	return out
}

func (s *staticSource) set(kind webrtc.RTPCodecType, track webrtc.TrackLocal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if track == nil {
		delete(s.tracks, kind)
		return
	}
	s.tracks[kind] = track
}

// teardownLog records the order in which session parts are shut down.
type teardownLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *teardownLog) add(step string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
}

func (l *teardownLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = nil
}

// order returns the steps with repeats of the same step collapsed.
func (l *teardownLog) order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Compact(slices.Clone(l.steps))
}

// switchboard connects fakeTransports in memory. A call is live from Answer
// until either side closes.
type switchboard struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	answered   atomic.Int64
	live       map[*fakeLink]bool
}

func newSwitchboard() *switchboard {
	return &switchboard{transports: make(map[string]*fakeTransport), live: make(map[*fakeLink]bool)}
}

func (sb *switchboard) transport(id, name string) *fakeTransport {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	t := &fakeTransport{sb: sb, id: id, name: name}
	sb.transports[id] = t
	return t
}

func (sb *switchboard) get(id string) *fakeTransport {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.transports[id]
}

// livePairs counts connected link pairs.
func (sb *switchboard) livePairs() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.live) / 2
}

func (sb *switchboard) setLive(l *fakeLink, live bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if live {
		sb.live[l] = true
	} else {
		delete(sb.live, l)
	}
}

type fakeTransport struct {
	sb   *switchboard
	id   string
	name string
	log  *teardownLog

	mu       sync.Mutex
	incoming func(IncomingCall)
	closed   bool
	dials    int
	links    []*fakeLink
}

func (t *fakeTransport) Open(context.Context) (string, error) { return t.id, nil }

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) OnIncoming(handler func(IncomingCall)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incoming = handler
}

func (t *fakeTransport) Close() error {
	t.log.add("transport")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) allLinks() []*fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeLink(nil), t.links...)
}

func (t *fakeTransport) Dial(ctx context.Context, peerID, name string, tracks map[webrtc.RTPCodecType]webrtc.TrackLocal, cb LinkCallbacks) (PeerLink, error) {
	t.mu.Lock()
	t.dials++
	t.mu.Unlock()
	peer := t.sb.get(peerID)
	if peer == nil {
		return nil, errors.New("unknown peer")
	}
	l := newFakeLink(t, peerID, tracks, cb)
	peer.mu.Lock()
	handler := peer.incoming
	peer.mu.Unlock()
	if handler != nil {
		go handler(&fakeIncoming{from: t, caller: l})
	}
	return l, nil
}

type fakeIncoming struct {
	from   *fakeTransport
	caller *fakeLink
	to     *fakeTransport
}

func (in *fakeIncoming) PeerID() string { return in.from.id }

func (in *fakeIncoming) Name() string { return in.from.name }

func (in *fakeIncoming) Answer(ctx context.Context, tracks map[webrtc.RTPCodecType]webrtc.TrackLocal, cb LinkCallbacks) (PeerLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	callee := in.caller.owner.sb.get(in.caller.peerID)
	l := newFakeLink(callee, in.from.id, tracks, cb)
	if !in.caller.pair(l) {
		return nil, shared.ErrCallHungUp
	}
	in.from.sb.answered.Add(1)
	go in.caller.open()
	go l.open()
	return l, nil
}

func (in *fakeIncoming) Reject(string) error {
	in.caller.remoteClosed(shared.ErrCallRejected)
	return nil
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (r fakeRemoteTrack) ID() string                { return r.id }
func (r fakeRemoteTrack) StreamID() string          { return "remote" }
func (r fakeRemoteTrack) Kind() webrtc.RTPCodecType { return r.kind }

type fakeLink struct {
	owner  *fakeTransport
	peerID string
	cb     LinkCallbacks
	log    *teardownLog

	mu          sync.Mutex
	tracks      map[webrtc.RTPCodecType]webrtc.TrackLocal
	remote      *fakeLink
	closed      bool
	notified    bool
	failReplace bool
	replaced    int
}

func newFakeLink(owner *fakeTransport, peerID string, tracks map[webrtc.RTPCodecType]webrtc.TrackLocal, cb LinkCallbacks) *fakeLink {
	l := &fakeLink{owner: owner, peerID: peerID, cb: cb, tracks: make(map[webrtc.RTPCodecType]webrtc.TrackLocal)}
	for k, v := range tracks {
		l.tracks[k] = v
	}
	owner.mu.Lock()
	l.log = owner.log
	owner.links = append(owner.links, l)
	owner.mu.Unlock()
	return l
}

func (l *fakeLink) pair(remote *fakeLink) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.remote = remote
	l.mu.Unlock()
	remote.mu.Lock()
	remote.remote = l
	remote.mu.Unlock()
	l.owner.sb.setLive(l, true)
	remote.owner.sb.setLive(remote, true)
	return true
}

func (l *fakeLink) open() {
	l.mu.Lock()
	remote := l.remote
	closed := l.closed
	l.mu.Unlock()
	if closed || remote == nil {
		return
	}
	if l.cb.OnOpen != nil {
		l.cb.OnOpen()
	}
	if l.cb.OnTrack != nil {
		for kind := range remote.currentTracks() {
			l.cb.OnTrack(fakeRemoteTrack{id: remote.owner.id + "-" + kind.String(), kind: kind})
		}
	}
}

func (l *fakeLink) currentTracks() map[webrtc.RTPCodecType]webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[webrtc.RTPCodecType]webrtc.TrackLocal, len(l.tracks))
	for k, v := range l.tracks {
		out[k] = v
	}
	return out
}

func (l *fakeLink) track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracks[kind]
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("link closed")
	}
	if l.failReplace {
		return errors.New("sender rejected track")
	}
	l.replaced++
	if track == nil {
		delete(l.tracks, kind)
	} else {
		l.tracks[kind] = track
	}
	return nil
}

func (l *fakeLink) Close() error {
	l.log.add("call")
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	remote := l.remote
	l.mu.Unlock()
	l.owner.sb.setLive(l, false)
	if remote != nil {
		remote.remoteClosed(shared.ErrCallHungUp)
	}
	return nil
}

// remoteClosed closes l on behalf of the far side and fires OnClose once.
func (l *fakeLink) remoteClosed(err error) {
	l.mu.Lock()
	if l.notified {
		l.mu.Unlock()
		return
	}
	l.notified = true
	l.closed = true
	l.mu.Unlock()
	l.owner.sb.setLive(l, false)
	if l.cb.OnClose != nil {
		go l.cb.OnClose(err)
	}
}

// recordingObserver collects observer calls for assertions.
type recordingObserver struct {
	NopObserver

	mu        sync.Mutex
	updates   []RemoteParticipant
	removed   []string
	admission []AdmissionState
	chat      []ChatMessage
	notes     []Notification
	ended     []error
}

func (o *recordingObserver) AdmissionChanged(s AdmissionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.admission = append(o.admission, s)
}

func (o *recordingObserver) ParticipantUpdated(p RemoteParticipant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, p)
}

func (o *recordingObserver) ParticipantRemoved(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
}

func (o *recordingObserver) ChatMessage(m ChatMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chat = append(o.chat, m)
}

func (o *recordingObserver) Notify(n Notification) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notes = append(o.notes, n)
}

func (o *recordingObserver) SessionEnded(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, err)
}

func (o *recordingObserver) removedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.removed)
}

func (o *recordingObserver) endedWith() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.ended...)
}

func (o *recordingObserver) chatCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.chat)
}

// fakeChannel records client events and plays back server events on its
// own goroutine, the way the socket read pump does.
type fakeChannel struct {
	mu       sync.Mutex
	events   []*ClientEvent
	emitErr  error
	openErr  error
	opens    int
	closed   bool
	onEvent  EventHandler
	onStatus StatusHandler
	resume   func() bool
	onJoin   func(ch *fakeChannel, p *ClientEventParamJoinRoom)
	queue    chan *ServerEvent
	stop     chan struct{}
	log      *teardownLog
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{resume: func() bool { return true }}
}

func (c *fakeChannel) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.openErr != nil {
		return c.openErr
	}
	c.queue = make(chan *ServerEvent, 64)
	c.stop = make(chan struct{})
	go c.pump(c.queue, c.stop)
	return nil
}

func (c *fakeChannel) pump(queue chan *ServerEvent, stop chan struct{}) {
	for {
		select {
		case ev := <-queue:
			c.mu.Lock()
			handler := c.onEvent
			c.mu.Unlock()
			if handler != nil {
				handler(ev)
			}
		case <-stop:
			return
		}
	}
}

// deliver queues a server event.
func (c *fakeChannel) deliver(typ ServerEventType, param EventParam) {
	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()
	if queue != nil {
		queue <- &ServerEvent{EventId: "srv", Type: typ, Param: param}
	}
}

func (c *fakeChannel) status(status ChannelStatus, err error) {
	c.mu.Lock()
	handler := c.onStatus
	c.mu.Unlock()
	if handler != nil {
		handler(status, err)
	}
}

func (c *fakeChannel) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = h
}

func (c *fakeChannel) OnStatus(h StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = h
}

func (c *fakeChannel) SetResumeGuard(g func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resume = g
}

func (c *fakeChannel) canResume() bool {
	c.mu.Lock()
	g := c.resume
	c.mu.Unlock()
	return g()
}

func (c *fakeChannel) Emit(_ context.Context, ev *ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.ErrSignalingClosed
	}
	if c.emitErr != nil {
		return c.emitErr
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeChannel) JoinRoom(ctx context.Context, roomID, name, transportID string) error {
	p := &ClientEventParamJoinRoom{RoomID: roomID, Name: name, TransportID: transportID}
	if err := c.Emit(ctx, NewClientEvent(ClientEventTypeJoinRoom, p)); err != nil {
		return err
	}
	c.mu.Lock()
	hook := c.onJoin
	c.mu.Unlock()
	if hook != nil {
		hook(c, p)
	}
	return nil
}

func (c *fakeChannel) LeaveRoom(ctx context.Context, roomID string) error {
	return c.Emit(ctx, NewClientEvent(ClientEventTypeLeaveRoom, &ClientEventParamLeaveRoom{RoomID: roomID}))
}

func (c *fakeChannel) ToggleAudio(ctx context.Context, roomID, transportID string, enabled bool) error {
	return c.Emit(ctx, NewClientEvent(ClientEventTypeToggleAudio, &ClientEventParamToggle{RoomID: roomID, TransportID: transportID, Enabled: enabled}))
}

func (c *fakeChannel) ToggleVideo(ctx context.Context, roomID, transportID string, enabled bool) error {
	return c.Emit(ctx, NewClientEvent(ClientEventTypeToggleVideo, &ClientEventParamToggle{RoomID: roomID, TransportID: transportID, Enabled: enabled}))
}

func (c *fakeChannel) SendMessage(ctx context.Context, roomID, sender, message string) error {
	return c.Emit(ctx, NewClientEvent(ClientEventTypeSendMessage, &ClientEventParamSendMessage{RoomID: roomID, Sender: sender, Message: message}))
}

func (c *fakeChannel) ApproveParticipant(ctx context.Context, id string) error {
	return c.Emit(ctx, NewClientEvent(ClientEventTypeApproveParticipant, &ClientEventParamParticipant{ParticipantID: id}))
}

func (c *fakeChannel) DenyParticipant(ctx context.Context, id string) error {
	return c.Emit(ctx, NewClientEvent(ClientEventTypeDenyParticipant, &ClientEventParamParticipant{ParticipantID: id}))
}

func (c *fakeChannel) RemoveParticipant(ctx context.Context, id string) error {
	return c.Emit(ctx, NewClientEvent(ClientEventTypeRemoveParticipant, &ClientEventParamParticipant{ParticipantID: id}))
}

func (c *fakeChannel) Close() error {
	c.log.add("channel")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.stop != nil {
		close(c.stop)
	}
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) types() []ClientEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClientEventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *fakeChannel) last(typ ClientEventType) *ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == typ {
			return c.events[i]
		}
	}
	return nil
}
