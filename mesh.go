package meshcall

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// LinkCallbacks are invoked by the transport for one peer link.
// OnClose fires at most once.
type LinkCallbacks struct {
	OnOpen  func()
	OnTrack func(track RemoteTrack)
	OnClose func(err error)
}

type PeerLink interface {
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	Close() error
}

type IncomingCall interface {
	PeerID() string
	Name() string
	Answer(ctx context.Context, tracks map[webrtc.RTPCodecType]webrtc.TrackLocal, cb LinkCallbacks) (PeerLink, error)
	Reject(reason string) error
}

// CallTransport is the peer-call layer. Open registers the local identity
// and returns it.
type CallTransport interface {
	Open(ctx context.Context) (string, error)
	ID() string
	Dial(ctx context.Context, peerID, name string, tracks map[webrtc.RTPCodecType]webrtc.TrackLocal, cb LinkCallbacks) (PeerLink, error)
	OnIncoming(handler func(call IncomingCall))
	Close() error
}

// TrackSource supplies the tracks new calls carry.
type TrackSource interface {
	OutboundTracks() map[webrtc.RTPCodecType]webrtc.TrackLocal
}

type CallState int

const (
	CallPending CallState = iota
	CallOpen
	CallClosed
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallPending:
		return "pending"
	case CallOpen:
		return "open"
	case CallClosed:
		return "closed"
	case CallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CallConnection is a snapshot of one registry entry.
type CallConnection struct {
	PeerID    string
	Name      string
	State     CallState
	Outbound  bool
	StartedAt time.Time
}

type RemoteParticipant struct {
	PeerID       string
	Name         string
	AudioEnabled bool
	VideoEnabled bool
	Tracks       []RemoteTrack
}

type MeshConfig struct {
	CallTimeout time.Duration
	StaggerBase time.Duration
	StaggerStep time.Duration
}

func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		CallTimeout: 30 * time.Second,
		StaggerBase: time.Second,
		StaggerStep: time.Second,
	}
}

type call struct {
	id        uint64
	peerID    string
	name      string
	outbound  bool
	state     CallState
	link      PeerLink
	trackGen  uint64
	startedAt time.Time
	timer     *time.Timer
	cancel    context.CancelFunc
}

type toggles struct {
	audio *bool
	video *bool
}

// Mesh keeps one call per remote participant. It is the only writer of the
// call and participant registries.
type Mesh struct {
	logger    shared.LoggerAdapter
	transport CallTransport
	source    TrackSource
	observer  Observer
	cfg       MeshConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	self         string
	active       bool
	closed       bool
	seq          uint64
	trackGen     uint64
	calls        map[string]*call
	participants map[string]*RemoteParticipant
	pending      map[string]toggles
	scheduled    map[string]*time.Timer
}

func NewMesh(logger shared.LoggerAdapter, transport CallTransport, source TrackSource, observer Observer, cfg MeshConfig) (*Mesh, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if transport == nil || source == nil {
		return nil, shared.ErrNoConfig
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultMeshConfig().CallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mesh{
		logger:       logger.With(zap.String("component", "mesh")),
		transport:    transport,
		source:       source,
		observer:     observer,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		calls:        make(map[string]*call),
		participants: make(map[string]*RemoteParticipant),
		pending:      make(map[string]toggles),
		scheduled:    make(map[string]*time.Timer),
	}
	transport.OnIncoming(m.handleIncoming)
	return m, nil
}

// Activate opens the gate for placing and answering calls. selfID is the
// local transport identity.
func (m *Mesh) Activate(selfID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.self = selfID
	m.active = true
	m.logger.Info("mesh active", zap.String("self", selfID))
}

func (m *Mesh) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active && !m.closed
}

// CallPeer places an outbound call unless one would be redundant or
// premature. It reports whether a call was started.
func (m *Mesh) CallPeer(peerID, name string) bool {
	gen, tracks := m.outbound()

	m.mu.Lock()
	if !m.active || m.closed || peerID == "" || peerID == m.self {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.calls[peerID]; ok {
		m.mu.Unlock()
		return false
	}
	if len(tracks) == 0 {
		m.mu.Unlock()
		m.logger.Debug("no local stream, not calling", zap.String("peer", peerID))
		return false
	}
	c := m.reserve(peerID, name, true, gen)
	cb := m.callbacks(peerID, c.id)
	ctx := m.callContext(c)
	m.mu.Unlock()

	m.logger.Info("calling peer", zap.String("peer", peerID), zap.String("name", name))
	go func() {
		link, err := m.transport.Dial(ctx, peerID, name, tracks, cb)
		m.linkReady(peerID, c.id, link, err)
	}()
	return true
}

// outbound snapshots the local tracks together with the generation they
// belong to. The generation is read first: a replacement landing in between
// leaves the call looking stale, and linkReady reapplies the tracks.
func (m *Mesh) outbound() (uint64, map[webrtc.RTPCodecType]webrtc.TrackLocal) {
	m.mu.Lock()
	gen := m.trackGen
	m.mu.Unlock()
	return gen, m.source.OutboundTracks()
}

// reserve inserts a pending call carrying tracks of generation gen. Caller
// holds m.mu.
func (m *Mesh) reserve(peerID, name string, outbound bool, gen uint64) *call {
	m.seq++
	c := &call{
		id:        m.seq,
		peerID:    peerID,
		name:      name,
		outbound:  outbound,
		state:     CallPending,
		trackGen:  gen,
		startedAt: time.Now(),
	}
	id := c.id
	c.timer = time.AfterFunc(m.cfg.CallTimeout, func() {
		m.fail(peerID, id, shared.ErrCallTimeout, true)
	})
	m.calls[peerID] = c
	if t, ok := m.scheduled[peerID]; ok {
		t.Stop()
		delete(m.scheduled, peerID)
	}
	return c
}

// callContext derives the negotiation context of c. Caller holds m.mu.
func (m *Mesh) callContext(c *call) context.Context {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	c.cancel = cancel
	return ctx
}

// linkReady records the link returned by Dial or Answer. Links for calls that
// were evicted meanwhile are closed.
func (m *Mesh) linkReady(peerID string, id uint64, link PeerLink, err error) {
	if err != nil {
		m.fail(peerID, id, err, true)
		return
	}
	m.mu.Lock()
	c, ok := m.calls[peerID]
	if !ok || c.id != id {
		m.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return
	}
	c.link = link
	stale := c.trackGen != m.trackGen
	c.trackGen = m.trackGen
	m.mu.Unlock()

	if stale {
		// Tracks were replaced while the call was negotiating.
		if err := m.applyTracks(link, m.source.OutboundTracks()); err != nil {
			m.fail(peerID, id, err, true)
		}
	}
}

func (m *Mesh) applyTracks(link PeerLink, tracks map[webrtc.RTPCodecType]webrtc.TrackLocal) error {
	var errs []error
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		errs = append(errs, link.ReplaceTrack(kind, tracks[kind]))
	}
	return errors.Join(errs...)
}

func (m *Mesh) callbacks(peerID string, id uint64) LinkCallbacks {
	return LinkCallbacks{
		OnOpen:  func() { m.opened(peerID, id) },
		OnTrack: func(track RemoteTrack) { m.trackArrived(peerID, id, track) },
		OnClose: func(err error) {
			if err == nil {
				err = shared.ErrCallHungUp
			}
			m.fail(peerID, id, err, false)
		},
	}
}

func (m *Mesh) opened(peerID string, id uint64) {
	m.mu.Lock()
	c, ok := m.calls[peerID]
	if !ok || c.id != id || c.state != CallPending {
		m.mu.Unlock()
		return
	}
	c.state = CallOpen
	if c.timer != nil {
		c.timer.Stop()
	}
	p := m.participantLocked(peerID, c.name)
	snap := p.snapshot()
	m.mu.Unlock()

	m.logger.Info("call open", zap.String("peer", peerID), zap.Bool("outbound", c.outbound))
	m.observer.ParticipantUpdated(snap)
}

func (m *Mesh) trackArrived(peerID string, id uint64, track RemoteTrack) {
	m.mu.Lock()
	c, ok := m.calls[peerID]
	if !ok || c.id != id {
		m.mu.Unlock()
		return
	}
	p := m.participantLocked(peerID, c.name)
	for i, t := range p.Tracks {
		if t.Kind() == track.Kind() {
			p.Tracks = append(p.Tracks[:i], p.Tracks[i+1:]...)
			break
		}
	}
	p.Tracks = append(p.Tracks, track)
	snap := p.snapshot()
	m.mu.Unlock()

	m.logger.Debug("remote track", zap.String("peer", peerID), zap.String("kind", track.Kind().String()))
	m.observer.ParticipantUpdated(snap)
}

// participantLocked returns the entry for peerID, creating it with any
// toggles that arrived before the call did. Caller holds m.mu.
func (m *Mesh) participantLocked(peerID, name string) *RemoteParticipant {
	p, ok := m.participants[peerID]
	if ok {
		if p.Name == "" {
			p.Name = name
		}
		return p
	}
	p = &RemoteParticipant{PeerID: peerID, Name: name, AudioEnabled: true, VideoEnabled: true}
	if t, ok := m.pending[peerID]; ok {
		if t.audio != nil {
			p.AudioEnabled = *t.audio
		}
		if t.video != nil {
			p.VideoEnabled = *t.video
		}
		delete(m.pending, peerID)
	}
	m.participants[peerID] = p
	return p
}

func (p *RemoteParticipant) snapshot() RemoteParticipant {
	s := *p
	s.Tracks = append([]RemoteTrack(nil), p.Tracks...)
	return s
}

// fail evicts the call and participant for peerID if the call is still the
// current one. closeLink is false when the transport already closed it.
func (m *Mesh) fail(peerID string, id uint64, cause error, closeLink bool) {
	m.mu.Lock()
	c, ok := m.calls[peerID]
	if !ok || c.id != id {
		m.mu.Unlock()
		return
	}
	if errors.Is(cause, shared.ErrCallTimeout) && c.state != CallPending {
		m.mu.Unlock()
		return
	}
	_, hadParticipant := m.evictLocked(peerID)
	m.mu.Unlock()

	if errors.Is(cause, context.Canceled) {
		cause = shared.ErrSessionClosed
	}
	err := &shared.CallError{PeerID: peerID, Err: cause}
	m.logger.Warn("call ended", zap.String("peer", peerID), zap.Error(err))
	if closeLink && c.link != nil {
		_ = c.link.Close()
	}
	if hadParticipant {
		m.observer.ParticipantRemoved(peerID)
	}
}

// evictLocked removes the call and participant together. Caller holds m.mu.
func (m *Mesh) evictLocked(peerID string) (*call, bool) {
	c, ok := m.calls[peerID]
	if ok {
		delete(m.calls, peerID)
		if c.state == CallPending {
			c.state = CallFailed
		} else {
			c.state = CallClosed
		}
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.cancel != nil {
			c.cancel()
		}
	}
	_, had := m.participants[peerID]
	delete(m.participants, peerID)
	delete(m.pending, peerID)
	if t, ok := m.scheduled[peerID]; ok {
		t.Stop()
		delete(m.scheduled, peerID)
	}
	return c, had
}

// handleIncoming answers an inbound call when media is ready and no call to
// the peer exists. Simultaneous calls between two peers are resolved in
// favour of the call placed by the lower identity.
func (m *Mesh) handleIncoming(in IncomingCall) {
	peerID := in.PeerID()
	gen, tracks := m.outbound()

	m.mu.Lock()
	reason := ""
	var replaced *call
	switch {
	case m.closed || !m.active:
		reason = "not in room"
	case len(tracks) == 0:
		reason = "no local media"
	case peerID == m.self:
		reason = "self call"
	default:
		if existing, ok := m.calls[peerID]; ok {
			if existing.outbound && existing.state == CallPending && peerID < m.self {
				replaced = existing
				delete(m.calls, peerID)
				existing.state = CallClosed
				existing.timer.Stop()
				if existing.cancel != nil {
					existing.cancel()
				}
			} else {
				reason = "already connected"
			}
		}
	}
	if reason != "" {
		m.mu.Unlock()
		m.logger.Info("rejecting call", zap.String("peer", peerID), zap.String("reason", reason))
		if err := in.Reject(reason); err != nil {
			m.logger.Warn("rejecting call", zap.String("peer", peerID), zap.Error(err))
		}
		return
	}
	c := m.reserve(peerID, in.Name(), false, gen)
	cb := m.callbacks(peerID, c.id)
	ctx := m.callContext(c)
	m.mu.Unlock()

	if replaced != nil && replaced.link != nil {
		m.logger.Debug("dropping crossed outbound call", zap.String("peer", peerID))
		_ = replaced.link.Close()
	}
	m.logger.Info("answering call", zap.String("peer", peerID), zap.String("name", in.Name()))
	go func() {
		link, err := in.Answer(ctx, tracks, cb)
		m.linkReady(peerID, c.id, link, err)
	}()
}

// SyncRoster calls every listed peer that is neither self nor connected,
// staggering the calls by an increasing delay.
func (m *Mesh) SyncRoster(peers []Participant) {
	sorted := append([]Participant(nil), peers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PeerID < sorted[j].PeerID })

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.closed {
		return
	}
	n := 0
	for _, p := range sorted {
		if p.PeerID == "" || p.PeerID == m.self {
			continue
		}
		if _, ok := m.calls[p.PeerID]; ok {
			continue
		}
		if _, ok := m.scheduled[p.PeerID]; ok {
			continue
		}
		peer := p
		delay := shared.Stagger(n, m.cfg.StaggerBase, m.cfg.StaggerStep)
		n++
		m.scheduled[peer.PeerID] = time.AfterFunc(delay, func() {
			m.mu.Lock()
			delete(m.scheduled, peer.PeerID)
			m.mu.Unlock()
			m.CallPeer(peer.PeerID, peer.Name)
		})
	}
}

// Evict hangs up on peerID, used when the room reports it left or was
// removed.
func (m *Mesh) Evict(peerID string) {
	m.mu.Lock()
	c, had := m.evictLocked(peerID)
	m.mu.Unlock()
	if c != nil && c.link != nil {
		if err := c.link.Close(); err != nil {
			m.logger.Warn("closing call", zap.String("peer", peerID), zap.Error(err))
		}
	}
	if had {
		m.observer.ParticipantRemoved(peerID)
	}
}

// SetRemoteAudio mirrors a remote toggle. Toggles for peers without an entry
// are kept until the entry is created.
func (m *Mesh) SetRemoteAudio(peerID string, enabled bool) {
	m.setRemote(peerID, func(p *RemoteParticipant) { p.AudioEnabled = enabled }, func(t *toggles) { t.audio = &enabled })
}

func (m *Mesh) SetRemoteVideo(peerID string, enabled bool) {
	m.setRemote(peerID, func(p *RemoteParticipant) { p.VideoEnabled = enabled }, func(t *toggles) { t.video = &enabled })
}

func (m *Mesh) setRemote(peerID string, apply func(*RemoteParticipant), later func(*toggles)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	p, ok := m.participants[peerID]
	if !ok {
		t := m.pending[peerID]
		later(&t)
		m.pending[peerID] = t
		m.mu.Unlock()
		return
	}
	apply(p)
	snap := p.snapshot()
	m.mu.Unlock()
	m.observer.ParticipantUpdated(snap)
}

// ReplaceTrack swaps the outbound track of kind on every call. A call that
// refuses the new track is hung up and evicted so none keeps the old one.
func (m *Mesh) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	m.mu.Lock()
	m.trackGen++
	gen := m.trackGen
	targets := make([]*call, 0, len(m.calls))
	for _, c := range m.calls {
		if c.link != nil {
			c.trackGen = gen
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range targets {
		if err := c.link.ReplaceTrack(kind, track); err != nil {
			ce := &shared.CallError{PeerID: c.peerID, Err: err}
			errs = append(errs, ce)
			m.fail(c.peerID, c.id, err, true)
		}
	}
	return errors.Join(errs...)
}

func (m *Mesh) Connections() []CallConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallConnection, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, CallConnection{
			PeerID:    c.peerID,
			Name:      c.name,
			State:     c.state,
			Outbound:  c.outbound,
			StartedAt: c.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (m *Mesh) Participants() []RemoteParticipant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RemoteParticipant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (m *Mesh) Participant(peerID string) (RemoteParticipant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[peerID]
	if !ok {
		return RemoteParticipant{}, false
	}
	return p.snapshot(), true
}

// CloseAll hangs up every call and leaves both registries empty. The mesh
// cannot be reactivated afterwards.
func (m *Mesh) CloseAll() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.active = false
	m.cancel()
	var links []PeerLink
	for peerID := range m.calls {
		if c, _ := m.evictLocked(peerID); c != nil && c.link != nil {
			links = append(links, c.link)
		}
	}
	for peerID, t := range m.scheduled {
		t.Stop()
		delete(m.scheduled, peerID)
	}
	m.participants = make(map[string]*RemoteParticipant)
	m.pending = make(map[string]toggles)
	m.mu.Unlock()

	var errs []error
	for _, l := range links {
		errs = append(errs, l.Close())
	}
	m.logger.Info("mesh closed", zap.Int("calls", len(links)))
	return errors.Join(errs...)
}
