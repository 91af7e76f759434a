package meshcall

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Constraints describe the capture request. Audio processing flags are
// preferences; drivers that cannot honour them ignore them.
type Constraints struct {
	Video     bool
	Width     int
	Height    int
	FrameRate float64

	Audio            bool
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	ChannelCount     int
}

func DefaultConstraints() Constraints {
	return Constraints{
		Video:            true,
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		Audio:            true,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		ChannelCount:     1,
	}
}

func (c Constraints) AudioOnly() Constraints {
	c.Video = false
	c.Audio = true
	return c
}

// LocalTrack is one captured track. Local returns what gets attached to RTP
// senders; disabling a track keeps it attached but sends nothing.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
	OnEnded(handler func(err error))
	Local() webrtc.TrackLocal
}

// Capturer opens capture devices. tools.DeviceCapturer is the mediadevices
// backed implementation.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) ([]LocalTrack, error)
}

// TrackTarget receives outbound track swaps.
type TrackTarget interface {
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
}

type Stream struct {
	id     string
	tracks []LocalTrack
}

func newStream(tracks []LocalTrack) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []LocalTrack {
	return append([]LocalTrack(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []LocalTrack { return s.byKind(webrtc.RTPCodecTypeAudio) }

func (s *Stream) VideoTracks() []LocalTrack { return s.byKind(webrtc.RTPCodecTypeVideo) }

// Track returns the first track of kind, or nil.
func (s *Stream) Track(kind webrtc.RTPCodecType) LocalTrack {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *Stream) byKind(kind webrtc.RTPCodecType) []LocalTrack {
	var out []LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

type MediaConfig struct {
	Constraints Constraints
	Retries     int
	RetryDelay  time.Duration
}

func DefaultMediaConfig() MediaConfig {
	return MediaConfig{
		Constraints: DefaultConstraints(),
		Retries:     2,
		RetryDelay:  time.Second,
	}
}

// Media owns the local stream. It is the only component that stops or
// replaces tracks.
type Media struct {
	logger   shared.LoggerAdapter
	capturer Capturer
	cfg      MediaConfig

	acquireMu sync.Mutex

	mu           sync.Mutex
	stream       *Stream
	gen          uint64
	audioEnabled bool
	videoEnabled bool
	recovering   bool
	recovered    bool
	closed       bool
	target       TrackTarget
	notify       func(Notification)
}

func NewMedia(logger shared.LoggerAdapter, capturer Capturer, cfg MediaConfig) (*Media, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if capturer == nil {
		return nil, errors.New("capturer is required")
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Media{
		logger:       logger.With(zap.String("component", "media")),
		capturer:     capturer,
		cfg:          cfg,
		audioEnabled: true,
	}, nil
}

// SetTarget wires the connections that receive track replacements.
func (m *Media) SetTarget(target TrackTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = target
}

func (m *Media) SetNotifier(notify func(Notification)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = notify
}

func (m *Media) Stream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

func (m *Media) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *Media) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

// OutboundTracks returns the tracks new calls should carry, keyed by kind.
func (m *Media) OutboundTracks() map[webrtc.RTPCodecType]webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[webrtc.RTPCodecType]webrtc.TrackLocal, 2)
	if m.stream == nil {
		return out
	}
	if t := m.stream.Track(webrtc.RTPCodecTypeAudio); t != nil {
		out[webrtc.RTPCodecTypeAudio] = t.Local()
	}
	if t := m.stream.Track(webrtc.RTPCodecTypeVideo); t != nil && m.videoEnabled {
		out[webrtc.RTPCodecTypeVideo] = t.Local()
	}
	return out
}

// Acquire stops the current stream and captures a new one. Each failure is
// retried up to cfg.Retries times after cfg.RetryDelay; when video was
// requested an audio-only capture is the last resort.
func (m *Media) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, shared.ErrSessionClosed
	}
	m.recovered = false
	m.mu.Unlock()
	return m.acquire(ctx, c)
}

func (m *Media) acquire(ctx context.Context, c Constraints) (*Stream, error) {
	m.StopAll()

	var lastErr error
	for attempt := 0; attempt <= m.cfg.Retries; attempt++ {
		if attempt > 0 {
			m.logger.Warn("retrying capture", zap.Int("retry", attempt), zap.Error(lastErr))
			if err := sleepCtx(ctx, m.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
		tracks, err := m.capturer.Capture(ctx, c)
		if err == nil {
			return m.adopt(ctx, tracks)
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if c.Video {
		m.logger.Warn("falling back to audio-only capture", zap.Error(lastErr))
		tracks, err := m.capturer.Capture(ctx, c.AudioOnly())
		if err == nil {
			return m.adopt(ctx, tracks)
		}
		lastErr = err
	}
	mae := &shared.MediaAccessError{Kind: ClassifyMediaError(lastErr), Err: lastErr}
	m.logger.Error("media access failed", mae)
	return nil, mae
}

// adopt installs freshly captured tracks unless the caller stopped wanting
// them while the capture was in flight.
func (m *Media) adopt(ctx context.Context, tracks []LocalTrack) (*Stream, error) {
	m.mu.Lock()
	if ctx.Err() != nil || m.closed {
		m.mu.Unlock()
		for _, t := range tracks {
			_ = t.Stop()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, shared.ErrSessionClosed
	}
	m.gen++
	gen := m.gen
	stream := newStream(tracks)
	m.stream = stream
	m.videoEnabled = stream.Track(webrtc.RTPCodecTypeVideo) != nil
	for _, t := range stream.AudioTracks() {
		t.SetEnabled(m.audioEnabled)
	}
	m.mu.Unlock()

	for _, t := range tracks {
		track := t
		track.OnEnded(func(err error) { m.trackEnded(gen, track, err) })
	}
	m.logger.Info(
		"stream acquired",
		zap.String("stream", stream.ID()),
		zap.Int("audio", len(stream.AudioTracks())),
		zap.Int("video", len(stream.VideoTracks())),
	)
	return stream, nil
}

// StopAll stops every track of the current stream.
func (m *Media) StopAll() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.gen++
	m.mu.Unlock()
	if stream == nil {
		return
	}
	for _, t := range stream.tracks {
		if err := t.Stop(); err != nil {
			m.logger.Warn("stopping track", zap.String("track", t.ID()), zap.Error(err))
		}
	}
}

// Close stops the stream and refuses further acquisitions.
func (m *Media) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.StopAll()
}

// ReplaceTrack swaps the outbound track of kind on every live connection.
func (m *Media) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	m.mu.Lock()
	target := m.target
	m.mu.Unlock()
	if target == nil {
		return nil
	}
	return target.ReplaceTrack(kind, track)
}

// SetAudioEnabled mutes or unmutes without renegotiation.
func (m *Media) SetAudioEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioEnabled = enabled
	if m.stream == nil {
		return shared.ErrNoLocalStream
	}
	for _, t := range m.stream.AudioTracks() {
		t.SetEnabled(enabled)
	}
	return nil
}

// SetVideoEnabled releases the camera when disabling and recaptures when
// enabling, swapping tracks on every connection either way.
func (m *Media) SetVideoEnabled(ctx context.Context, enabled bool) error {
	if !enabled {
		return m.disableVideo()
	}
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if m.videoEnabled && m.stream != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	c := m.cfg.Constraints
	c.Video = true
	stream, err := m.acquire(ctx, c)
	if err != nil {
		return fmt.Errorf("re-acquiring camera: %w", err)
	}
	var errs []error
	audio := stream.Track(webrtc.RTPCodecTypeAudio)
	if audio != nil {
		errs = append(errs, m.ReplaceTrack(webrtc.RTPCodecTypeAudio, audio.Local()))
	}
	video := stream.Track(webrtc.RTPCodecTypeVideo)
	if video == nil {
		errs = append(errs, shared.ErrVideoUnavailable)
		return errors.Join(errs...)
	}
	errs = append(errs, m.ReplaceTrack(webrtc.RTPCodecTypeVideo, video.Local()))
	return errors.Join(errs...)
}

func (m *Media) disableVideo() error {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	m.mu.Lock()
	if m.stream == nil {
		m.videoEnabled = false
		m.mu.Unlock()
		return shared.ErrNoLocalStream
	}
	videos := m.stream.VideoTracks()
	m.gen++
	gen := m.gen
	m.stream = newStream(m.stream.AudioTracks())
	m.videoEnabled = false
	audios := m.stream.AudioTracks()
	m.mu.Unlock()

	for _, t := range audios {
		track := t
		track.OnEnded(func(err error) { m.trackEnded(gen, track, err) })
	}
	for _, t := range videos {
		if err := t.Stop(); err != nil {
			m.logger.Warn("stopping video track", zap.String("track", t.ID()), zap.Error(err))
		}
	}
	return m.ReplaceTrack(webrtc.RTPCodecTypeVideo, nil)
}

// trackEnded reacts to a track ending without being stopped by Media: the
// stream is recaptured once and the session carries on.
func (m *Media) trackEnded(gen uint64, track LocalTrack, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.recovering || m.recovered {
		m.mu.Unlock()
		return
	}
	m.recovering = true
	m.recovered = true
	notify := m.notify
	c := m.cfg.Constraints
	c.Video = c.Video && m.videoEnabled
	m.mu.Unlock()

	m.logger.Warn("track ended unexpectedly", zap.String("track", track.ID()), zap.Error(cause))
	if notify != nil {
		notify(Notification{Level: NotificationWarning, Message: "A capture device stopped, reconnecting it", Err: cause})
	}
	go m.recover(c, notify)
}

func (m *Media) recover(c Constraints, notify func(Notification)) {
	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	stream, err := m.acquire(ctx, c)
	if err != nil {
		m.logger.Error("recapturing after track end", err)
		if notify != nil {
			notify(Notification{Level: NotificationError, Message: "Could not recover the capture device", Err: err})
		}
		return
	}
	var errs []error
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		var local webrtc.TrackLocal
		if t := stream.Track(kind); t != nil {
			local = t.Local()
		}
		errs = append(errs, m.ReplaceTrack(kind, local))
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Error("replacing recovered tracks", err)
	}
}

// ClassifyMediaError maps capture errors onto the MediaAccessError kinds.
func ClassifyMediaError(err error) shared.MediaErrorKind {
	if err == nil {
		return shared.MediaErrorUnknown
	}
	var mae *shared.MediaAccessError
	if errors.As(err, &mae) {
		return mae.Kind
	}
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return shared.MediaErrorPermissionDenied
	case errors.Is(err, syscall.EBUSY):
		return shared.MediaErrorDeviceBusy
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return shared.MediaErrorDeviceNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return shared.MediaErrorPermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return shared.MediaErrorDeviceBusy
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such device"), strings.Contains(msg, "failed to find"):
		return shared.MediaErrorDeviceNotFound
	}
	return shared.MediaErrorUnknown
}
