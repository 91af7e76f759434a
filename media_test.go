package meshcall

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id    string
	kind  webrtc.RTPCodecType
	local webrtc.TrackLocal

	log     *teardownLog

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func(error)
}

func (f *fakeTrack) ID() string                { return f.id }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) Local() webrtc.TrackLocal  { return f.local }

func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeTrack) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *fakeTrack) Stop() error {
	f.log.add("track")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeTrack) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTrack) OnEnded(handler func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnded = handler
}

// end simulates the device going away.
func (f *fakeTrack) end(err error) {
	f.mu.Lock()
	f.stopped = true
	handler := f.onEnded
	f.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

type fakeCapturer struct {
	t *testing.T

	mu        sync.Mutex
	failFirst int
	failVideo bool
	failAll   bool
	err       error
	calls     []Constraints
	tracks    []*fakeTrack
	log       *teardownLog
}

func (c *fakeCapturer) Capture(ctx context.Context, cons Constraints) ([]LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cons)
	n := len(c.calls)
	err := c.err
	if err == nil {
		err = errors.New("capture failed")
	}
	switch {
	case c.failAll, n <= c.failFirst, c.failVideo && cons.Video:
		return nil, err
	}
	out := []LocalTrack{c.newTrack(webrtc.RTPCodecTypeAudio, n)}
	if cons.Video {
		out = append(out, c.newTrack(webrtc.RTPCodecTypeVideo, n))
	}
	return out, nil
}

func (c *fakeCapturer) newTrack(kind webrtc.RTPCodecType, n int) *fakeTrack {
	id := fmt.Sprintf("%s-%d", kind, n)
	ft := &fakeTrack{id: id, kind: kind, local: newTestTrack(c.t, kind, id), enabled: true, log: c.log}
	c.tracks = append(c.tracks, ft)
	return ft
}

func (c *fakeCapturer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeCapturer) lastTrack(kind webrtc.RTPCodecType) *fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.tracks) - 1; i >= 0; i-- {
		if c.tracks[i].kind == kind {
			return c.tracks[i]
		}
	}
	return nil
}

func testMediaConfig() MediaConfig {
	cfg := DefaultMediaConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newTestMedia(t *testing.T, capt *fakeCapturer) *Media {
	t.Helper()
	capt.t = t
	m, err := NewMedia(shared.NewNopLogger(), capt, testMediaConfig())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestAcquireRetriesThenSucceeds(t *testing.T) {
	capt := &fakeCapturer{failFirst: 2}
	m := newTestMedia(t, capt)

	stream, err := m.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	assert.Equal(t, 3, capt.callCount(), "two retries then success")
	assert.Len(t, stream.AudioTracks(), 1)
	assert.Len(t, stream.VideoTracks(), 1)
	assert.True(t, m.VideoEnabled())
	assert.Same(t, stream, m.Stream())
}

func TestAcquireFallsBackToAudioOnly(t *testing.T) {
	capt := &fakeCapturer{failVideo: true}
	m := newTestMedia(t, capt)

	stream, err := m.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	assert.Equal(t, 4, capt.callCount())
	assert.False(t, capt.calls[3].Video)
	assert.Len(t, stream.AudioTracks(), 1)
	assert.Empty(t, stream.VideoTracks())
	assert.False(t, m.VideoEnabled())
	_, ok := m.OutboundTracks()[webrtc.RTPCodecTypeVideo]
	assert.False(t, ok)
}

func TestAcquireClassifiesFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind shared.MediaErrorKind
	}{
		{
			name: "permission",
			err:  fmt.Errorf("open /dev/video0: %w", os.ErrPermission),
			kind: shared.MediaErrorPermissionDenied,
		},
		{
			name: "busy",
			err:  &os.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EBUSY},
			kind: shared.MediaErrorDeviceBusy,
		},
		{
			name: "no driver",
			err:  errors.New("failed to find the best driver that fits the constraints"),
			kind: shared.MediaErrorDeviceNotFound,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			kind: shared.MediaErrorUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capt := &fakeCapturer{failAll: true, err: tt.err}
			m := newTestMedia(t, capt)

			stream, err := m.Acquire(context.Background(), DefaultConstraints())
			require.Error(t, err)
			assert.Nil(t, stream)
			var mae *shared.MediaAccessError
			require.True(t, errors.As(err, &mae))
			assert.Equal(t, tt.kind, mae.Kind)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 4, capt.callCount(), "three video attempts and one audio-only")
		})
	}
}

func TestAcquireAbandonedWhenCanceled(t *testing.T) {
	capt := &fakeCapturer{failAll: true}
	capt.t = t
	cfg := testMediaConfig()
	cfg.RetryDelay = time.Hour
	m, err := NewMedia(shared.NewNopLogger(), capt, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = m.Acquire(ctx, DefaultConstraints())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, m.Stream())
}

func TestAcquireStopsPreviousStream(t *testing.T) {
	capt := &fakeCapturer{}
	m := newTestMedia(t, capt)

	_, err := m.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	first := capt.lastTrack(webrtc.RTPCodecTypeVideo)

	_, err = m.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	assert.True(t, first.isStopped())
	assert.False(t, capt.lastTrack(webrtc.RTPCodecTypeVideo).isStopped())

	m.Close()
	assert.True(t, capt.lastTrack(webrtc.RTPCodecTypeAudio).isStopped())
	_, err = m.Acquire(context.Background(), DefaultConstraints())
	assert.ErrorIs(t, err, shared.ErrSessionClosed)
}

func TestSetAudioEnabled(t *testing.T) {
	capt := &fakeCapturer{}
	m := newTestMedia(t, capt)
	assert.ErrorIs(t, m.SetAudioEnabled(false), shared.ErrNoLocalStream)

	_, err := m.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	audio := capt.lastTrack(webrtc.RTPCodecTypeAudio)
	assert.False(t, audio.Enabled(), "mute survives a new acquisition")

	require.NoError(t, m.SetAudioEnabled(true))
	assert.True(t, audio.Enabled())
	assert.True(t, m.AudioEnabled())
	assert.False(t, audio.isStopped())
}

func TestVideoOffOnReplacesOnEveryConnection(t *testing.T) {
	capt := &fakeCapturer{}
	media := newTestMedia(t, capt)
	_, err := media.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)

	sb := newSwitchboard()
	transport := sb.transport("p1", "Ann")
	mesh, err := NewMesh(shared.NewNopLogger(), transport, media, nil, testMeshConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mesh.CloseAll() })
	media.SetTarget(mesh)
	mesh.Activate("p1")
	for _, id := range []string{"p2", "p3", "p4"} {
		newMeshNode(t, sb, id, "user-"+id, testMeshConfig()).mesh.Activate(id)
		require.True(t, mesh.CallPeer(id, "user-"+id))
	}
	require.Eventually(t, func() bool { return openCount(mesh) == 3 }, time.Second, 5*time.Millisecond)
	first := capt.lastTrack(webrtc.RTPCodecTypeVideo)

	require.NoError(t, media.SetVideoEnabled(context.Background(), false))
	assert.True(t, first.isStopped())
	assert.False(t, media.VideoEnabled())
	for _, l := range transport.allLinks() {
		assert.Nil(t, l.track(webrtc.RTPCodecTypeVideo))
	}

	require.NoError(t, media.SetVideoEnabled(context.Background(), true))
	assert.True(t, media.VideoEnabled())
	video := capt.lastTrack(webrtc.RTPCodecTypeVideo)
	audio := capt.lastTrack(webrtc.RTPCodecTypeAudio)
	require.NotSame(t, first, video)
	links := transport.allLinks()
	require.Len(t, links, 3)
	for _, l := range links {
		assert.Same(t, video.local, l.track(webrtc.RTPCodecTypeVideo))
		assert.Same(t, audio.local, l.track(webrtc.RTPCodecTypeAudio))
	}
	assert.Len(t, mesh.Connections(), 3)
}

func TestVideoOnWithoutCamera(t *testing.T) {
	capt := &fakeCapturer{failVideo: true}
	m := newTestMedia(t, capt)
	_, err := m.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)

	err = m.SetVideoEnabled(context.Background(), true)
	assert.ErrorIs(t, err, shared.ErrVideoUnavailable)
	assert.False(t, m.VideoEnabled())
	assert.NotNil(t, m.Stream().Track(webrtc.RTPCodecTypeAudio))
}

func TestTrackEndedRecoversOnce(t *testing.T) {
	capt := &fakeCapturer{}
	m := newTestMedia(t, capt)
	var (
		mu    sync.Mutex
		notes []Notification
	)
	m.SetNotifier(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		notes = append(notes, n)
	})
	target := &recordingTarget{}
	m.SetTarget(target)

	_, err := m.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	unplugged := capt.lastTrack(webrtc.RTPCodecTypeVideo)
	unplugged.end(errors.New("device removed"))

	require.Eventually(t, func() bool { return capt.callCount() == 2 && target.count() == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Len(t, notes, 1)
	assert.Equal(t, NotificationWarning, notes[0].Level)
	mu.Unlock()
	assert.NotSame(t, unplugged, capt.lastTrack(webrtc.RTPCodecTypeVideo))

	// A second failure is left to the user.
	capt.lastTrack(webrtc.RTPCodecTypeAudio).end(errors.New("device removed"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, capt.callCount())
}

func TestDeliberateStopIsNotRecovered(t *testing.T) {
	capt := &fakeCapturer{}
	m := newTestMedia(t, capt)
	_, err := m.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	video := capt.lastTrack(webrtc.RTPCodecTypeVideo)

	require.NoError(t, m.SetVideoEnabled(context.Background(), false))
	video.end(nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, capt.callCount())
}

type recordingTarget struct {
	mu    sync.Mutex
	kinds []webrtc.RTPCodecType
}

func (r *recordingTarget) ReplaceTrack(kind webrtc.RTPCodecType, _ webrtc.TrackLocal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return nil
}

func (r *recordingTarget) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

func TestClassifyMediaError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want shared.MediaErrorKind
	}{
		{name: "nil", err: nil, want: shared.MediaErrorUnknown},
		{name: "eacces", err: syscall.EACCES, want: shared.MediaErrorPermissionDenied},
		{name: "not exist", err: fmt.Errorf("stat: %w", os.ErrNotExist), want: shared.MediaErrorDeviceNotFound},
		{name: "enodev", err: syscall.ENODEV, want: shared.MediaErrorDeviceNotFound},
		{name: "message busy", err: errors.New("Device or resource busy"), want: shared.MediaErrorDeviceBusy},
		{name: "already classified", err: &shared.MediaAccessError{Kind: shared.MediaErrorDeviceBusy}, want: shared.MediaErrorDeviceBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyMediaError(tt.err))
		})
	}
}
