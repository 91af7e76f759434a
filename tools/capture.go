package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/meshcall"
	"github.com/bt-bridge/meshcall/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// DeviceCapturer opens the default camera and microphone through
// mediadevices and encodes them to VP8 and Opus.
type DeviceCapturer struct {
	logger     shared.LoggerAdapter
	opusParams opus.Params
	vpxParams  vpx.VP8Params
}

var _ meshcall.Capturer = (*DeviceCapturer)(nil)

func NewDeviceCapturer(logger shared.LoggerAdapter) (*DeviceCapturer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("creating vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	return &DeviceCapturer{
		logger:     logger.With(zap.String("component", "capture")),
		opusParams: opusParams,
		vpxParams:  vpxParams,
	}, nil
}

type captureResult struct {
	stream mediadevices.MediaStream
	err    error
}

// Capture blocks until the devices are open or ctx ends. Devices that open
// after ctx ended are closed again.
func (c *DeviceCapturer) Capture(ctx context.Context, cons meshcall.Constraints) ([]meshcall.LocalTrack, error) {
	if !cons.Audio && !cons.Video {
		return nil, errors.New("nothing to capture")
	}
	constraints := mediadevices.MediaStreamConstraints{
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&c.opusParams),
			mediadevices.WithVideoEncoders(&c.vpxParams),
		),
	}
	if cons.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(cons.SampleRate)
			mc.ChannelCount = prop.Int(cons.ChannelCount)
			mc.SampleSize = prop.Int(16)
		}
		c.logger.Debug(
			"audio processing preferences",
			zap.Bool("echo_cancellation", cons.EchoCancellation),
			zap.Bool("noise_suppression", cons.NoiseSuppression),
			zap.Bool("auto_gain_control", cons.AutoGainControl),
		)
	}
	if cons.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.Int(cons.Width)
			mc.Height = prop.Int(cons.Height)
			mc.FrameRate = prop.Float(cons.FrameRate)
		}
	}

	resC := make(chan captureResult, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		resC <- captureResult{stream: stream, err: err}
	}()
	var res captureResult
	select {
	case <-ctx.Done():
		go func() {
			if late := <-resC; late.err == nil {
				closeAll(late.stream.GetTracks())
			}
		}()
		return nil, ctx.Err()
	case res = <-resC:
	}
	if res.err != nil {
		return nil, fmt.Errorf("getting user media: %w", res.err)
	}

	frame := FrameDuration(cons.FrameRate)
	var tracks []meshcall.LocalTrack
	for _, src := range res.stream.GetTracks() {
		t, err := newDeviceTrack(c.logger, src, frame, time.Duration(c.opusParams.Latency), cons.SampleRate)
		if err != nil {
			for _, made := range tracks {
				_ = made.Stop()
			}
			closeAll(res.stream.GetTracks())
			return nil, err
		}
		tracks = append(tracks, t)
	}
	c.logger.Info("devices opened", zap.Int("tracks", len(tracks)), zap.Bool("video", cons.Video))
	return tracks, nil
}

func closeAll(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

// deviceTrack pumps encoded samples from a device into a sample track. A
// disabled track keeps its sender but writes nothing.
type deviceTrack struct {
	logger shared.LoggerAdapter
	src    mediadevices.Track
	local  *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	once    sync.Once

	mu      sync.Mutex
	onEnded func(error)
}

var _ meshcall.LocalTrack = (*deviceTrack)(nil)

func newDeviceTrack(logger shared.LoggerAdapter, src mediadevices.Track, frame, audioFrame time.Duration, sampleRate int) (*deviceTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, src.ID(), "meshcall")
	if err != nil {
		return nil, fmt.Errorf("creating %s sample track: %w", src.Kind(), err)
	}
	reader, err := src.NewEncodedReader(capability.MimeType)
	if err != nil {
		return nil, fmt.Errorf("creating %s encoded reader: %w", src.Kind(), err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &deviceTrack{
		logger: logger.With(zap.String("track", src.ID()), zap.String("kind", src.Kind().String())),
		src:    src,
		local:  local,
		cancel: cancel,
	}
	t.enabled.Store(true)
	src.OnEnded(func(err error) { t.ended(err) })
	go func() {
		defer func() { _ = reader.Close() }()
		if src.Kind() == webrtc.RTPCodecTypeVideo {
			t.pump(ctx, reader, func(uint32) time.Duration { return frame })
			return
		}
		t.pump(ctx, reader, func(samples uint32) time.Duration {
			if d := SampleDuration(int(samples), sampleRate); d > 0 {
				return d
			}
			return audioFrame
		})
	}()
	return t, nil
}

func (t *deviceTrack) pump(ctx context.Context, reader mediadevices.EncodedReadCloser, duration func(samples uint32) time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.ended(nil)
				return
			}
			t.ended(err)
			return
		}
		if len(buf.Data) == 0 || !t.enabled.Load() {
			release()
			continue
		}
		err = t.local.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: duration(buf.Samples),
		})
		release()
		if err != nil {
			t.logger.Error("failed to write sample to track", err)
		}
	}
}

// ended reports a device loss once. A deliberate Stop is not a loss.
func (t *deviceTrack) ended(err error) {
	if t.stopped.Load() {
		return
	}
	t.once.Do(func() {
		t.logger.Warn("capture track ended", zap.Error(err))
		t.mu.Lock()
		handler := t.onEnded
		t.mu.Unlock()
		if handler != nil {
			if err == nil {
				err = io.EOF
			}
			handler(err)
		}
	})
}

func (t *deviceTrack) ID() string                { return t.src.ID() }
func (t *deviceTrack) Kind() webrtc.RTPCodecType { return t.src.Kind() }
func (t *deviceTrack) Local() webrtc.TrackLocal  { return t.local }
func (t *deviceTrack) Enabled() bool             { return t.enabled.Load() }

func (t *deviceTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *deviceTrack) OnEnded(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = handler
}

func (t *deviceTrack) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	if err := t.src.Close(); err != nil {
		return fmt.Errorf("closing %s device: %w", t.Kind(), err)
	}
	return nil
}
