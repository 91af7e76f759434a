package tools

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/pion/interceptor"
	"go.uber.org/zap"
)

// PacketReader is satisfied by *webrtc.TrackRemote.
type PacketReader interface {
	Read(b []byte) (n int, attributes interceptor.Attributes, err error)
}

type TrackStats struct {
	Packets uint64
	Bytes   uint64
	Elapsed time.Duration
}

// Bitrate in bits per second over the whole drain.
func (s TrackStats) Bitrate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes*8) / s.Elapsed.Seconds()
}

// DrainRemoteTrack reads packets until the track ends or ctx is done,
// calling report every interval with running totals. A receiver nobody reads
// from stalls its RTCP feedback, so tracks without a sink still get drained.
func DrainRemoteTrack(ctx context.Context, logger shared.LoggerAdapter, track PacketReader, interval time.Duration, report func(TrackStats)) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	var (
		buf   = make([]byte, 1500)
		stats TrackStats
		start = time.Now()
		last  = start
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, _, err := track.Read(buf)
		if err != nil {
			stats.Elapsed = time.Since(start)
			if report != nil {
				report(stats)
			}
			if errors.Is(err, io.EOF) {
				logger.Debug("remote track ended", zap.Uint64("packets", stats.Packets))
				return nil
			}
			return err
		}
		stats.Packets++
		stats.Bytes += uint64(n)
		if report != nil && interval > 0 && time.Since(last) >= interval {
			last = time.Now()
			stats.Elapsed = last.Sub(start)
			report(stats)
		}
	}
}
