package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSampleDuration(t *testing.T) {
	tests := []struct {
		name     string
		samples  int
		rate     int
		expected time.Duration
	}{
		{
			name:     "Opus 20ms frame at 48kHz",
			samples:  960,
			rate:     48000,
			expected: 20 * time.Millisecond,
		},
		{
			name:     "Opus 60ms frame at 48kHz",
			samples:  2880,
			rate:     48000,
			expected: 60 * time.Millisecond,
		},
		{
			name:     "One second at 44.1kHz",
			samples:  44100,
			rate:     44100,
			expected: time.Second,
		},
		{
			name:     "Zero samples",
			samples:  0,
			rate:     48000,
			expected: 0,
		},
		{
			name:     "Zero rate",
			samples:  960,
			rate:     0,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SampleDuration(tt.samples, tt.rate))
		})
	}
}

func TestFrameDuration(t *testing.T) {
	tests := []struct {
		name     string
		fps      float64
		expected time.Duration
	}{
		{name: "30 fps", fps: 30, expected: 33333333 * time.Nanosecond},
		{name: "25 fps", fps: 25, expected: 40 * time.Millisecond},
		{name: "60 fps", fps: 60, expected: 16666666 * time.Nanosecond},
		{name: "unset falls back to 30 fps", fps: 0, expected: 33333333 * time.Nanosecond},
		{name: "negative falls back to 30 fps", fps: -1, expected: 33333333 * time.Nanosecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FrameDuration(tt.fps))
		})
	}
}
