package tools

import "time"

// SampleDuration is how long samples take to play at rate.
func SampleDuration(samples, rate int) time.Duration {
	if samples <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// FrameDuration is the interval between video frames, 30 fps when fps is
// unset.
func FrameDuration(fps float64) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Duration(float64(time.Second) / fps)
}
