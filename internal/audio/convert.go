package audio

import (
	"encoding/binary"
	"time"
)

// PCM16ToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be even
// (two bytes per sample); any trailing odd byte is silently ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// Float32ToPCM16 quantizes normalised float32 samples back to 16-bit signed
// PCM values. Samples outside [-1, 1] are clamped.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := s * 32767.0
		out[i] = int16(v)
	}
	return out
}

// SampleDuration returns the playback duration of n mono samples at the
// given sample rate. Returns 0 for a non-positive rate.
func SampleDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
