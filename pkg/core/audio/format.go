package audio

import "strings"

// Encoding names the sample encoding carried on a wire.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMulaw Encoding = "mulaw"
	EncodingAlaw  Encoding = "alaw"
)

// Sample rates used across the bridge.
const (
	RateTelephony = 8000
	RateInput     = 16000
	RateOutput    = 24000
)

// Format specifies audio format parameters.
type Format struct {
	Encoding   Encoding `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
}

// PCM16 returns mono 16-bit little-endian PCM at the given rate.
func PCM16(rate int) Format {
	return Format{Encoding: EncodingPCM16, SampleRate: rate, Channels: 1}
}

// Telephony returns the 8kHz mono μ-law format used by media streams.
func Telephony() Format {
	return Format{Encoding: EncodingMulaw, SampleRate: RateTelephony, Channels: 1}
}

// BytesPerSample returns the size of one sample of one channel.
func (f Format) BytesPerSample() int {
	switch f.Encoding {
	case EncodingMulaw, EncodingAlaw:
		return 1
	default:
		return 2
	}
}

// BytesPerSecond returns the audio byte rate.
func (f Format) BytesPerSecond() int {
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	return f.SampleRate * channels * f.BytesPerSample()
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (f Format) DurationMs(bytes int) int {
	if f.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / f.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (f Format) BytesForDurationMs(ms int) int {
	return (f.BytesPerSecond() * ms) / 1000
}

// ParseEncoding accepts both short names and MIME-style names such as
// "audio/x-mulaw".
func ParseEncoding(s string) (Encoding, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "audio/")
	s = strings.TrimPrefix(s, "x-")
	switch s {
	case "mulaw", "ulaw", "pcmu", "g711_ulaw":
		return EncodingMulaw, true
	case "alaw", "pcma", "g711_alaw":
		return EncodingAlaw, true
	case "pcm", "pcm16", "l16", "linear16", "":
		return EncodingPCM16, true
	default:
		return "", false
	}
}
