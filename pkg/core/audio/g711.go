package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeMulaw converts PCM16 to G.711 μ-law, one byte per sample.
func EncodeMulaw(pcm []byte) []byte {
	samples := Samples(pcm)
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMulaw(s)
	}
	return out
}

// DecodeMulaw converts G.711 μ-law to PCM16.
func DecodeMulaw(data []byte) []byte {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = mulawToLinear(b)
	}
	return FromSamples(samples)
}

// EncodeAlaw converts PCM16 to G.711 A-law.
func EncodeAlaw(pcm []byte) []byte {
	samples := Samples(pcm)
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToAlaw(s)
	}
	return out
}

// DecodeAlaw converts G.711 A-law to PCM16.
func DecodeAlaw(data []byte) []byte {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = alawToLinear(b)
	}
	return FromSamples(samples)
}

// ToPCM16 decodes data in format f to PCM16 at the same rate.
func ToPCM16(data []byte, f Format) []byte {
	switch f.Encoding {
	case EncodingMulaw:
		return DecodeMulaw(data)
	case EncodingAlaw:
		return DecodeAlaw(data)
	default:
		return data
	}
}

// FromPCM16 encodes PCM16 into format f's encoding at the same rate.
func FromPCM16(pcm []byte, f Format) []byte {
	switch f.Encoding {
	case EncodingMulaw:
		return EncodeMulaw(pcm)
	case EncodingAlaw:
		return EncodeAlaw(pcm)
	default:
		return pcm
	}
}

func linearToMulaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias
	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func mulawToLinear(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := (((mantissa << 3) + mulawBias) << exponent) - mulawBias
	if u&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}

func linearToAlaw(sample int16) byte {
	s := int(sample)
	sign := 0x80
	if s < 0 {
		s = -s - 1
		sign = 0
	}
	var out int
	if s < 256 {
		out = s >> 4
	} else {
		exponent := 7
		for mask := 0x4000; s&mask == 0 && exponent > 1; mask >>= 1 {
			exponent--
		}
		out = exponent<<4 | (s>>(exponent+3))&0x0F
	}
	return byte(out|sign) ^ 0x55
}

func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := int(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}
