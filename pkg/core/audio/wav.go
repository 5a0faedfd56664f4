package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

const wavHeaderSize = 44

// WAVHeader returns a canonical 44-byte RIFF header for dataLen bytes of
// audio in format f.
func WAVHeader(dataLen int, f Format) []byte {
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	var formatCode uint16 = 1
	switch f.Encoding {
	case EncodingAlaw:
		formatCode = 6
	case EncodingMulaw:
		formatCode = 7
	}
	bitsPerSample := f.BytesPerSample() * 8
	blockAlign := channels * f.BytesPerSample()

	h := make([]byte, wavHeaderSize)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], uint32(36+dataLen))
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], formatCode)
	binary.LittleEndian.PutUint16(h[22:], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], uint16(bitsPerSample))
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], uint32(dataLen))
	return h
}

// WriteWAV writes a complete WAV file containing data.
func WriteWAV(w io.Writer, data []byte, f Format) error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("wav: invalid sample rate %d", f.SampleRate)
	}
	if _, err := w.Write(WAVHeader(len(data), f)); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wav: write data: %w", err)
	}
	return nil
}
