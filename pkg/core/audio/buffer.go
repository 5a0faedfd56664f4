package audio

import "sync"

// RingBuffer is a fixed-size circular buffer for audio data.
// It automatically overwrites old data when full.
type RingBuffer struct {
	mu       sync.Mutex
	data     []byte
	size     int
	writePos int
	filled   int
}

// NewRingBuffer creates a ring buffer that holds exactly durationMs of audio.
func NewRingBuffer(f Format, durationMs int) *RingBuffer {
	size := f.BytesForDurationMs(durationMs)
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// Write adds data to the ring buffer, overwriting old data if necessary.
func (r *RingBuffer) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(data) >= r.size {
		copy(r.data, data[len(data)-r.size:])
		r.writePos = 0
		r.filled = r.size
		return
	}
	n := copy(r.data[r.writePos:], data)
	if n < len(data) {
		copy(r.data, data[n:])
	}
	r.writePos = (r.writePos + len(data)) % r.size
	r.filled = min(r.size, r.filled+len(data))
}

// Read returns all data in the buffer in chronological order.
func (r *RingBuffer) Read() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < r.size {
		result := make([]byte, r.filled)
		copy(result, r.data[:r.filled])
		return result
	}
	result := make([]byte, r.size)
	firstPart := r.size - r.writePos
	copy(result[:firstPart], r.data[r.writePos:])
	copy(result[firstPart:], r.data[:r.writePos])
	return result
}

// Clear resets the ring buffer.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writePos = 0
	r.filled = 0
}

// Filled returns how many bytes are buffered.
func (r *RingBuffer) Filled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}

// Framer re-frames an arbitrary byte stream into fixed-size frames, holding
// the remainder until the next Push or Flush. Not safe for concurrent use.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a Framer emitting frames of durationMs in format f.
func NewFramer(f Format, durationMs int) *Framer {
	size := f.BytesForDurationMs(durationMs)
	if size <= 0 {
		size = 1
	}
	return &Framer{size: size}
}

// FrameSize returns the frame size in bytes.
func (f *Framer) FrameSize() int { return f.size }

// Push appends data and returns every complete frame now available.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)
	if len(f.buf) < f.size {
		return nil
	}
	n := len(f.buf) / f.size
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, f.size)
		copy(frame, f.buf[i*f.size:])
		frames = append(frames, frame)
	}
	rest := copy(f.buf, f.buf[n*f.size:])
	f.buf = f.buf[:rest]
	return frames
}

// Flush returns any partial frame and empties the Framer.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	f.buf = f.buf[:0]
	return out
}

// Reset drops buffered data.
func (f *Framer) Reset() { f.buf = f.buf[:0] }
