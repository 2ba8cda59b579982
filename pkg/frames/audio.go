package frames

import (
	"sync"
	"time"
)

// AudioFrame is one chunk of raw caller audio. Frames decoded from an
// envelope borrow their buffer from a pool and must be released after the
// bytes have been forwarded.
type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	pooled bool
}

func NewAudioFrame(pts int64, data []byte, rate, ch int) AudioFrame {
	return AudioFrame{pts: pts, data: data, rate: rate, ch: ch}
}

// NewAudioFrameFromPool copies data into a pooled buffer.
func NewAudioFrameFromPool(pts int64, data []byte, rate, ch int) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{pts: pts, data: buf, rate: rate, ch: ch, pooled: true}
}

func (a AudioFrame) PTS() int64         { return a.pts }
func (a AudioFrame) Data() []byte       { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte { return a.data }
func (a AudioFrame) Len() int           { return len(a.data) }
func (a AudioFrame) Rate() int          { return a.rate }
func (a AudioFrame) Channels() int      { return a.ch }

// Duration estimates the playback length assuming 16-bit samples for
// linear PCM and 8-bit samples for mu-law at 8 kHz.
func (a AudioFrame) Duration() time.Duration {
	if a.rate <= 0 || a.ch <= 0 {
		return 0
	}
	bytesPerSample := 2
	if a.rate == 8000 {
		bytesPerSample = 1
	}
	samples := len(a.data) / (bytesPerSample * a.ch)
	return time.Duration(samples) * time.Second / time.Duration(a.rate)
}

// Release returns a pooled buffer. Safe to call on unpooled frames.
func (a AudioFrame) Release() bool {
	if !a.pooled {
		return false
	}
	ReleaseAudioBuf(a.data)
	return true
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}
