package frames

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/callguard/pkg/errorsx"
)

// ErrMalformedFrame marks an inbound envelope that carries no usable audio.
// It is never fatal to a call.
var ErrMalformedFrame = errorsx.New("malformed frame", errorsx.ReasonMalformedFrame)

// Media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

// Envelope is one JSON message of the inbound media stream. Every nested
// block is optional; accessors define the fallback for missing fields.
type Envelope struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSID      string     `json:"streamSid,omitempty"`
	Start          *StartInfo `json:"start,omitempty"`
	Media          *MediaInfo `json:"media,omitempty"`
	Stop           *StopInfo  `json:"stop,omitempty"`
	DTMF           *DTMFInfo  `json:"dtmf,omitempty"`
}

type StartInfo struct {
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid,omitempty"`
	StreamSID        string            `json:"streamSid,omitempty"`
	From             string            `json:"from,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

type MediaInfo struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

type StopInfo struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type DTMFInfo struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit,omitempty"`
}

// DecodeEnvelope parses one raw message. Unparseable JSON and messages
// without an event name are malformed.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	env.Event = strings.ToLower(strings.TrimSpace(env.Event))
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return env, nil
}

// CallSID resolves the call identifier a start envelope announces,
// preferring the platform field over custom parameters.
func (e Envelope) CallSID() string {
	if e.Start == nil {
		return ""
	}
	if v := strings.TrimSpace(e.Start.CallSID); v != "" {
		return v
	}
	for _, key := range []string{"callSid", "CallSid", "call_sid"} {
		if v := strings.TrimSpace(e.Start.CustomParameters[key]); v != "" {
			return v
		}
	}
	return ""
}

// AudioFrame decodes the base64 payload of a media envelope into a pooled
// frame. rate and ch describe the negotiated stream format.
func (e Envelope) AudioFrame(rate, ch int) (AudioFrame, error) {
	if e.Event != EventMedia {
		return AudioFrame{}, fmt.Errorf("%w: event %q carries no audio", ErrMalformedFrame, e.Event)
	}
	if e.Media == nil || strings.TrimSpace(e.Media.Payload) == "" {
		return AudioFrame{}, fmt.Errorf("%w: missing media.payload", ErrMalformedFrame)
	}
	src := e.Media.Payload
	buf := AcquireAudioBuf(base64.StdEncoding.DecodedLen(len(src)))
	n, err := base64.StdEncoding.Decode(buf, []byte(src))
	if err != nil {
		ReleaseAudioBuf(buf)
		return AudioFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if n == 0 {
		ReleaseAudioBuf(buf)
		return AudioFrame{}, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	return AudioFrame{
		pts:    e.mediaPTS(),
		data:   buf[:n],
		rate:   rate,
		ch:     ch,
		pooled: true,
	}, nil
}

// mediaPTS uses the stream-relative millisecond timestamp when present.
func (e Envelope) mediaPTS() int64 {
	if e.Media != nil && e.Media.Timestamp != "" {
		if ms, err := strconv.ParseInt(e.Media.Timestamp, 10, 64); err == nil {
			return (time.Duration(ms) * time.Millisecond).Nanoseconds()
		}
	}
	return time.Now().UnixNano()
}
