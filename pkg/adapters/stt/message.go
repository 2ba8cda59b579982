package stt

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/callguard/pkg/errorsx"
)

// wireMessage is the typed schema of a streaming result message. Every
// field is optional; DecodeMessage applies the fallbacks.
type wireMessage struct {
	Type        string       `json:"type,omitempty"`
	Channel     *wireChannel `json:"channel,omitempty"`
	IsFinal     *bool        `json:"is_final,omitempty"`
	SpeechFinal *bool        `json:"speech_final,omitempty"`
	Start       *float64     `json:"start,omitempty"`
	Duration    *float64     `json:"duration,omitempty"`
}

type wireChannel struct {
	Alternatives []wireAlternative `json:"alternatives"`
}

type wireAlternative struct {
	Transcript *string  `json:"transcript,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// DecodeMessage decodes one backend message. ok is false for messages that
// carry no transcript (metadata, utterance end, speech started) or have no
// alternatives. A missing is_final means interim.
func DecodeMessage(raw []byte) (tr Transcript, ok bool, err error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Transcript{}, false, errorsx.Wrap(fmt.Errorf("decode stt message: %w", err), errorsx.ReasonSTTDecode)
	}
	if msg.Channel == nil || len(msg.Channel.Alternatives) == 0 {
		return Transcript{}, false, nil
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == nil {
		return Transcript{}, false, nil
	}
	tr = Transcript{
		Text:        *alt.Transcript,
		IsFinal:     deref(msg.IsFinal, false),
		SpeechFinal: deref(msg.SpeechFinal, false),
		Confidence:  deref(alt.Confidence, 0),
		Start:       deref(msg.Start, 0),
		Duration:    deref(msg.Duration, 0),
		Raw:         append(json.RawMessage(nil), raw...),
	}
	return tr, true, nil
}

func deref[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}
