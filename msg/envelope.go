package msg

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyEnvelope indicates an envelope carrying no message.
var ErrEmptyEnvelope = errors.New("msg: envelope carries no message")

// Envelope is the transport unit the bus moves around: exactly one of the
// message fields is set, discriminated by Kind. It serializes to JSON for
// cross-process backends.
type Envelope struct {
	Kind       Kind        `json:"kind"`
	Cmd        *Cmd        `json:"cmd,omitempty"`
	Data       *Data       `json:"data,omitempty"`
	AudioFrame *AudioFrame `json:"audio_frame,omitempty"`
	VideoFrame *VideoFrame `json:"video_frame,omitempty"`
}

// Wrap builds an Envelope around a message value.
func Wrap(m any) (*Envelope, error) {
	switch v := m.(type) {
	case *Cmd:
		return &Envelope{Kind: KindCmd, Cmd: v}, nil
	case *Data:
		return &Envelope{Kind: KindData, Data: v}, nil
	case *AudioFrame:
		return &Envelope{Kind: KindAudioFrame, AudioFrame: v}, nil
	case *VideoFrame:
		return &Envelope{Kind: KindVideoFrame, VideoFrame: v}, nil
	default:
		return nil, fmt.Errorf("msg: cannot wrap %T in an envelope", m)
	}
}

// Marshal serializes the envelope, flattening property bags into their
// serializable map form first.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Cmd != nil {
		e.Cmd.Props = e.Cmd.Properties.Map()
	}
	if e.Data != nil {
		e.Data.Props = e.Data.Properties.Map()
	}
	return json.Marshal(e)
}

// Unmarshal deserializes an envelope and rebuilds the property bags.
func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if e.Cmd == nil && e.Data == nil && e.AudioFrame == nil && e.VideoFrame == nil {
		return nil, ErrEmptyEnvelope
	}
	if e.Cmd != nil {
		e.Cmd.Properties = propertiesFromMap(e.Cmd.Props)
	}
	if e.Data != nil {
		e.Data.Properties = propertiesFromMap(e.Data.Props)
	}
	return &e, nil
}

func propertiesFromMap(m map[string]any) *Properties {
	p := NewProperties()
	for k, v := range m {
		p.Set(k, v)
	}
	return p
}
