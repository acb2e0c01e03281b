package msg

import (
	"github.com/google/uuid"
)

// Kind identifies the flavor of a message.
type Kind string

const (
	KindCmd        Kind = "cmd"
	KindData       Kind = "data"
	KindAudioFrame Kind = "audio_frame"
	KindVideoFrame Kind = "video_frame"
)

// Header carries the fields common to every message flavor.
type Header struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
}

func newHeader(kind Kind, name string) Header {
	return Header{
		ID:   uuid.NewString(),
		Kind: kind,
		Name: name,
	}
}

// Cmd is a named command message.
type Cmd struct {
	Header
	Properties *Properties `json:"-"`

	// Props is the serializable view of Properties, populated by Envelope
	// marshaling for cross-process transport.
	Props map[string]any `json:"properties,omitempty"`
}

// NewCmd creates a command with the given name and a fresh ID.
func NewCmd(name string) *Cmd {
	return &Cmd{
		Header:     newHeader(KindCmd, name),
		Properties: NewProperties(),
	}
}

// Data is a named opaque payload message.
type Data struct {
	Header
	Properties *Properties    `json:"-"`
	Props      map[string]any `json:"properties,omitempty"`
	Payload    []byte         `json:"payload,omitempty"`
}

// NewData creates a data message with the given name and payload.
func NewData(name string, payload []byte) *Data {
	return &Data{
		Header:     newHeader(KindData, name),
		Properties: NewProperties(),
		Payload:    payload,
	}
}

// AudioFrame is a PCM audio frame message.
type AudioFrame struct {
	Header
	SampleRate        int    `json:"sample_rate"`
	Channels          int    `json:"channels"`
	BytesPerSample    int    `json:"bytes_per_sample"`
	SamplesPerChannel int    `json:"samples_per_channel"`
	Timestamp         int64  `json:"timestamp"`
	EOF               bool   `json:"eof"`
	Data              []byte `json:"data,omitempty"`
}

// NewAudioFrame creates an audio frame with the given name and a fresh ID.
func NewAudioFrame(name string) *AudioFrame {
	return &AudioFrame{
		Header: newHeader(KindAudioFrame, name),
	}
}

// VideoFrame is a video frame message.
type VideoFrame struct {
	Header
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
	EOF       bool   `json:"eof"`
	Data      []byte `json:"data,omitempty"`
}

// NewVideoFrame creates a video frame with the given name and a fresh ID.
func NewVideoFrame(name string) *VideoFrame {
	return &VideoFrame{
		Header: newHeader(KindVideoFrame, name),
	}
}
