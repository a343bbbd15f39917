package media

import (
	"fmt"
	"time"

	"gopkg.in/hraban/opus.v2"
)

// FrameDuration is the Opus frame length used on the media track.
const FrameDuration = 20 * time.Millisecond

// maxOpusPacket bounds an encoded Opus frame.
const maxOpusPacket = 4000

// Encoder converts PCM frames to Opus packets for the outgoing track.
type Encoder struct {
	enc    *opus.Encoder
	format Format
	// samples per channel in one frame
	frameSamples int
}

// NewEncoder creates a voice-tuned Opus encoder at the given PCM format.
func NewEncoder(format Format) (*Encoder, error) {
	if format == (Format{}) {
		format = DefaultFormat()
	}
	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &Encoder{
		enc:          enc,
		format:       format,
		frameSamples: format.SampleRate / int(time.Second/FrameDuration),
	}, nil
}

// FrameBytes returns the PCM byte count of exactly one frame.
func (e *Encoder) FrameBytes() int {
	return e.frameSamples * e.format.Channels * 2
}

// Encode converts one PCM frame (16-bit signed little-endian) to an Opus
// packet. Short input is zero-padded to a full frame; input beyond one
// frame is an error.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	want := e.FrameBytes()
	if len(pcm) > want {
		return nil, fmt.Errorf("opus encode: %d bytes exceeds one frame (%d)", len(pcm), want)
	}
	samples := BytesToSamples(pcm)
	if need := e.frameSamples * e.format.Channels; len(samples) < need {
		padded := make([]int16, need)
		copy(padded, samples)
		samples = padded
	}

	out := make([]byte, maxOpusPacket)
	n, err := e.enc.Encode(samples, out)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return out[:n], nil
}

// Decoder converts Opus packets from the remote track to PCM at the local
// playback format. Opus decodes to whatever rate and channel count the
// decoder was built with, so no separate resampling step is needed.
type Decoder struct {
	dec    *opus.Decoder
	format Format
	pcmBuf []int16
}

// NewDecoder creates an Opus decoder producing PCM at the given format.
func NewDecoder(format Format) (*Decoder, error) {
	if format == (Format{}) {
		format = DefaultFormat()
	}
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	// 120ms is the longest legal Opus frame.
	maxSamples := format.SampleRate * 120 / 1000 * format.Channels
	return &Decoder{
		dec:    dec,
		format: format,
		pcmBuf: make([]int16, maxSamples),
	}, nil
}

// Decode converts one Opus packet to PCM (16-bit signed little-endian).
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcmBuf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return SamplesToBytes(d.pcmBuf[:n*d.format.Channels]), nil
}
