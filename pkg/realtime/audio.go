package realtime

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/parlo-app/parlo-go/pkg/media"
)

// AudioSink consumes decoded assistant audio. Flush drops anything
// buffered but not yet played, which is how barge-in cuts the assistant
// off mid-sentence.
type AudioSink interface {
	io.WriteCloser
	Flush() error
}

// sampleWriter is the slice of the local track the microphone pump
// needs.
type sampleWriter interface {
	WriteSample(pionmedia.Sample) error
}

// rtpSource is the slice of a remote track the playback pump reads.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// pipeline moves microphone audio to the service and assistant audio to
// the speaker. One pipeline serves the whole connection; remote pumps
// attach as tracks arrive.
//
// The pipeline takes ownership of the source and closes it on Cleanup,
// since closing is the only way to unblock the microphone pump. The
// sink is closed only when ownsSink is set; a caller-provided sink is
// left open for reuse.
type pipeline struct {
	log    *slog.Logger
	format media.Format

	source   io.ReadCloser
	sink     AudioSink
	ownsSink bool
	enc      *media.Encoder

	mu      sync.Mutex
	mic     sampleWriter
	started bool
	stopped bool
	muted   bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newPipeline(log *slog.Logger, format media.Format, source io.ReadCloser, sink AudioSink, ownsSink bool) (*pipeline, error) {
	enc, err := media.NewEncoder(format)
	if err != nil {
		return nil, err
	}
	return &pipeline{
		log:      log,
		format:   format,
		source:   source,
		sink:     sink,
		ownsSink: ownsSink,
		enc:      enc,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins pumping microphone frames into the given track.
func (p *pipeline) Start(mic sampleWriter) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mic = mic
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pumpMic(mic)
}

// AttachRemote starts playing an incoming track. The transport has
// already deduplicated re-announced streams.
func (p *pipeline) AttachRemote(track rtpSource) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pumpRemote(track)
}

// SetMuted drops microphone frames without stopping capture, so server
// VAD sees silence while the device stays warm.
func (p *pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// FlushPlayback discards buffered assistant audio. Called when the user
// starts speaking over the assistant.
func (p *pipeline) FlushPlayback() {
	if err := p.sink.Flush(); err != nil {
		p.log.Debug("playback flush failed", "error", err)
	}
}

// WritePlayback queues decoded PCM for playback. Used by the websocket
// transport, where assistant audio arrives on the control stream
// instead of a media track.
func (p *pipeline) WritePlayback(pcm []byte) {
	if _, err := p.sink.Write(pcm); err != nil {
		p.log.Debug("playback write failed", "error", err)
	}
}

// Cleanup stops both pumps and releases the devices. Idempotent. The
// transport must be closed first so blocked track reads unwind.
func (p *pipeline) Cleanup() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()

	if p.source != nil {
		p.source.Close()
	}
	p.wg.Wait()
	if p.sink != nil && p.ownsSink {
		p.sink.Close()
	}
}

func (p *pipeline) pumpMic(mic sampleWriter) {
	defer p.wg.Done()

	frame := make([]byte, p.enc.FrameBytes())
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if _, err := io.ReadFull(p.source, frame); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				p.log.Debug("microphone stream ended", "error", err)
			}
			return
		}
		if p.Muted() {
			continue
		}

		packet, err := p.enc.Encode(frame)
		if err != nil {
			p.log.Debug("encode failed", "error", err)
			continue
		}
		if err := mic.WriteSample(pionmedia.Sample{
			Data:     packet,
			Duration: media.FrameDuration,
		}); err != nil {
			p.log.Debug("track write failed", "error", err)
			return
		}
	}
}

func (p *pipeline) pumpRemote(track rtpSource) {
	defer p.wg.Done()

	dec, err := media.NewDecoder(p.format)
	if err != nil {
		p.log.Debug("create decoder failed", "error", err)
		return
	}
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			p.log.Debug("decode failed", "error", err)
			continue
		}
		if _, err := p.sink.Write(pcm); err != nil {
			return
		}
	}
}
