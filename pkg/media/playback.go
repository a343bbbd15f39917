package media

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Player plays PCM audio through the default output device. Writes are
// buffered; playback starts on the first write. Flush discards pending
// audio immediately, for barge-in.
type Player struct {
	otoCtx *oto.Context
	format Format

	mu      sync.Mutex
	cond    *sync.Cond
	player  *oto.Player
	buf     []byte
	playing bool
	closed  bool

	// gen advances on every Flush. A device player only pulls audio
	// queued for its own generation, so a reader left over from a
	// flushed player cannot steal audio written afterwards.
	gen int
}

// playerReader feeds one device player from the buffer generation it was
// created for.
type playerReader struct {
	p   *Player
	gen int
}

func (r *playerReader) Read(out []byte) (int, error) {
	return r.p.readFor(r.gen, out)
}

// NewPlayer opens the default output device at the given format. A zero
// format selects DefaultFormat.
func NewPlayer(format Format) (*Player, error) {
	if format == (Format{}) {
		format = DefaultFormat()
	}

	// ~100ms device buffer: low latency without glitching.
	opts := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	p := &Player{
		otoCtx: otoCtx,
		format: format,
		buf:    make([]byte, 0, format.BytesPerSecond()*2), // 2 second capacity
	}
	p.cond = sync.NewCond(&p.mu)
	// The device player is created lazily on the first write.
	return p, nil
}

// Format returns the playback format.
func (p *Player) Format() Format {
	return p.format
}

// Write queues PCM audio for playback, starting the device player on the
// first write.
func (p *Player) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, data...)

	if !p.playing {
		p.playing = true
		p.player = p.otoCtx.NewPlayer(&playerReader{p: p, gen: p.gen})
		p.player.Play()
	}

	p.cond.Signal()
	return len(data), nil
}

func (p *Player) readFor(gen int, out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.buf) == 0 && !p.closed && gen == p.gen {
		p.cond.Wait()
	}
	if gen != p.gen {
		return 0, io.EOF
	}
	if p.closed && len(p.buf) == 0 {
		// Feed silence so the device drains gracefully.
		for i := range out {
			out[i] = 0
		}
		return len(out), nil
	}

	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// Buffered returns the pending audio not yet handed to the device.
func (p *Player) Buffered() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format.Duration(len(p.buf))
}

// Flush discards all pending audio and stops the current device player, so
// the next write starts fresh. Used when the remote interrupts its own
// output or the user barges in.
func (p *Player) Flush() error {
	p.mu.Lock()
	p.buf = p.buf[:0]
	p.gen++
	player := p.player
	p.player = nil
	p.playing = false
	p.cond.Broadcast()
	p.mu.Unlock()

	if player != nil {
		// Pause stops audio immediately; Reset clears the device buffer so
		// stale audio cannot overlap the next utterance.
		player.Pause()
		player.Reset()
		return player.Close()
	}
	return nil
}

// Close releases the device. Idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	player := p.player
	p.player = nil
	p.mu.Unlock()

	if player != nil {
		player.Close()
	}
	return nil
}
