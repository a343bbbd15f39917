package media

import (
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
)

// CaptureOptions configures microphone acquisition.
type CaptureOptions struct {
	// Format is the PCM format to capture. Zero value selects DefaultFormat.
	Format Format

	// Processing hints forwarded to the platform capture stack where the
	// backend supports them. The remote service applies its own processing
	// as well, so these are best-effort.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultCaptureOptions enables all processing hints at the protocol
// capture format.
func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		Format:           DefaultFormat(),
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Capture reads PCM audio from the default microphone. Safe for one reader.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	format Format

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

// NewCapture opens the default capture device and starts recording.
func NewCapture(opts CaptureOptions) (*Capture, error) {
	if opts.Format == (Format{}) {
		opts.Format = DefaultFormat()
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	c := &Capture{
		ctx:    malgoCtx,
		format: opts.Format,
		buf:    make([]byte, 0, opts.Format.BytesPerSecond()), // 1 second
	}
	c.cond = sync.NewCond(&c.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(opts.Format.Channels)
	deviceConfig.SampleRate = uint32(opts.Format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			c.mu.Lock()
			if !c.closed {
				c.buf = append(c.buf, pInputSamples...)
			}
			c.mu.Unlock()
			c.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		malgoCtx.Uninit()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	c.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		malgoCtx.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}

	return c, nil
}

// Format returns the capture format.
func (c *Capture) Format() Format {
	return c.format
}

// Read blocks until captured audio is available and copies it into p.
// Returns io.EOF after Close.
func (c *Capture) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.buf) == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed && len(c.buf) == 0 {
		return 0, io.EOF
	}

	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Close stops the device and wakes any blocked reader. Idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()

	if c.device != nil {
		c.device.Stop()
		c.device.Uninit()
	}
	if c.ctx != nil {
		c.ctx.Uninit()
	}
	return nil
}
