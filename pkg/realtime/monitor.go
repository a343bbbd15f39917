package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlo-app/parlo-go/pkg/core"
)

// linkMonitor distinguishes transient link drops from real failures. An
// ICE disconnect opens a grace window; the link returning before expiry
// cancels the window and reports recovery, expiry escalates to a fatal
// connection error. The fatal callback fires at most once for the life
// of the monitor, no matter how states interleave.
type linkMonitor struct {
	grace time.Duration

	onRecovered func(outage time.Duration)
	onFatal     func(*core.Error)

	mu          sync.Mutex
	graceActive bool
	graceStart  time.Time
	timer       *time.Timer
	fatalSent   bool
}

func newLinkMonitor(grace time.Duration, onRecovered func(time.Duration), onFatal func(*core.Error)) *linkMonitor {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &linkMonitor{
		grace:       grace,
		onRecovered: onRecovered,
		onFatal:     onFatal,
	}
}

// HandlePeerState reacts to peer connection state changes. A failed peer
// connection is unrecoverable and escalates immediately.
func (m *linkMonitor) HandlePeerState(s webrtc.PeerConnectionState) {
	if s == webrtc.PeerConnectionStateFailed {
		m.fatal(core.NewConnectionError("peer connection failed"))
	}
}

// HandleICEState reacts to ICE connectivity changes.
func (m *linkMonitor) HandleICEState(s webrtc.ICEConnectionState) {
	switch s {
	case webrtc.ICEConnectionStateDisconnected:
		m.beginGrace()
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.endGrace()
	case webrtc.ICEConnectionStateFailed:
		m.fatal(core.NewConnectionError("ice negotiation failed"))
	}
}

// GraceActive reports whether a grace window is currently open.
func (m *linkMonitor) GraceActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graceActive
}

// Stop cancels any pending grace timer and suppresses all further
// callbacks. Used during teardown, when state churn is expected.
func (m *linkMonitor) Stop() {
	m.mu.Lock()
	m.graceActive = false
	m.fatalSent = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

func (m *linkMonitor) beginGrace() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fatalSent || m.graceActive {
		// A repeat disconnect does not restart the window.
		return
	}
	m.graceActive = true
	m.graceStart = time.Now()
	m.timer = time.AfterFunc(m.grace, m.expire)
}

func (m *linkMonitor) endGrace() {
	m.mu.Lock()
	if !m.graceActive {
		m.mu.Unlock()
		return
	}
	m.graceActive = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	outage := time.Since(m.graceStart)
	cb := m.onRecovered
	m.mu.Unlock()

	if cb != nil {
		cb(outage)
	}
}

func (m *linkMonitor) expire() {
	m.mu.Lock()
	if !m.graceActive {
		m.mu.Unlock()
		return
	}
	m.graceActive = false
	m.timer = nil
	m.mu.Unlock()

	m.fatal(core.NewConnectionError(fmt.Sprintf("connection lost for more than %s", m.grace)))
}

func (m *linkMonitor) fatal(err *core.Error) {
	m.mu.Lock()
	if m.fatalSent {
		m.mu.Unlock()
		return
	}
	m.fatalSent = true
	m.graceActive = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	cb := m.onFatal
	m.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}
