package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlo-app/parlo-go/pkg/core"
)

// controlChannelLabel is the data channel the service listens on for
// control events.
const controlChannelLabel = "oai-events"

// webrtcTransport owns the peer connection, the microphone track, and
// the control data channel for one session.
type webrtcTransport struct {
	cfg  *SessionConfig
	log  *slog.Logger
	http *http.Client

	monitor   *linkMonitor
	onMessage func([]byte)
	onTrack   func(*webrtc.TrackRemote)

	channelOpen chan struct{}
	openOnce    sync.Once

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	mic          *webrtc.TrackLocalStaticSample
	channel      *webrtc.DataChannel
	lastStreamID string
	closed       bool
}

func newWebRTCTransport(cfg *SessionConfig, log *slog.Logger, monitor *linkMonitor, onMessage func([]byte), onTrack func(*webrtc.TrackRemote)) *webrtcTransport {
	return &webrtcTransport{
		cfg:         cfg,
		log:         log,
		http:        &http.Client{Timeout: cfg.HTTPTimeout},
		monitor:     monitor,
		onMessage:   onMessage,
		onTrack:     onTrack,
		channelOpen: make(chan struct{}),
	}
}

// Dial builds the peer connection, attaches the microphone track and
// control channel, and runs the offer/answer exchange. The microphone
// track is added before the offer is created so the SDP advertises a
// sendable audio section.
func (t *webrtcTransport) Dial(ctx context.Context, credential string) *core.Error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: t.cfg.ICEServers}},
	})
	if err != nil {
		return core.Wrap(core.ErrConnection, "create peer connection", err)
	}
	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.log.Debug("ice state changed", "state", s.String())
		t.monitor.HandleICEState(s)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug("peer state changed", "state", s.String())
		t.monitor.HandlePeerState(s)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.handleTrack(track)
	})

	mic, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "parlo-mic")
	if err != nil {
		return core.Wrap(core.ErrConnection, "create microphone track", err)
	}
	sender, err := pc.AddTrack(mic)
	if err != nil {
		return core.Wrap(core.ErrConnection, "add microphone track", err)
	}
	go drainRTCP(sender)
	t.mu.Lock()
	t.mic = mic
	t.mu.Unlock()

	dc, err := pc.CreateDataChannel(controlChannelLabel, nil)
	if err != nil {
		return core.Wrap(core.ErrChannel, "create control channel", err)
	}
	dc.OnOpen(func() {
		t.log.Debug("control channel open", "label", controlChannelLabel)
		t.openOnce.Do(func() { close(t.channelOpen) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.onMessage != nil {
			t.onMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		t.log.Debug("control channel closed")
	})
	t.mu.Lock()
	t.channel = dc
	t.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return core.Wrap(core.ErrConnection, "create offer", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return core.Wrap(core.ErrConnection, "set local description", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		return core.Wrap(core.ErrConnection, "ice gathering interrupted", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return core.NewConnectionError("local description missing after gathering")
	}
	answer, cerr := negotiateSDP(ctx, t.http, t.cfg.RealtimeURL, t.cfg.Model, credential, local.SDP)
	if cerr != nil {
		return cerr
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return core.Wrap(core.ErrSignaling, "apply remote answer", err)
	}
	return nil
}

// WaitChannel blocks until the control channel opens or the configured
// timeout elapses.
func (t *webrtcTransport) WaitChannel(ctx context.Context) *core.Error {
	timer := time.NewTimer(t.cfg.ChannelOpenTimeout)
	defer timer.Stop()
	select {
	case <-t.channelOpen:
		return nil
	case <-timer.C:
		return core.NewChannelError(fmt.Sprintf("control channel did not open within %s", t.cfg.ChannelOpenTimeout))
	case <-ctx.Done():
		return core.Wrap(core.ErrChannel, "control channel wait interrupted", ctx.Err())
	}
}

func (t *webrtcTransport) Ready() bool {
	t.mu.Lock()
	dc := t.channel
	t.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (t *webrtcTransport) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	dc := t.channel
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return core.NewChannelError("control channel not open")
	}
	if err := dc.SendText(string(data)); err != nil {
		return core.Wrap(core.ErrChannel, "send control frame", err)
	}
	return nil
}

// Mic returns the local track the audio pipeline writes encoded frames
// to. Nil until Dial has run.
func (t *webrtcTransport) Mic() *webrtc.TrackLocalStaticSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mic
}

func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pc := t.pc
	t.mu.Unlock()
	if pc != nil {
		return pc.Close()
	}
	return nil
}

// handleTrack filters remote tracks down to the one assistant audio
// track. Renegotiation can re-announce the same stream; a track whose
// stream id matches the last attached one is ignored so playback is not
// torn down and rebuilt mid-utterance.
func (t *webrtcTransport) handleTrack(track *webrtc.TrackRemote) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	t.mu.Lock()
	if track.StreamID() != "" && track.StreamID() == t.lastStreamID {
		t.mu.Unlock()
		t.log.Debug("duplicate remote track ignored", "stream", track.StreamID())
		return
	}
	t.lastStreamID = track.StreamID()
	t.mu.Unlock()

	t.log.Debug("remote audio track attached",
		"stream", track.StreamID(),
		"codec", track.Codec().MimeType)
	if t.onTrack != nil {
		t.onTrack(track)
	}
}

// drainRTCP consumes incoming RTCP reports so the interceptor chain
// keeps processing feedback.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
