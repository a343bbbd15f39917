package realtime

import (
	"time"

	"github.com/parlo-app/parlo-go/pkg/core/conversation"
	"github.com/parlo-app/parlo-go/pkg/core/cost"
)

// ConnectionState represents the lifecycle of one session's connection.
type ConnectionState int

const (
	// StateIdle is before connect and after a clean disconnect.
	StateIdle ConnectionState = iota
	// StateAcquiringMedia is while the microphone is being opened.
	StateAcquiringMedia
	// StateNegotiating is while credentials and the offer/answer exchange
	// are in flight.
	StateNegotiating
	// StateChannelOpening is after negotiation, waiting for the control
	// channel to open.
	StateChannelOpening
	// StateConnected is after the control channel has opened.
	StateConnected
	// StateDisconnecting is while teardown runs.
	StateDisconnecting
	// StateFailed is after a fatal error.
	StateFailed
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquiringMedia:
		return "ACQUIRING_MEDIA"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateChannelOpening:
		return "CHANNEL_OPENING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Transport selects how the control channel reaches the realtime service.
type Transport string

const (
	// TransportWebRTC is the full media transport: peer connection, audio
	// tracks, and a data channel for control events.
	TransportWebRTC Transport = "webrtc"
	// TransportWebSocket is the text-mode fallback: the same event protocol
	// over a websocket, with audio carried as base64 deltas.
	TransportWebSocket Transport = "websocket"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	// Type of detection. Default: "server_vad".
	Type string `json:"type"`

	// Threshold is the activation level, 0.0 to 1.0. Default: 0.5.
	Threshold float64 `json:"threshold"`

	// PrefixPaddingMs is audio kept before detected speech. Default: 300.
	PrefixPaddingMs int `json:"prefix_padding_ms"`

	// SilenceDurationMs is the silence that ends a turn. Default: 500.
	SilenceDurationMs int `json:"silence_duration_ms"`
}

// DefaultTurnDetection returns the standard server-VAD settings.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
	}
}

// Timing bounds one session cycle.
type Timing struct {
	// DurationLimit is the length of one session. Default: 10 minutes.
	DurationLimit time.Duration

	// WarningOffset is how long before the limit the time warning fires.
	// Default: 2 minutes.
	WarningOffset time.Duration

	// MaxSessions is the highest session index reachable by extension.
	// Default: 3.
	MaxSessions int
}

// DefaultTiming returns the standard session cycle bounds.
func DefaultTiming() Timing {
	return Timing{
		DurationLimit: 10 * time.Minute,
		WarningOffset: 2 * time.Minute,
		MaxSessions:   3,
	}
}

// Retry shapes configuration-send retries while the control channel is
// still negotiating.
type Retry struct {
	// BaseDelay is the first backoff delay, doubling per attempt.
	// Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 4s.
	MaxDelay time.Duration

	// MaxRetries bounds the attempts after the first. Default: 5.
	MaxRetries int
}

// DefaultRetry returns the standard backoff shape.
func DefaultRetry() Retry {
	return Retry{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   4 * time.Second,
		MaxRetries: 5,
	}
}

// SessionConfig holds all configuration for a voice session.
type SessionConfig struct {
	// TokenEndpoint is the trusted broker URL issuing ephemeral
	// credentials. Required.
	TokenEndpoint string

	// RealtimeURL is the realtime API base.
	// Default: "https://api.openai.com/v1/realtime".
	RealtimeURL string

	// Model is the realtime model. Default: "gpt-realtime".
	Model string

	// Instructions is the initial system prompt for the tutor.
	Instructions string

	// Voice selects the spoken voice. Default: "alloy".
	Voice string

	// Modalities the model may respond with. Default: ["audio", "text"].
	Modalities []string

	// InputAudioFormat and OutputAudioFormat name the PCM encoding on the
	// wire. Default: "pcm16".
	InputAudioFormat  string
	OutputAudioFormat string

	// TurnDetection configures server-side VAD. Zero value selects
	// DefaultTurnDetection.
	TurnDetection TurnDetection

	// Temperature controls response randomness. Default: 0.8.
	Temperature float64

	// TranscriptionModel enables input transcription when non-empty.
	// Default: "whisper-1".
	TranscriptionModel string

	// Transport selects the control transport. Default: TransportWebRTC.
	Transport Transport

	// ICEServers lists STUN/TURN URLs for the peer connection. At least
	// two are configured; defaults provide public STUN fallbacks.
	ICEServers []string

	// Timing bounds the session cycle.
	Timing Timing

	// Retry shapes configuration-send backoff.
	Retry Retry

	// Rates prices the cost ledger. Zero value selects cost.DefaultRates.
	Rates cost.Rates

	// Memory bounds the conversation log. Zero values select
	// conversation.DefaultConfig.
	Memory conversation.Config

	// GracePeriod is how long a transient link disconnect may persist
	// before escalating to a fatal error. Default: 5s.
	GracePeriod time.Duration

	// ChannelOpenTimeout bounds the wait for the control channel after
	// negotiation. Default: 15s.
	ChannelOpenTimeout time.Duration

	// HTTPTimeout bounds credential and signaling requests. Default: 15s.
	HTTPTimeout time.Duration

	// StrictConfig escalates configuration-send retry exhaustion to a
	// fatal session error. When false the session continues with stale
	// configuration and the failure is surfaced on the event stream.
	StrictConfig bool

	// Debug enables verbose logging.
	Debug bool
}

// DefaultSessionConfig returns a config with every default applied except
// TokenEndpoint, which has no sensible default.
func DefaultSessionConfig() SessionConfig {
	cfg := SessionConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *SessionConfig) applyDefaults() {
	if c.RealtimeURL == "" {
		c.RealtimeURL = "https://api.openai.com/v1/realtime"
	}
	if c.Model == "" {
		c.Model = "gpt-realtime"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if len(c.Modalities) == 0 {
		c.Modalities = []string{"audio", "text"}
	}
	if c.InputAudioFormat == "" {
		c.InputAudioFormat = "pcm16"
	}
	if c.OutputAudioFormat == "" {
		c.OutputAudioFormat = "pcm16"
	}
	if c.TurnDetection == (TurnDetection{}) {
		c.TurnDetection = DefaultTurnDetection()
	}
	if c.Temperature == 0 {
		c.Temperature = 0.8
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "whisper-1"
	}
	if c.Transport == "" {
		c.Transport = TransportWebRTC
	}
	if len(c.ICEServers) < 2 {
		c.ICEServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:global.stun.twilio.com:3478",
		}
	}
	if c.Timing.DurationLimit <= 0 {
		c.Timing.DurationLimit = DefaultTiming().DurationLimit
	}
	if c.Timing.WarningOffset <= 0 || c.Timing.WarningOffset >= c.Timing.DurationLimit {
		c.Timing.WarningOffset = DefaultTiming().WarningOffset
		if c.Timing.WarningOffset >= c.Timing.DurationLimit {
			c.Timing.WarningOffset = c.Timing.DurationLimit / 5
		}
	}
	if c.Timing.MaxSessions <= 0 {
		c.Timing.MaxSessions = DefaultTiming().MaxSessions
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultRetry().BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = DefaultRetry().MaxDelay
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = DefaultRetry().MaxRetries
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.ChannelOpenTimeout <= 0 {
		c.ChannelOpenTimeout = 15 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
}
