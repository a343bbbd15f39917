package realtime

import (
	"testing"
	"time"
)

func TestApplyDefaults_FillsEveryZeroField(t *testing.T) {
	cfg := SessionConfig{TokenEndpoint: "https://broker.test/token"}
	cfg.applyDefaults()

	if cfg.RealtimeURL != "https://api.openai.com/v1/realtime" {
		t.Errorf("RealtimeURL = %q", cfg.RealtimeURL)
	}
	if cfg.Model != "gpt-realtime" || cfg.Voice != "alloy" {
		t.Errorf("model/voice = %q/%q", cfg.Model, cfg.Voice)
	}
	if len(cfg.Modalities) != 2 {
		t.Errorf("modalities = %v", cfg.Modalities)
	}
	if cfg.InputAudioFormat != "pcm16" || cfg.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats = %q/%q", cfg.InputAudioFormat, cfg.OutputAudioFormat)
	}
	if cfg.TurnDetection != DefaultTurnDetection() {
		t.Errorf("turn detection = %+v", cfg.TurnDetection)
	}
	if cfg.Temperature != 0.8 || cfg.TranscriptionModel != "whisper-1" {
		t.Errorf("temperature/transcription = %v/%q", cfg.Temperature, cfg.TranscriptionModel)
	}
	if cfg.Transport != TransportWebRTC {
		t.Errorf("transport = %q", cfg.Transport)
	}
	if len(cfg.ICEServers) < 2 {
		t.Errorf("ICE servers = %v, want at least two", cfg.ICEServers)
	}
	if cfg.Timing != DefaultTiming() {
		t.Errorf("timing = %+v", cfg.Timing)
	}
	if cfg.Retry != DefaultRetry() {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.GracePeriod != 5*time.Second {
		t.Errorf("grace period = %v", cfg.GracePeriod)
	}
	if cfg.ChannelOpenTimeout != 15*time.Second || cfg.HTTPTimeout != 15*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.ChannelOpenTimeout, cfg.HTTPTimeout)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := SessionConfig{
		TokenEndpoint: "https://broker.test/token",
		Model:         "gpt-realtime-mini",
		Voice:         "verse",
		Transport:     TransportWebSocket,
		Timing:        Timing{DurationLimit: 5 * time.Minute, WarningOffset: time.Minute, MaxSessions: 2},
	}
	cfg.applyDefaults()

	if cfg.Model != "gpt-realtime-mini" || cfg.Voice != "verse" {
		t.Errorf("explicit model/voice overridden: %q/%q", cfg.Model, cfg.Voice)
	}
	if cfg.Transport != TransportWebSocket {
		t.Errorf("explicit transport overridden: %q", cfg.Transport)
	}
	if cfg.Timing.DurationLimit != 5*time.Minute || cfg.Timing.MaxSessions != 2 {
		t.Errorf("explicit timing overridden: %+v", cfg.Timing)
	}
}

func TestApplyDefaults_RejectsWarningPastLimit(t *testing.T) {
	cfg := SessionConfig{
		TokenEndpoint: "https://broker.test/token",
		Timing:        Timing{DurationLimit: time.Minute, WarningOffset: 2 * time.Minute},
	}
	cfg.applyDefaults()

	if cfg.Timing.WarningOffset >= cfg.Timing.DurationLimit {
		t.Fatalf("warning offset %v not clamped below limit %v", cfg.Timing.WarningOffset, cfg.Timing.DurationLimit)
	}
}

func TestConnectionState_String(t *testing.T) {
	states := map[ConnectionState]string{
		StateIdle:           "IDLE",
		StateAcquiringMedia: "ACQUIRING_MEDIA",
		StateNegotiating:    "NEGOTIATING",
		StateChannelOpening: "CHANNEL_OPENING",
		StateConnected:      "CONNECTED",
		StateDisconnecting:  "DISCONNECTING",
		StateFailed:         "FAILED",
		ConnectionState(99): "UNKNOWN",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("state %d String() = %q, want %q", int(state), got, want)
		}
	}
}
