package realtime

import (
	"encoding/base64"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/parlo-app/parlo-go/pkg/core"
	"github.com/parlo-app/parlo-go/pkg/core/conversation"
	"github.com/parlo-app/parlo-go/pkg/core/cost"
	"github.com/parlo-app/parlo-go/pkg/media"
)

type dispatchFixture struct {
	d       *dispatcher
	costs   *cost.Accountant
	memory  *conversation.Log
	events  *eventRecorder
	flushes int
	audio   [][]byte
}

func newDispatchFixture(memCfg conversation.Config) *dispatchFixture {
	f := &dispatchFixture{
		costs:  cost.NewAccountant(cost.DefaultRates()),
		memory: conversation.NewLog(memCfg),
		events: &eventRecorder{},
	}
	f.d = &dispatcher{
		log:    discardLogger(),
		costs:  f.costs,
		memory: f.memory,
		emit:   f.events.record,
		format: media.DefaultFormat(),
		audioSink: func(b []byte) {
			f.audio = append(f.audio, append([]byte(nil), b...))
		},
		flushPlayback: func() { f.flushes++ },
	}
	return f
}

func TestRoute_SpeechCycleDrivesTimingAndFlush(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	f.d.Route([]byte(`{"type":"input_audio_buffer.speech_started"}`))
	if f.flushes != 1 {
		t.Errorf("playback flushes = %d, want 1 on barge-in", f.flushes)
	}
	if got := f.events.ofType(EventTypeUserSpeechStarted); len(got) != 1 {
		t.Errorf("speech started events = %d, want 1", len(got))
	}

	time.Sleep(30 * time.Millisecond)
	f.d.Route([]byte(`{"type":"input_audio_buffer.speech_stopped"}`))
	if got := f.events.ofType(EventTypeUserSpeechStopped); len(got) != 1 {
		t.Errorf("speech stopped events = %d, want 1", len(got))
	}
	if snap := f.costs.Snapshot(); snap.AudioInputSeconds <= 0 {
		t.Errorf("audio input seconds = %f, want > 0 after a speech window", snap.AudioInputSeconds)
	}
}

func TestRoute_BlankTranscriptDiscarded(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	f.d.Route([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"   "}`))
	if got := f.events.ofType(EventTypeUserTranscript); len(got) != 0 {
		t.Errorf("blank transcript forwarded: %+v", got)
	}
	if f.memory.Len() != 0 {
		t.Errorf("blank transcript stored in memory")
	}

	f.d.Route([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"quiero pedir un café"}`))
	got := f.events.ofType(EventTypeUserTranscript)
	if len(got) != 1 || got[0].(UserTranscriptEvent).Text != "quiero pedir un café" {
		t.Errorf("transcript events = %+v", got)
	}
	history := f.memory.History()
	if len(history) != 1 || history[0].Role != conversation.RoleUser {
		t.Errorf("memory history = %+v, want one user entry", history)
	}
}

func TestRoute_AssistantTurnFeedsMemory(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	f.d.Route([]byte(`{"type":"response.audio_transcript.delta","delta":"Claro, "}`))
	deltas := f.events.ofType(EventTypeAssistantDelta)
	if len(deltas) != 1 || deltas[0].(AssistantDeltaEvent).Text != "Claro, " {
		t.Errorf("delta events = %+v", deltas)
	}

	f.d.Route([]byte(`{"type":"response.audio_transcript.done","transcript":"Claro, ¿qué tipo de café te gusta?"}`))
	turns := f.events.ofType(EventTypeAssistantTurn)
	if len(turns) != 1 {
		t.Fatalf("assistant turn events = %d, want 1", len(turns))
	}
	history := f.memory.History()
	if len(history) != 1 || history[0].Role != conversation.RoleAssistant {
		t.Fatalf("memory history = %+v, want one assistant entry", history)
	}
	if history[0].Text != "Claro, ¿qué tipo de café te gusta?" {
		t.Errorf("stored text = %q", history[0].Text)
	}
}

func TestRoute_AudioDeltaEstimatesDuration(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	// Half a second of 24kHz mono PCM16.
	raw := make([]byte, 24000)
	frame := fmt.Sprintf(`{"type":"response.audio.delta","delta":%q}`, base64.StdEncoding.EncodeToString(raw))
	f.d.Route([]byte(frame))

	snap := f.costs.Snapshot()
	if math.Abs(snap.AudioOutputSeconds-0.5) > 1e-6 {
		t.Errorf("audio output seconds = %f, want 0.5", snap.AudioOutputSeconds)
	}
	if len(f.audio) != 1 || len(f.audio[0]) != 24000 {
		t.Errorf("sink received %d chunks, want one 24000-byte chunk", len(f.audio))
	}
}

func TestRoute_ItemCreatedEstimatesTokensByRole(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	f.d.Route([]byte(`{"type":"conversation.item.created","item":{"role":"user","content":[{"type":"input_text","text":"0123456789012345678901234567890123456789"}]}}`))
	f.d.Route([]byte(`{"type":"conversation.item.created","item":{"role":"assistant","content":[{"type":"audio","transcript":"01234567"}]}}`))

	snap := f.costs.Snapshot()
	if snap.TextInputTokens != 10 {
		t.Errorf("input token estimate = %d, want 10", snap.TextInputTokens)
	}
	if snap.TextOutputTokens != 2 {
		t.Errorf("output token estimate = %d, want 2", snap.TextOutputTokens)
	}
}

func TestRoute_ResponseDoneOverwritesEstimates(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	// Seed a deliberately wrong running estimate.
	f.costs.TrackDuration(cost.Input, 99*time.Second)

	f.d.Route([]byte(`{"type":"response.done","response":{"status":"completed","usage":{
		"total_tokens":25000,"input_tokens":24200,"output_tokens":800,
		"input_token_details":{"audio_tokens":24000,"text_tokens":200},
		"output_token_details":{"audio_tokens":0,"text_tokens":800}}}}`))

	snap := f.costs.Snapshot()
	if math.Abs(snap.AudioInputSeconds-14.4) > 0.01 {
		t.Errorf("audio input seconds = %f, want ~14.4 from the snapshot", snap.AudioInputSeconds)
	}
	if snap.TextInputTokens != 200 || snap.TextOutputTokens != 800 {
		t.Errorf("text tokens = %d/%d, want 200/800", snap.TextInputTokens, snap.TextOutputTokens)
	}
}

func TestRoute_OutputBufferLifecycle(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	f.d.Route([]byte(`{"type":"output_audio_buffer.started"}`))
	if got := f.events.ofType(EventTypeAssistantSpeaking); len(got) != 1 {
		t.Errorf("speaking events = %d, want 1", len(got))
	}

	f.d.Route([]byte(`{"type":"output_audio_buffer.stopped"}`))
	f.d.Route([]byte(`{"type":"output_audio_buffer.cleared"}`))
	quiet := f.events.ofType(EventTypeAssistantQuiet)
	if len(quiet) != 2 {
		t.Fatalf("quiet events = %d, want 2", len(quiet))
	}
	if quiet[0].(AssistantQuietEvent).Interrupted {
		t.Error("stopped reported as interrupted")
	}
	if !quiet[1].(AssistantQuietEvent).Interrupted {
		t.Error("cleared not reported as interrupted")
	}
}

func TestRoute_ServiceErrorSurfaced(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	f.d.Route([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"invalid_value","message":"bad voice"}}`))

	errs := f.events.ofType(EventTypeError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	cerr := errs[0].(ErrorEvent).Err
	if cerr.Type != core.ErrProtocol || cerr.Code != "invalid_value" {
		t.Errorf("error = %+v, want protocol_error with code invalid_value", cerr)
	}
	if cerr.Fatal() {
		t.Error("service error reported as fatal")
	}
}

func TestRoute_MalformedFrameRecoveredLocally(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	f.d.Route([]byte(`{"type":`))
	errs := f.events.ofType(EventTypeError)
	if len(errs) != 1 || errs[0].(ErrorEvent).Err.Type != core.ErrProtocol {
		t.Fatalf("error events = %+v, want one protocol error", errs)
	}

	// The dispatcher keeps working after a bad frame.
	f.d.Route([]byte(`{"type":"input_audio_buffer.speech_started"}`))
	if got := f.events.ofType(EventTypeUserSpeechStarted); len(got) != 1 {
		t.Errorf("events after malformed frame = %d, want 1", len(got))
	}
}

func TestRoute_UnknownTypeIgnored(t *testing.T) {
	f := newDispatchFixture(conversation.DefaultConfig())

	f.d.Route([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))

	if len(f.events.events) != 0 {
		t.Errorf("unknown event produced %+v, want nothing", f.events.events)
	}
}

func TestRoute_CompactionSurfacesSummary(t *testing.T) {
	f := newDispatchFixture(conversation.Config{Threshold: 4, Keep: 2, MaxKeywords: 4})

	for i := 0; i < 5; i++ {
		frame := fmt.Sprintf(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"practicamos el subjuntivo juntos %d"}`, i)
		f.d.Route([]byte(frame))
	}

	compacted := f.events.ofType(EventTypeMemoryCompacted)
	if len(compacted) == 0 {
		t.Fatal("no compaction event after crossing the threshold")
	}
	if s := compacted[0].(MemoryCompactedEvent).Summary; s == "" {
		t.Error("compaction event carried an empty summary")
	}
	if got := f.memory.Len(); got > 4 {
		t.Errorf("memory length = %d, want <= threshold", got)
	}
}
