package realtime

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeSessionUpdate_Shape(t *testing.T) {
	cfg := DefaultSessionConfig()
	data, err := encodeSessionUpdate(&cfg, "You are a patient Spanish tutor.")
	if err != nil {
		t.Fatalf("encodeSessionUpdate: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame["type"] != "session.update" {
		t.Errorf("type = %v, want session.update", frame["type"])
	}

	session, ok := frame["session"].(map[string]any)
	if !ok {
		t.Fatalf("session payload missing: %v", frame)
	}
	if session["instructions"] != "You are a patient Spanish tutor." {
		t.Errorf("instructions = %v", session["instructions"])
	}
	if session["voice"] != "alloy" {
		t.Errorf("voice = %v, want alloy", session["voice"])
	}
	if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v, want pcm16", session["input_audio_format"], session["output_audio_format"])
	}

	td, ok := session["turn_detection"].(map[string]any)
	if !ok {
		t.Fatalf("turn_detection missing")
	}
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection.type = %v, want server_vad", td["type"])
	}
	if td["silence_duration_ms"] != float64(500) {
		t.Errorf("silence_duration_ms = %v, want 500", td["silence_duration_ms"])
	}

	tr, ok := session["input_audio_transcription"].(map[string]any)
	if !ok {
		t.Fatalf("input_audio_transcription missing")
	}
	if tr["model"] != "whisper-1" {
		t.Errorf("transcription model = %v, want whisper-1", tr["model"])
	}
}

func TestEncodeSessionUpdate_Deterministic(t *testing.T) {
	cfg := DefaultSessionConfig()
	first, err := encodeSessionUpdate(&cfg, "same instructions")
	if err != nil {
		t.Fatalf("encodeSessionUpdate: %v", err)
	}
	second, err := encodeSessionUpdate(&cfg, "same instructions")
	if err != nil {
		t.Fatalf("encodeSessionUpdate: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("identical inputs produced different frames:\n%s\n%s", first, second)
	}
}

func TestEncodeSessionUpdate_TranscriptionDisabled(t *testing.T) {
	cfg := SessionConfig{
		Modalities:        []string{"audio", "text"},
		Voice:             "alloy",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     DefaultTurnDetection(),
		Temperature:       0.8,
	}
	data, err := encodeSessionUpdate(&cfg, "hi")
	if err != nil {
		t.Fatalf("encodeSessionUpdate: %v", err)
	}
	if bytes.Contains(data, []byte("input_audio_transcription")) {
		t.Errorf("transcription block present with no model configured: %s", data)
	}
}

func TestEncodeUserMessage(t *testing.T) {
	data, err := encodeUserMessage("¿Cómo se dice library?")
	if err != nil {
		t.Fatalf("encodeUserMessage: %v", err)
	}

	var frame struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "conversation.item.create" {
		t.Errorf("type = %q", frame.Type)
	}
	if frame.Item.Type != "message" || frame.Item.Role != "user" {
		t.Errorf("item = %+v, want user message", frame.Item)
	}
	if len(frame.Item.Content) != 1 || frame.Item.Content[0].Type != "input_text" {
		t.Fatalf("content = %+v, want one input_text part", frame.Item.Content)
	}
	if frame.Item.Content[0].Text != "¿Cómo se dice library?" {
		t.Errorf("text = %q", frame.Item.Content[0].Text)
	}
}

func TestEncodeResponseCreate(t *testing.T) {
	data, err := encodeResponseCreate()
	if err != nil {
		t.Fatalf("encodeResponseCreate: %v", err)
	}
	if string(data) != `{"type":"response.create"}` {
		t.Errorf("frame = %s", data)
	}
}

func TestParseServerEvent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want func(t *testing.T, ev *serverEvent)
	}{
		{
			name: "speech started",
			raw:  `{"type":"input_audio_buffer.speech_started","event_id":"evt_1"}`,
			want: func(t *testing.T, ev *serverEvent) {
				if ev.Type != srvSpeechStarted {
					t.Errorf("type = %q", ev.Type)
				}
			},
		},
		{
			name: "input transcription completed",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","transcript":"quiero practicar"}`,
			want: func(t *testing.T, ev *serverEvent) {
				if ev.Transcript != "quiero practicar" {
					t.Errorf("transcript = %q", ev.Transcript)
				}
			},
		},
		{
			name: "transcript delta",
			raw:  `{"type":"response.audio_transcript.delta","delta":"Muy "}`,
			want: func(t *testing.T, ev *serverEvent) {
				if ev.Delta != "Muy " {
					t.Errorf("delta = %q", ev.Delta)
				}
			},
		},
		{
			name: "response done with usage",
			raw: `{"type":"response.done","response":{"id":"resp_1","status":"completed","usage":{
				"total_tokens":310,"input_tokens":120,"output_tokens":190,
				"input_token_details":{"audio_tokens":100,"text_tokens":20},
				"output_token_details":{"audio_tokens":150,"text_tokens":40}}}}`,
			want: func(t *testing.T, ev *serverEvent) {
				if ev.Response == nil || ev.Response.Usage == nil {
					t.Fatalf("usage missing: %+v", ev.Response)
				}
				u := ev.Response.Usage
				if u.TotalTokens != 310 {
					t.Errorf("total tokens = %d", u.TotalTokens)
				}
				if u.InputTokenDetails.AudioTokens != 100 || u.OutputTokenDetails.TextTokens != 40 {
					t.Errorf("token details = %+v / %+v", u.InputTokenDetails, u.OutputTokenDetails)
				}
			},
		},
		{
			name: "item created with transcript content",
			raw: `{"type":"conversation.item.created","item":{"id":"item_9","type":"message","role":"assistant",
				"content":[{"type":"audio","transcript":"Hola, ¿listo para practicar?"}]}}`,
			want: func(t *testing.T, ev *serverEvent) {
				if got := ev.Item.text(); got != "Hola, ¿listo para practicar?" {
					t.Errorf("item text = %q", got)
				}
				if ev.Item.Role != "assistant" {
					t.Errorf("role = %q", ev.Item.Role)
				}
			},
		},
		{
			name: "service error",
			raw:  `{"type":"error","error":{"type":"invalid_request_error","code":"invalid_value","message":"bad voice"}}`,
			want: func(t *testing.T, ev *serverEvent) {
				if ev.Error == nil || ev.Error.Message != "bad voice" {
					t.Errorf("error payload = %+v", ev.Error)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := parseServerEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("parseServerEvent: %v", err)
			}
			tt.want(t, ev)
		})
	}
}

func TestParseServerEvent_Malformed(t *testing.T) {
	if _, err := parseServerEvent([]byte(`{"type":`)); err == nil {
		t.Error("truncated JSON parsed without error")
	}
	if _, err := parseServerEvent([]byte(`{"transcript":"orphan"}`)); err == nil {
		t.Error("frame without type parsed without error")
	}
}

func TestServerItemText_Empty(t *testing.T) {
	var it *serverItem
	if got := it.text(); got != "" {
		t.Errorf("nil item text = %q", got)
	}
	it = &serverItem{Content: []serverContent{{Type: "audio"}}}
	if got := it.text(); got != "" {
		t.Errorf("empty content text = %q", got)
	}
}
