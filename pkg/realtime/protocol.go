package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/parlo-app/parlo-go/pkg/core/cost"
)

// Inbound wire event types. The service emits more than these; anything
// unlisted is ignored by the dispatcher.
const (
	srvSessionCreated       = "session.created"
	srvSessionUpdated       = "session.updated"
	srvSpeechStarted        = "input_audio_buffer.speech_started"
	srvSpeechStopped        = "input_audio_buffer.speech_stopped"
	srvInputTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	srvTranscriptDelta      = "response.audio_transcript.delta"
	srvTranscriptDone       = "response.audio_transcript.done"
	srvAudioDelta           = "response.audio.delta"
	srvItemCreated          = "conversation.item.created"
	srvResponseDone         = "response.done"
	srvOutputAudioStarted   = "output_audio_buffer.started"
	srvOutputAudioStopped   = "output_audio_buffer.stopped"
	srvOutputAudioCleared   = "output_audio_buffer.cleared"
	srvError                = "error"
)

// Outbound wire event types.
const (
	cliSessionUpdate  = "session.update"
	cliItemCreate     = "conversation.item.create"
	cliResponseCreate = "response.create"
)

// serverEvent is the decoded envelope of an inbound control event. The
// service uses a flat schema, so one union struct covers every type the
// client handles.
type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Item       *serverItem     `json:"item,omitempty"`
	Response   *serverResponse `json:"response,omitempty"`
	Error      *serverError    `json:"error,omitempty"`
}

type serverItem struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Status  string          `json:"status,omitempty"`
	Content []serverContent `json:"content,omitempty"`
}

type serverContent struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type serverResponse struct {
	ID     string      `json:"id,omitempty"`
	Status string      `json:"status,omitempty"`
	Usage  *cost.Usage `json:"usage,omitempty"`
}

type serverError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// text returns the item's first non-empty text or transcript content.
func (it *serverItem) text() string {
	if it == nil {
		return ""
	}
	for _, c := range it.Content {
		if c.Text != "" {
			return c.Text
		}
		if c.Transcript != "" {
			return c.Transcript
		}
	}
	return ""
}

// parseServerEvent decodes one inbound control frame.
func parseServerEvent(data []byte) (*serverEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("server event missing type")
	}
	return &ev, nil
}

// clientEvent is the envelope of an outbound control event.
type clientEvent struct {
	Type    string          `json:"type"`
	Session *sessionPayload `json:"session,omitempty"`
	Item    *clientItem     `json:"item,omitempty"`
}

// sessionPayload is the session.update body.
type sessionPayload struct {
	Modalities              []string              `json:"modalities"`
	Instructions            string                `json:"instructions"`
	Voice                   string                `json:"voice"`
	InputAudioFormat        string                `json:"input_audio_format"`
	OutputAudioFormat       string                `json:"output_audio_format"`
	InputAudioTranscription *transcriptionPayload `json:"input_audio_transcription,omitempty"`
	TurnDetection           TurnDetection         `json:"turn_detection"`
	Temperature             float64               `json:"temperature"`
}

type transcriptionPayload struct {
	Model string `json:"model"`
}

type clientItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content []clientContent `json:"content"`
}

type clientContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// encodeSessionUpdate builds the session.update frame carrying the full
// session configuration with the given instructions. Identical inputs
// produce identical bytes, which the clock relies on to deduplicate
// redundant sends.
func encodeSessionUpdate(cfg *SessionConfig, instructions string) ([]byte, error) {
	payload := &sessionPayload{
		Modalities:        cfg.Modalities,
		Instructions:      instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: cfg.OutputAudioFormat,
		TurnDetection:     cfg.TurnDetection,
		Temperature:       cfg.Temperature,
	}
	if cfg.TranscriptionModel != "" {
		payload.InputAudioTranscription = &transcriptionPayload{Model: cfg.TranscriptionModel}
	}
	return json.Marshal(clientEvent{Type: cliSessionUpdate, Session: payload})
}

// encodeUserMessage builds the conversation.item.create frame for a
// typed user message.
func encodeUserMessage(text string) ([]byte, error) {
	return json.Marshal(clientEvent{
		Type: cliItemCreate,
		Item: &clientItem{
			Type: "message",
			Role: "user",
			Content: []clientContent{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// encodeResponseCreate builds the response.create frame that asks the
// model to respond to the conversation as it stands.
func encodeResponseCreate() ([]byte, error) {
	return json.Marshal(clientEvent{Type: cliResponseCreate})
}
