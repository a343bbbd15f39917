package realtime

import (
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/parlo-app/parlo-go/pkg/core"
	"github.com/parlo-app/parlo-go/pkg/core/conversation"
	"github.com/parlo-app/parlo-go/pkg/core/cost"
	"github.com/parlo-app/parlo-go/pkg/media"
)

// dispatcher routes inbound control events to the accountant, the
// conversation log, and the session's event stream. All frames arrive
// serialized through one handler, so downstream mutations never race.
type dispatcher struct {
	log     *slog.Logger
	costs   *cost.Accountant
	memory  *conversation.Log
	metrics *Metrics
	emit    func(Event)
	format  media.Format

	// audioSink receives decoded PCM from response.audio.delta frames.
	// Nil under WebRTC, where audio arrives on the media track instead.
	audioSink func([]byte)

	// flushPlayback cuts off buffered assistant audio on barge-in.
	flushPlayback func()

	lastSummary string
}

// Route parses one inbound frame and dispatches it. Malformed frames
// are reported as non-fatal protocol errors and dropped; unknown event
// types are ignored so additive protocol changes do not break the
// client.
func (d *dispatcher) Route(data []byte) {
	ev, err := parseServerEvent(data)
	if err != nil {
		cerr := core.Wrap(core.ErrProtocol, "unparseable control event", err)
		d.log.Warn("dropping malformed control event", "error", err)
		d.metrics.RecordEventRouted("malformed")
		d.emit(ErrorEvent{Err: cerr})
		return
	}
	d.metrics.RecordEventRouted(ev.Type)

	switch ev.Type {
	case srvSessionCreated, srvSessionUpdated:
		d.log.Debug("session acknowledged", "type", ev.Type)

	case srvSpeechStarted:
		// The user is talking over the assistant: drop whatever is
		// still buffered locally before anything else.
		if d.flushPlayback != nil {
			d.flushPlayback()
		}
		d.costs.MarkSpeechStart()
		d.emit(UserSpeechStartedEvent{})

	case srvSpeechStopped:
		d.costs.MarkSpeechStop()
		d.emit(UserSpeechStoppedEvent{})

	case srvInputTranscriptDone:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			d.log.Debug("discarding blank transcript")
			return
		}
		d.memory.Add(conversation.RoleUser, text)
		d.noteCompaction()
		d.emit(UserTranscriptEvent{Text: text})

	case "conversation.item.input_audio_transcription.in_progress":
		// Partial transcription progress carries nothing actionable.

	case "conversation.item.input_audio_transcription.failed":
		d.log.Debug("input transcription failed", "event_id", ev.EventID)

	case srvTranscriptDelta:
		if ev.Delta != "" {
			d.emit(AssistantDeltaEvent{Text: ev.Delta})
		}

	case srvTranscriptDone:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			return
		}
		d.memory.Add(conversation.RoleAssistant, text)
		d.noteCompaction()
		d.emit(AssistantTurnEvent{Text: text})

	case srvAudioDelta:
		raw, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			d.log.Debug("undecodable audio delta", "error", err)
			return
		}
		d.costs.TrackDuration(cost.Output, d.format.Duration(len(raw)))
		if d.audioSink != nil {
			d.audioSink(raw)
		}

	case srvItemCreated:
		if ev.Item == nil {
			return
		}
		text := ev.Item.text()
		if text == "" {
			return
		}
		dir := cost.Input
		if ev.Item.Role == "assistant" {
			dir = cost.Output
		}
		d.costs.TrackTokens(dir, estimateTokens(text))

	case "input_audio_buffer.committed":
		// Commit acknowledgements need no action.

	case srvResponseDone:
		if ev.Response != nil && ev.Response.Usage != nil {
			d.costs.ApplySnapshot(*ev.Response.Usage)
		}

	case srvOutputAudioStarted, "output_audio_buffer.speech_started":
		d.emit(AssistantSpeakingEvent{})

	case srvOutputAudioStopped, "output_audio_buffer.speech_stopped":
		d.emit(AssistantQuietEvent{})

	case srvOutputAudioCleared:
		d.emit(AssistantQuietEvent{Interrupted: true})

	case srvError:
		msg := "service error"
		code := ""
		if ev.Error != nil {
			if ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			code = ev.Error.Code
		}
		cerr := core.NewProtocolError(msg).WithCode(code)
		d.log.Warn("service reported error", "code", code, "message", msg)
		d.emit(ErrorEvent{Err: cerr})

	default:
		d.log.Debug("ignoring unknown event type", "type", ev.Type)
	}
}

// noteCompaction surfaces summary growth as an event so callers can see
// when older turns were folded away.
func (d *dispatcher) noteCompaction() {
	summary := d.memory.Summary()
	if summary != "" && summary != d.lastSummary {
		d.lastSummary = summary
		d.emit(MemoryCompactedEvent{Summary: summary})
	}
}

// estimateTokens approximates token count from text length. The
// authoritative figure arrives later in the response.done usage
// snapshot; this only keeps the running estimate moving between
// responses.
func estimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
