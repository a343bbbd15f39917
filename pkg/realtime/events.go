package realtime

import (
	"time"

	"github.com/parlo-app/parlo-go/pkg/core"
	"github.com/parlo-app/parlo-go/pkg/core/cost"
)

// Event is a typed notification delivered on the session's event stream.
// Consumers switch on the concrete type or on EventType.
type Event interface {
	EventType() string
}

// Event type identifiers.
const (
	EventTypeStateChanged       = "state_changed"
	EventTypeSessionStarted     = "session_started"
	EventTypeUserSpeechStarted  = "user_speech_started"
	EventTypeUserSpeechStopped  = "user_speech_stopped"
	EventTypeUserTranscript     = "user_transcript"
	EventTypeAssistantDelta     = "assistant_transcript_delta"
	EventTypeAssistantTurn      = "assistant_transcript"
	EventTypeAssistantSpeaking  = "assistant_speaking"
	EventTypeAssistantQuiet     = "assistant_quiet"
	EventTypeCostUpdated        = "cost_updated"
	EventTypeTimeWarning        = "time_warning"
	EventTypeSessionExtended    = "session_extended"
	EventTypeSessionsExhausted  = "sessions_exhausted"
	EventTypeConfigApplied      = "config_applied"
	EventTypeConfigFailed       = "config_failed"
	EventTypeMemoryCompacted    = "memory_compacted"
	EventTypeLinkRecovered      = "link_recovered"
	EventTypeDisconnected       = "disconnected"
	EventTypeError              = "error"
)

// StateChangedEvent reports a connection state transition.
type StateChangedEvent struct {
	From ConnectionState
	To   ConnectionState
}

func (StateChangedEvent) EventType() string { return EventTypeStateChanged }

// SessionStartedEvent reports a session cycle beginning. Index is
// 1-based and increments on each extension.
type SessionStartedEvent struct {
	Index       int
	MaxSessions int
	StartedAt   time.Time
}

func (SessionStartedEvent) EventType() string { return EventTypeSessionStarted }

// UserSpeechStartedEvent reports that server VAD detected the user
// speaking. Any assistant audio still buffered locally has been flushed.
type UserSpeechStartedEvent struct{}

func (UserSpeechStartedEvent) EventType() string { return EventTypeUserSpeechStarted }

// UserSpeechStoppedEvent reports the end of a detected user turn.
type UserSpeechStoppedEvent struct{}

func (UserSpeechStoppedEvent) EventType() string { return EventTypeUserSpeechStopped }

// UserTranscriptEvent carries the completed transcription of a user turn.
type UserTranscriptEvent struct {
	Text string
}

func (UserTranscriptEvent) EventType() string { return EventTypeUserTranscript }

// AssistantDeltaEvent carries an incremental piece of the assistant's
// transcript as it is spoken.
type AssistantDeltaEvent struct {
	Text string
}

func (AssistantDeltaEvent) EventType() string { return EventTypeAssistantDelta }

// AssistantTurnEvent carries the full transcript of a finished
// assistant turn.
type AssistantTurnEvent struct {
	Text string
}

func (AssistantTurnEvent) EventType() string { return EventTypeAssistantTurn }

// AssistantSpeakingEvent reports assistant audio starting to play.
type AssistantSpeakingEvent struct{}

func (AssistantSpeakingEvent) EventType() string { return EventTypeAssistantSpeaking }

// AssistantQuietEvent reports assistant audio finishing. Interrupted is
// set when playback was cut off by barge-in rather than running to
// completion.
type AssistantQuietEvent struct {
	Interrupted bool
}

func (AssistantQuietEvent) EventType() string { return EventTypeAssistantQuiet }

// CostUpdatedEvent carries the running cost ledger after a mutation.
type CostUpdatedEvent struct {
	Snapshot cost.Snapshot
}

func (CostUpdatedEvent) EventType() string { return EventTypeCostUpdated }

// TimeWarningEvent fires once per session cycle, WarningOffset before
// the duration limit. TotalCost is the ledger total at the moment the
// warning fired.
type TimeWarningEvent struct {
	MinutesLeft int
	TotalCost   float64
}

func (TimeWarningEvent) EventType() string { return EventTypeTimeWarning }

// SessionExtendedEvent reports a new cycle beginning after the caller
// chose to extend.
type SessionExtendedEvent struct {
	NextIndex int
}

func (SessionExtendedEvent) EventType() string { return EventTypeSessionExtended }

// SessionsExhaustedEvent reports that the final allowed cycle ended.
// The clock has already reset to index 1 with cleared cost and
// conversation state.
type SessionsExhaustedEvent struct {
	Sessions int
}

func (SessionsExhaustedEvent) EventType() string { return EventTypeSessionsExhausted }

// ConfigAppliedEvent reports the session configuration reaching the
// service.
type ConfigAppliedEvent struct{}

func (ConfigAppliedEvent) EventType() string { return EventTypeConfigApplied }

// ConfigFailedEvent reports configuration-send retries exhausting while
// the session continues with stale configuration. Under StrictConfig the
// failure is fatal and surfaces as an ErrorEvent instead.
type ConfigFailedEvent struct {
	Err *core.Error
}

func (ConfigFailedEvent) EventType() string { return EventTypeConfigFailed }

// MemoryCompactedEvent reports the conversation log folding older turns
// into its summary.
type MemoryCompactedEvent struct {
	Summary string
}

func (MemoryCompactedEvent) EventType() string { return EventTypeMemoryCompacted }

// LinkRecoveredEvent reports the transport link returning within the
// grace period after a transient disconnect.
type LinkRecoveredEvent struct {
	Outage time.Duration
}

func (LinkRecoveredEvent) EventType() string { return EventTypeLinkRecovered }

// DisconnectedEvent is the final event on the stream; the stream is
// closed after it is delivered.
type DisconnectedEvent struct {
	Reason string
}

func (DisconnectedEvent) EventType() string { return EventTypeDisconnected }

// ErrorEvent carries a session error. Fatal errors are followed by
// connection teardown and a transition to the Failed state.
type ErrorEvent struct {
	Err *core.Error
}

func (ErrorEvent) EventType() string { return EventTypeError }
