// Package realtime speaks the cloud realtime speech protocol: it decodes
// inbound events into a closed set of Go types and sends outbound commands
// over a websocket.
package realtime

import "encoding/json"

// Wire event names.
const (
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeSpeechStopped          = "input_audio_buffer.speech_stopped"
	TypeTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	TypeTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	TypeResponseCreated        = "response.created"
	TypeOutputTextDelta        = "response.output_text.delta"
	TypeOutputTextDone         = "response.output_text.done"
	TypeTextDelta              = "response.text.delta" // beta name
	TypeTextDone               = "response.text.done"  // beta name
	TypeResponseDone           = "response.done"
	TypeError                  = "error"

	TypeSessionUpdate    = "session.update"
	TypeInputAudioAppend = "input_audio_buffer.append"
	TypeInputAudioCommit = "input_audio_buffer.commit"
	TypeInputAudioClear  = "input_audio_buffer.clear"
	TypeItemCreate       = "conversation.item.create"
	TypeResponseCreate   = "response.create"
	TypeResponseCancel   = "response.cancel"
	TypeOutputAudioClear = "output_audio_buffer.clear"
)

// Event is one decoded inbound protocol event. The set of implementations
// is closed; consumers switch over the concrete types.
type Event interface {
	Type() string
	isEvent()
}

type SpeechStarted struct {
	ItemID       string
	AudioStartMs int
}

type SpeechStopped struct {
	ItemID     string
	AudioEndMs int
}

type TranscriptionDelta struct {
	ItemID string
	Delta  string
}

type TranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

type TranscriptionFailed struct {
	ItemID  string
	Code    string
	Message string
}

// ResponseCreated announces a response. Origin is the "origin" metadata
// the response was requested with, if any.
type ResponseCreated struct {
	ResponseID string
	Origin     string
}

// FromAgent reports whether the proxy requested this response to speak for
// the agent.
func (e ResponseCreated) FromAgent() bool { return e.Origin == OriginAgent }

// OutputTextDelta is a chunk of translated text.
type OutputTextDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

// OutputTextDone carries the full translated text of one output part.
type OutputTextDone struct {
	ResponseID string
	ItemID     string
	Text       string
}

// ResponseDone ends a response. Status is "completed", "cancelled",
// "incomplete" or "failed".
type ResponseDone struct {
	ResponseID string
	Status     string
	Reason     string
	Origin     string
}

// ErrorEvent is a protocol-level error. ItemID and ResponseID are set only
// when the server tied the error to one of them.
type ErrorEvent struct {
	Code       string
	Kind       string
	Message    string
	Param      string
	EventID    string
	ItemID     string
	ResponseID string
}

// Unknown is any event this package does not model.
type Unknown struct {
	Name string
	Raw  json.RawMessage
}

func (SpeechStarted) Type() string          { return TypeSpeechStarted }
func (SpeechStopped) Type() string          { return TypeSpeechStopped }
func (TranscriptionDelta) Type() string     { return TypeTranscriptionDelta }
func (TranscriptionCompleted) Type() string { return TypeTranscriptionCompleted }
func (TranscriptionFailed) Type() string    { return TypeTranscriptionFailed }
func (ResponseCreated) Type() string        { return TypeResponseCreated }
func (OutputTextDelta) Type() string        { return TypeOutputTextDelta }
func (OutputTextDone) Type() string         { return TypeOutputTextDone }
func (ResponseDone) Type() string           { return TypeResponseDone }
func (ErrorEvent) Type() string             { return TypeError }
func (u Unknown) Type() string              { return u.Name }

func (SpeechStarted) isEvent()          {}
func (SpeechStopped) isEvent()          {}
func (TranscriptionDelta) isEvent()     {}
func (TranscriptionCompleted) isEvent() {}
func (TranscriptionFailed) isEvent()    {}
func (ResponseCreated) isEvent()        {}
func (OutputTextDelta) isEvent()        {}
func (OutputTextDone) isEvent()         {}
func (ResponseDone) isEvent()           {}
func (ErrorEvent) isEvent()             {}
func (Unknown) isEvent()                {}

// Error implements error so an ErrorEvent can be surfaced directly.
func (e ErrorEvent) Error() string {
	switch {
	case e.Code != "":
		return "realtime: " + e.Code + ": " + e.Message
	case e.Kind != "":
		return "realtime: " + e.Kind + ": " + e.Message
	default:
		return "realtime: " + e.Message
	}
}
