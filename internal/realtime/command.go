package realtime

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// Command is one outbound client event.
type Command map[string]any

func newEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

func command(eventType string) Command {
	return Command{"event_id": newEventID(), "type": eventType}
}

// AppendAudio carries raw PCM16 audio.
func AppendAudio(pcm []byte) Command {
	c := command(TypeInputAudioAppend)
	c["audio"] = base64.StdEncoding.EncodeToString(pcm)
	return c
}

func CommitAudio() Command { return command(TypeInputAudioCommit) }

func ClearAudio() Command { return command(TypeInputAudioClear) }

// CreateItem adds a text message to the conversation.
func CreateItem(role, text string) Command {
	contentType := "input_text"
	if role == "assistant" {
		contentType = "output_text"
	}
	c := command(TypeItemCreate)
	c["item"] = map[string]any{
		"type": "message",
		"role": role,
		"content": []map[string]any{
			{"type": contentType, "text": text},
		},
	}
	return c
}

// CreateResponse asks the model to respond. Empty instructions keep the
// session defaults.
func CreateResponse(instructions string) Command {
	c := command(TypeResponseCreate)
	if instructions != "" {
		c["response"] = map[string]any{"instructions": instructions}
	}
	return c
}

// Response metadata marking responses the proxy requests for the agent.
const (
	MetadataOrigin = "origin"
	OriginAgent    = "agent"
)

// CreateAgentResponse asks the model to voice an agent turn. The response
// carries origin metadata so it is never paired with a translation segment.
func CreateAgentResponse(instructions string) Command {
	resp := map[string]any{
		"metadata": map[string]string{MetadataOrigin: OriginAgent},
	}
	if instructions != "" {
		resp["instructions"] = instructions
	}
	c := command(TypeResponseCreate)
	c["response"] = resp
	return c
}

func CancelResponse() Command { return command(TypeResponseCancel) }

func ClearOutputAudio() Command { return command(TypeOutputAudioClear) }

// SessionConfig is the subset of session settings the proxy controls.
type SessionConfig struct {
	Instructions       string
	TranscriptionModel string
	Language           string
	Voice              string
}

// UpdateSession configures server VAD, input transcription and the
// instructions the model uses for translation turns.
func UpdateSession(cfg SessionConfig) Command {
	transcription := map[string]any{"model": cfg.TranscriptionModel}
	if cfg.Language != "" {
		transcription["language"] = cfg.Language
	}
	session := map[string]any{
		"modalities":                []string{"text", "audio"},
		"input_audio_format":        "pcm16",
		"input_audio_transcription": transcription,
		"turn_detection":            map[string]any{"type": "server_vad"},
	}
	if cfg.Instructions != "" {
		session["instructions"] = cfg.Instructions
	}
	if cfg.Voice != "" {
		session["voice"] = cfg.Voice
	}
	c := command(TypeSessionUpdate)
	c["session"] = session
	return c
}
