package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("realtime: malformed event")

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

type wireEvent struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id"`
	ItemID       string `json:"item_id"`
	ResponseID   string `json:"response_id"`
	Delta        string `json:"delta"`
	Text         string `json:"text"`
	Transcript   string `json:"transcript"`
	AudioStartMs int    `json:"audio_start_ms"`
	AudioEndMs   int    `json:"audio_end_ms"`
	Response     *struct {
		ID            string            `json:"id"`
		Status        string            `json:"status"`
		Metadata      map[string]string `json:"metadata"`
		StatusDetails *struct {
			Type   string     `json:"type"`
			Reason string     `json:"reason"`
			Error  *wireError `json:"error"`
		} `json:"status_details"`
	} `json:"response"`
	Error *wireError `json:"error"`
}

// Decode parses one inbound message. Events missing the identifiers they
// need to be routed are rejected with ErrMalformed.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch w.Type {
	case TypeSpeechStarted:
		if w.ItemID == "" {
			return nil, missing(w.Type, "item_id")
		}
		return SpeechStarted{ItemID: w.ItemID, AudioStartMs: w.AudioStartMs}, nil

	case TypeSpeechStopped:
		if w.ItemID == "" {
			return nil, missing(w.Type, "item_id")
		}
		return SpeechStopped{ItemID: w.ItemID, AudioEndMs: w.AudioEndMs}, nil

	case TypeTranscriptionDelta:
		if w.ItemID == "" {
			return nil, missing(w.Type, "item_id")
		}
		return TranscriptionDelta{ItemID: w.ItemID, Delta: w.Delta}, nil

	case TypeTranscriptionCompleted:
		if w.ItemID == "" {
			return nil, missing(w.Type, "item_id")
		}
		return TranscriptionCompleted{ItemID: w.ItemID, Transcript: w.Transcript}, nil

	case TypeTranscriptionFailed:
		if w.ItemID == "" {
			return nil, missing(w.Type, "item_id")
		}
		ev := TranscriptionFailed{ItemID: w.ItemID}
		if w.Error != nil {
			ev.Code, ev.Message = w.Error.Code, w.Error.Message
		}
		return ev, nil

	case TypeResponseCreated:
		if w.Response == nil || w.Response.ID == "" {
			return nil, missing(w.Type, "response.id")
		}
		return ResponseCreated{ResponseID: w.Response.ID, Origin: w.Response.Metadata[MetadataOrigin]}, nil

	case TypeOutputTextDelta, TypeTextDelta:
		if w.ResponseID == "" {
			return nil, missing(w.Type, "response_id")
		}
		return OutputTextDelta{ResponseID: w.ResponseID, ItemID: w.ItemID, Delta: w.Delta}, nil

	case TypeOutputTextDone, TypeTextDone:
		if w.ResponseID == "" {
			return nil, missing(w.Type, "response_id")
		}
		return OutputTextDone{ResponseID: w.ResponseID, ItemID: w.ItemID, Text: w.Text}, nil

	case TypeResponseDone:
		if w.Response == nil || w.Response.ID == "" {
			return nil, missing(w.Type, "response.id")
		}
		ev := ResponseDone{ResponseID: w.Response.ID, Status: w.Response.Status, Origin: w.Response.Metadata[MetadataOrigin]}
		if d := w.Response.StatusDetails; d != nil {
			ev.Reason = d.Reason
			if d.Error != nil && d.Error.Message != "" {
				ev.Reason = d.Error.Message
			}
		}
		return ev, nil

	case TypeError:
		if w.Error == nil {
			return nil, missing(w.Type, "error")
		}
		return ErrorEvent{
			Code:       w.Error.Code,
			Kind:       w.Error.Type,
			Message:    w.Error.Message,
			Param:      w.Error.Param,
			EventID:    w.Error.EventID,
			ItemID:     w.ItemID,
			ResponseID: w.ResponseID,
		}, nil

	default:
		return Unknown{Name: w.Type, Raw: json.RawMessage(append([]byte(nil), data...))}, nil
	}
}

func missing(eventType, field string) error {
	return fmt.Errorf("%w: %s without %s", ErrMalformed, eventType, field)
}
