package realtime

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Event
	}{
		{
			name: "speech started",
			in:   `{"type":"input_audio_buffer.speech_started","item_id":"item_1","audio_start_ms":120}`,
			want: SpeechStarted{ItemID: "item_1", AudioStartMs: 120},
		},
		{
			name: "speech stopped",
			in:   `{"type":"input_audio_buffer.speech_stopped","item_id":"item_1","audio_end_ms":900}`,
			want: SpeechStopped{ItemID: "item_1", AudioEndMs: 900},
		},
		{
			name: "transcription delta",
			in:   `{"type":"conversation.item.input_audio_transcription.delta","item_id":"item_1","delta":"hel"}`,
			want: TranscriptionDelta{ItemID: "item_1", Delta: "hel"},
		},
		{
			name: "transcription completed",
			in:   `{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"hello"}`,
			want: TranscriptionCompleted{ItemID: "item_1", Transcript: "hello"},
		},
		{
			name: "transcription failed",
			in:   `{"type":"conversation.item.input_audio_transcription.failed","item_id":"item_1","error":{"code":"audio_unintelligible","message":"could not transcribe"}}`,
			want: TranscriptionFailed{ItemID: "item_1", Code: "audio_unintelligible", Message: "could not transcribe"},
		},
		{
			name: "response created",
			in:   `{"type":"response.created","response":{"id":"resp_1","status":"in_progress"}}`,
			want: ResponseCreated{ResponseID: "resp_1"},
		},
		{
			name: "agent response created",
			in:   `{"type":"response.created","response":{"id":"resp_2","status":"in_progress","metadata":{"origin":"agent"}}}`,
			want: ResponseCreated{ResponseID: "resp_2", Origin: OriginAgent},
		},
		{
			name: "output text delta",
			in:   `{"type":"response.output_text.delta","response_id":"resp_1","item_id":"item_9","delta":"Hola"}`,
			want: OutputTextDelta{ResponseID: "resp_1", ItemID: "item_9", Delta: "Hola"},
		},
		{
			name: "beta text delta",
			in:   `{"type":"response.text.delta","response_id":"resp_1","delta":"Hola"}`,
			want: OutputTextDelta{ResponseID: "resp_1", Delta: "Hola"},
		},
		{
			name: "output text done",
			in:   `{"type":"response.output_text.done","response_id":"resp_1","text":"Hola amigo"}`,
			want: OutputTextDone{ResponseID: "resp_1", Text: "Hola amigo"},
		},
		{
			name: "beta text done",
			in:   `{"type":"response.text.done","response_id":"resp_1","text":"Hola"}`,
			want: OutputTextDone{ResponseID: "resp_1", Text: "Hola"},
		},
		{
			name: "response done",
			in:   `{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`,
			want: ResponseDone{ResponseID: "resp_1", Status: "completed"},
		},
		{
			name: "agent response done",
			in:   `{"type":"response.done","response":{"id":"resp_2","status":"completed","metadata":{"origin":"agent"}}}`,
			want: ResponseDone{ResponseID: "resp_2", Status: "completed", Origin: OriginAgent},
		},
		{
			name: "response failed",
			in:   `{"type":"response.done","response":{"id":"resp_1","status":"failed","status_details":{"type":"failed","error":{"type":"server_error","message":"upstream failed"}}}}`,
			want: ResponseDone{ResponseID: "resp_1", Status: "failed", Reason: "upstream failed"},
		},
		{
			name: "error",
			in:   `{"type":"error","error":{"type":"invalid_request_error","code":"rate_limit_exceeded","message":"slow down","event_id":"evt_1"}}`,
			want: ErrorEvent{Code: "rate_limit_exceeded", Kind: "invalid_request_error", Message: "slow down", EventID: "evt_1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeUnknown(t *testing.T) {
	in := `{"type":"rate_limits.updated","rate_limits":[]}`
	got, err := Decode([]byte(in))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	u, ok := got.(Unknown)
	if !ok {
		t.Fatalf("Decode() = %T, want Unknown", got)
	}
	if u.Type() != "rate_limits.updated" || string(u.Raw) != in {
		t.Errorf("Unknown = %+v", u)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `{"type":`},
		{"no type", `{"item_id":"x"}`},
		{"speech started without item", `{"type":"input_audio_buffer.speech_started"}`},
		{"delta without item", `{"type":"conversation.item.input_audio_transcription.delta","delta":"x"}`},
		{"response created without id", `{"type":"response.created","response":{}}`},
		{"text delta without response", `{"type":"response.output_text.delta","delta":"x"}`},
		{"response done without response", `{"type":"response.done"}`},
		{"error without payload", `{"type":"error"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestErrorEventMessage(t *testing.T) {
	tests := []struct {
		ev   ErrorEvent
		want string
	}{
		{ErrorEvent{Code: "server_error", Message: "boom"}, "realtime: server_error: boom"},
		{ErrorEvent{Kind: "invalid_request_error", Message: "bad"}, "realtime: invalid_request_error: bad"},
		{ErrorEvent{Message: "plain"}, "realtime: plain"},
	}
	for _, tt := range tests {
		if got := tt.ev.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
