package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestCommands(t *testing.T) {
	t.Run("event ids", func(t *testing.T) {
		a, b := CancelResponse(), CancelResponse()
		id, _ := a["event_id"].(string)
		if !strings.HasPrefix(id, "evt_") || len(id) != len("evt_")+12 {
			t.Errorf("event_id = %q", id)
		}
		if a["event_id"] == b["event_id"] {
			t.Error("event ids repeat")
		}
	})

	t.Run("append audio", func(t *testing.T) {
		c := AppendAudio([]byte{1, 2, 3})
		if c["type"] != TypeInputAudioAppend || c["audio"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
			t.Errorf("AppendAudio = %v", c)
		}
	})

	t.Run("create item roles", func(t *testing.T) {
		for role, want := range map[string]string{"user": "input_text", "system": "input_text", "assistant": "output_text"} {
			raw, _ := json.Marshal(CreateItem(role, "hi"))
			if !strings.Contains(string(raw), `"type":"`+want+`"`) {
				t.Errorf("CreateItem(%s) = %s", role, raw)
			}
		}
	})

	t.Run("create response", func(t *testing.T) {
		if _, ok := CreateResponse("")["response"]; ok {
			t.Error("empty instructions should omit response")
		}
		if _, ok := CreateResponse("say hello")["response"]; !ok {
			t.Error("instructions dropped")
		}
	})

	t.Run("create agent response", func(t *testing.T) {
		raw, _ := json.Marshal(CreateAgentResponse(""))
		if !strings.Contains(string(raw), `"metadata":{"origin":"agent"}`) {
			t.Errorf("CreateAgentResponse = %s, want origin metadata", raw)
		}
		if strings.Contains(string(raw), "instructions") {
			t.Errorf("CreateAgentResponse = %s, want no instructions", raw)
		}
	})
}

var upgrader = websocket.Upgrader{}

func TestClientRoundTrip(t *testing.T) {
	received := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("model") != "test-model" {
			http.Error(w, "bad model", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, msg := range []string{
			`{"type":"input_audio_buffer.speech_started","item_id":"item_1"}`,
			`{"type":"garbage"`,
			`{"type":"response.created","response":{"id":"resp_1"}}`,
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			received <- m
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(ctx, Config{URL: wsURL, Model: "test-model", APIKey: "sk-test"}, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-c.Events():
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", got)
		}
	}
	if _, ok := got[0].(SpeechStarted); !ok {
		t.Errorf("first event = %T", got[0])
	}
	if rc, ok := got[1].(ResponseCreated); !ok || rc.ResponseID != "resp_1" {
		t.Errorf("second event = %#v (malformed message must be skipped)", got[1])
	}

	if err := c.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse() error = %v", err)
	}
	select {
	case m := <-received:
		if m["type"] != TypeResponseCancel {
			t.Errorf("server got %v", m)
		}
	case <-ctx.Done():
		t.Fatal("server never received command")
	}

	if err := c.Close(); err != nil {
		t.Logf("Close() error = %v", err)
	}
	if err := c.CancelResponse(); err != ErrClosed {
		t.Errorf("send after close = %v, want ErrClosed", err)
	}
	if _, ok := <-c.Events(); ok {
		t.Error("events channel still open after Close")
	}
}

func TestDialSendsSessionUpdate(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var m map[string]any
		if err := conn.ReadJSON(&m); err == nil {
			received <- m
		}
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Session: SessionConfig{TranscriptionModel: "whisper-1", Instructions: "Translate to Spanish."},
	}, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	select {
	case m := <-received:
		if m["type"] != TypeSessionUpdate {
			t.Errorf("first command = %v", m["type"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no session.update")
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("Dial() error = %v, want status 403", err)
	}
}
