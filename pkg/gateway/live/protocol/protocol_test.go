package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClientMessageControls(t *testing.T) {
	tests := []struct {
		name string
		data string
		want any
	}{
		{name: "pause", data: `{"type":"pause"}`, want: ClientPause{Type: "pause"}},
		{name: "resume", data: `{"type":"resume"}`, want: ClientResume{Type: "resume"}},
		{name: "close", data: `{"type":"close","reason":"done"}`, want: ClientClose{Type: "close", Reason: "done"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientMessage([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeClientMessage: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeClientMessageRejections(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantParam string
	}{
		{name: "not json", data: `pcm-bytes`, wantParam: ""},
		{name: "missing type", data: `{"reason":"x"}`, wantParam: "type"},
		{name: "unknown type", data: `{"type":"hello"}`, wantParam: "type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tt.data))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error = %v, want DecodeError", err)
			}
			if de.Code != "bad_request" {
				t.Fatalf("code = %q, want bad_request", de.Code)
			}
			if de.Param != tt.wantParam {
				t.Fatalf("param = %q, want %q", de.Param, tt.wantParam)
			}
		})
	}
}

func TestServerMessagesCarryTypeTag(t *testing.T) {
	msgs := []struct {
		v        any
		wantType string
	}{
		{NewServerReady("s1", AudioFormat{Encoding: "pcm_s16le", SampleRateHz: 16000, Channels: 1}, AudioFormat{Encoding: "pcm_s16le", SampleRateHz: 24000, Channels: 1}, nil), "ready"},
		{NewServerTranscript("u1", "hello", false, 120), "transcript"},
		{NewServerAudioChunk("c1", 3, "QUJD", false), "audio_chunk"},
		{NewServerBudgetWarning("audio_minutes", 48, 60), "budget_warning"},
		{NewServerSessionPaused("budget_exceeded"), "session_paused"},
		{NewServerError("bad_request", "nope", "type", true), "error"},
	}

	for _, m := range msgs {
		data, err := json.Marshal(m.v)
		if err != nil {
			t.Fatalf("marshal %T: %v", m.v, err)
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("unmarshal %T: %v", m.v, err)
		}
		if envelope.Type != m.wantType {
			t.Fatalf("%T type = %q, want %q", m.v, envelope.Type, m.wantType)
		}
	}
}

func TestDecodeErrorMessageFormat(t *testing.T) {
	withParam := &DecodeError{Code: "bad_request", Message: "missing type", Param: "type"}
	if withParam.Error() != "missing type (type)" {
		t.Fatalf("Error() = %q", withParam.Error())
	}
	noParam := &DecodeError{Code: "bad_request", Message: "invalid json frame"}
	if noParam.Error() != "invalid json frame" {
		t.Fatalf("Error() = %q", noParam.Error())
	}
}
