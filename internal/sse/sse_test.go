package sse

import (
	"net/http/httptest"
	"testing"
)

func TestEncodeJSONAndString(t *testing.T) {
	frame, err := Encode(EventText, map[string]string{"delta": "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(frame) != "event: text\ndata: {\"delta\":\"hi\"}\n\n" {
		t.Fatalf("unexpected frame %q", frame)
	}
	frame, err = Encode("", "a\nb")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(frame) != "data: a\ndata: b\n\n" {
		t.Fatalf("multiline data not split: %q", frame)
	}
}

func TestWriterAndParse(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Send(EventStart, map[string]string{"messageId": "m1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := w.Send(EventFinish, "{}"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	frames := Parse(rec.Body.String())
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Event != EventStart || frames[0].Data != `{"messageId":"m1"}` {
		t.Fatalf("unexpected first frame %+v", frames[0])
	}
	if frames[1].Event != EventFinish || frames[1].Data != "{}" {
		t.Fatalf("unexpected last frame %+v", frames[1])
	}
}
