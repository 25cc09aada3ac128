// Package sse renders and writes Server-Sent Events frames.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Event names emitted on chat streams.
const (
	EventStart         = "start"
	EventTitle         = "title"
	EventText          = "text"
	EventToolCall      = "tool-call"
	EventToolResult    = "tool-result"
	EventData          = "data"
	EventAppendMessage = "append-message"
	EventError         = "error"
	EventFinish        = "finish"
)

var ErrStreamingUnsupported = errors.New("streaming not supported")

// Encode renders one frame. Strings are written as-is, other payloads as JSON.
func Encode(event string, payload interface{}) ([]byte, error) {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// Writer streams frames to an http.ResponseWriter.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response headers for an event stream.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteFrame writes a pre-rendered frame and flushes it.
func (w *Writer) WriteFrame(frame []byte) error {
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Send encodes and writes an event.
func (w *Writer) Send(event string, payload interface{}) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	return w.WriteFrame(frame)
}

// Frame is a decoded event, used by clients and tests.
type Frame struct {
	Event string
	Data  string
}

// Parse splits a raw event stream body into frames.
func Parse(body string) []Frame {
	var frames []Frame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var f Frame
		var data []string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = append(data, strings.TrimPrefix(line, "data: "))
			}
		}
		f.Data = strings.Join(data, "\n")
		frames = append(frames, f)
	}
	return frames
}
