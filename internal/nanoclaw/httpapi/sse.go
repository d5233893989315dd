package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter formats router.Event values as standard SSE frames
// (`event: <name>\ndata: <json>\n\n`) and flushes after each write.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("httpapi: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

type sseMessageData struct {
	Text string `json:"text"`
}

type sseErrorData struct {
	Error string `json:"error"`
}

type sseDoneData struct {
	SessionID *string `json:"sessionId"`
}

func (s *sseWriter) writeMessage(text string) error {
	return s.frame("message", sseMessageData{Text: text})
}

func (s *sseWriter) writeError(errText string) error {
	return s.frame("error", sseErrorData{Error: errText})
}

func (s *sseWriter) writeDone(sessionID *string) error {
	return s.frame("done", sseDoneData{SessionID: sessionID})
}

func (s *sseWriter) frame(event string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode sse frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, encoded); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
