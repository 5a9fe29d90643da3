package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fathomlabs/relay/internal/logger"
	"github.com/fathomlabs/relay/internal/stream"
)

// sseSink adapts an http.ResponseWriter into a stream.Sink. Each frame
// becomes one SSE data line, flushed immediately.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Send(frame *stream.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sendDone writes the sentinel line ending every SSE response,
// regardless of why the connection closed
func (s *sseSink) sendDone() {
	_, _ = fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Resolve the execution before committing to SSE so unknown ids get
	// a plain JSON 404 instead of a broken event stream
	exec, err := s.manager.Registry().Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	var cursor int64
	if raw := r.URL.Query().Get("last_event_timestamp"); raw != "" {
		cursor, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			writeError(w, http.StatusBadRequest, "invalid last_event_timestamp")
			return
		}
	}

	sink, err := newSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sink.flusher.Flush()

	// Finished executions are left to the retention sweep: a client that
	// drops right at the terminal frame can still re-attach and see it
	session := stream.NewSession(exec, sink, cursor, s.tick, s.window)
	reason := session.Run(r.Context())
	sink.sendDone()

	logger.Info("Stream closed: execution %s (%s, cursor %d)", exec.ID(), reason, session.Cursor())
}
