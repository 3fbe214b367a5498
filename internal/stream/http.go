package stream

import (
	"errors"
	"net/http"
	"time"
)

// responseSink adapts an http.ResponseWriter. Every write is flushed so the
// deadline covers the transport and not just the server's buffer.
type responseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// ResponseSink wraps w as a Sink.
func ResponseSink(w http.ResponseWriter) Sink {
	return &responseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *responseSink) Write(b []byte) (int, error) {
	n, err := s.w.Write(b)
	if err != nil {
		return n, err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

func (s *responseSink) SetWriteDeadline(t time.Time) error {
	if err := s.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
