// Package stream decodes the generation backend's chunked event stream into
// discrete frames. The wire protocol is newline-delimited SSE: each frame is
// one or more "data: <payload>" lines terminated by a blank line.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

var frameDelim = []byte("\n\n")

// Reader splits an asynchronously delivered byte stream into events. It
// retains an undelimited trailing fragment across reads, so a frame split
// anywhere between two chunks still yields exactly one event.
type Reader struct {
	src     io.Reader
	logger  zerolog.Logger
	pending []byte
	scratch [4096]byte
	eof     bool
}

// NewReader wraps an open stream body.
func NewReader(src io.Reader, logger zerolog.Logger) *Reader {
	return &Reader{src: src, logger: logger}
}

// Next returns the next decoded event in strict arrival order. It returns
// io.EOF once the stream is exhausted, ctx.Err() when cancelled, and a
// *domain.TransportError on connection failure. Malformed frames never
// abort the stream; they come back as generic message events.
func (r *Reader) Next(ctx context.Context) (*domain.RawEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for {
			idx := bytes.Index(r.pending, frameDelim)
			if idx < 0 {
				break
			}
			frame := r.pending[:idx]
			r.pending = r.pending[idx+len(frameDelim):]
			if ev, ok := decodeFrame(frame); ok {
				return ev, nil
			}
		}

		if r.eof {
			if rest := bytes.TrimSpace(r.pending); len(rest) > 0 {
				r.logger.Warn().
					Int("bytes", len(rest)).
					Msg("stream: discarding truncated trailing fragment")
			}
			r.pending = nil
			return nil, io.EOF
		}

		n, err := r.src.Read(r.scratch[:])
		if n > 0 {
			r.pending = append(r.pending, r.scratch[:n]...)
		}
		switch {
		case err == nil:
		case err == io.EOF:
			// Flush any complete frame still buffered before reporting EOF.
			r.eof = true
		default:
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, &domain.TransportError{Op: "read stream", Err: err}
		}
	}
}

// decodeFrame extracts the payload of one complete frame. The second return
// is false when the frame carries nothing worth emitting.
func decodeFrame(frame []byte) (*domain.RawEvent, bool) {
	var payload strings.Builder
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		rest, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		if payload.Len() > 0 {
			payload.WriteByte('\n')
		}
		payload.Write(bytes.TrimPrefix(rest, []byte(" ")))
	}

	text := strings.TrimSpace(payload.String())
	switch text {
	case "", "null", `""`, "''":
		return nil, false
	}

	var ev domain.RawEvent
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		// Non-parseable payloads still reach the consumer as plain messages.
		return &domain.RawEvent{Type: domain.EventMessage, Message: text}, true
	}
	if ev.Type == "" {
		ev.Type = domain.EventMessage
	}
	return &ev, true
}
