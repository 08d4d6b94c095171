// Package stream decodes the chunked answer body of a chat submission into
// ordered start/append/complete events.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// EventKind tells handlers where in the answer an event falls.
type EventKind int

const (
	// Start carries the first non-empty delta.
	Start EventKind = iota + 1
	// Append carries every later non-empty delta.
	Append
	// Complete marks the done record. Nothing follows it.
	Complete
)

func (k EventKind) String() string {
	switch k {
	case Start:
		return "start"
	case Append:
		return "append"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Event is one decoded step of the answer.
type Event struct {
	Kind  EventKind
	Delta string
}

// Handler receives events in arrival order. Returning an error aborts decoding.
type Handler func(Event) error

// ErrIncomplete reports a body that ended before the done record.
var ErrIncomplete = errors.New("stream ended before done")

// Error aborts an answer. Op is one of "read", "decode" or "handle".
type Error struct {
	Op     string
	Record string
	Err    error
}

func (e *Error) Error() string {
	if e.Record != "" {
		return fmt.Sprintf("stream %s %q: %v", e.Op, e.Record, e.Err)
	}
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var dataMarker = []byte("data:")

const maxRecordEcho = 64

type record struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// Decode reads body until the done record, EOF or cancellation of ctx.
// Bytes are decoded with a stateful UTF-8 decoder and lines are reassembled
// across reads, so records and characters split over chunk boundaries arrive
// intact. If body is an io.Closer it is closed when ctx is cancelled to
// unblock a pending read; the caller still owns the normal Close.
func Decode(ctx context.Context, body io.Reader, handle Handler) error {
	if closer, ok := body.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { closer.Close() })
		defer stop()
	}
	reader := bufio.NewReader(transform.NewReader(body, unicode.UTF8.NewDecoder()))
	started := false

	for {
		if err := ctx.Err(); err != nil {
			return &Error{Op: "read", Err: err}
		}
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			done, err := dispatch(line, &started, handle)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &Error{Op: "read", Err: ctxErr}
			}
			if errors.Is(readErr, io.EOF) {
				return &Error{Op: "read", Err: ErrIncomplete}
			}
			return &Error{Op: "read", Err: readErr}
		}
	}
}

// Collect decodes body and returns the concatenated answer.
func Collect(ctx context.Context, body io.Reader) (string, error) {
	var out bytes.Buffer
	err := Decode(ctx, body, func(ev Event) error {
		out.WriteString(ev.Delta)
		return nil
	})
	return out.String(), err
}

func dispatch(line []byte, started *bool, handle Handler) (bool, error) {
	line = bytes.TrimRight(line, "\r\n")
	payload, ok := bytes.CutPrefix(line, dataMarker)
	if !ok {
		// blank separators, ":" comments, event: and id: lines
		return false, nil
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return false, nil
	}
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return false, &Error{Op: "decode", Record: echo(payload), Err: err}
	}
	if rec.Content != "" {
		kind := Append
		if !*started {
			kind = Start
			*started = true
		}
		if err := handle(Event{Kind: kind, Delta: rec.Content}); err != nil {
			return false, &Error{Op: "handle", Err: err}
		}
	}
	if rec.Done {
		if err := handle(Event{Kind: Complete}); err != nil {
			return false, &Error{Op: "handle", Err: err}
		}
		return true, nil
	}
	return false, nil
}

func echo(payload []byte) string {
	if len(payload) <= maxRecordEcho {
		return string(payload)
	}
	return string(bytes.ToValidUTF8(payload[:maxRecordEcho], nil)) + "..."
}
