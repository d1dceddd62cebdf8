// Package sse encodes and decodes the server-sent events wire format used by
// the session stream.
//
// A frame is a run of "field: value" lines terminated by a blank line. The
// event field defaults to "message", data lines are joined with "\n", and
// lines starting with ":" are comments.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultEvent is the event name of a frame without an event field.
const DefaultEvent = "message"

// Frame is one dispatched event.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// Encode writes f to w in wire format.
func Encode(w io.Writer, f Frame) error {
	var buf bytes.Buffer
	if f.ID != "" {
		if strings.ContainsAny(f.ID, "\r\n") {
			return fmt.Errorf("frame id contains a newline")
		}
		fmt.Fprintf(&buf, "id: %s\n", f.ID)
	}
	if f.Event != "" && f.Event != DefaultEvent {
		if strings.ContainsAny(f.Event, "\r\n") {
			return fmt.Errorf("event name contains a newline")
		}
		fmt.Fprintf(&buf, "event: %s\n", f.Event)
	}
	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// Comment writes a comment line, used as a keep-alive that carries no frame.
func Comment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", strings.ReplaceAll(text, "\n", " "))
	return err
}

// Decoder reassembles frames from a byte stream that may arrive in
// arbitrary fragments.
type Decoder struct {
	r *bufio.Reader

	// pending frame state
	id      string
	event   string
	data    bytes.Buffer
	hasData bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next complete frame. A frame cut off by the end of the
// stream is discarded and io.EOF returned.
func (d *Decoder) Next() (Frame, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.reset()
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		if line == "" {
			if !d.hasData {
				d.reset()
				continue
			}
			f := Frame{ID: d.id, Event: d.event, Data: append([]byte(nil), d.data.Bytes()...)}
			if f.Event == "" {
				f.Event = DefaultEvent
			}
			d.reset()
			return f, nil
		}
		d.field(line)
	}
}

func (d *Decoder) field(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch name {
	case "event":
		d.event = value
	case "data":
		if d.hasData {
			d.data.WriteByte('\n')
		}
		d.data.WriteString(value)
		d.hasData = true
	case "id":
		d.id = value
	}
}

func (d *Decoder) reset() {
	d.id = ""
	d.event = ""
	d.data.Reset()
	d.hasData = false
}
