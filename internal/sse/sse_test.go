package sse

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, r io.Reader) []Frame {
	t.Helper()
	d := NewDecoder(r)
	var frames []Frame
	for {
		f, err := d.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Frame
	}{
		{
			name:  "event and data",
			input: "event: stage_started\ndata: {\"stage\":\"intake\"}\n\n",
			want:  []Frame{{Event: "stage_started", Data: []byte(`{"stage":"intake"}`)}},
		},
		{
			name:  "default event name",
			input: "data: hi\n\n",
			want:  []Frame{{Event: "message", Data: []byte("hi")}},
		},
		{
			name:  "multi-line data joined with newline",
			input: "data: one\ndata: two\ndata:three\n\n",
			want:  []Frame{{Event: "message", Data: []byte("one\ntwo\nthree")}},
		},
		{
			name:  "comments ignored",
			input: ": keep-alive\n\n: another\nid: 7\ndata: x\n\n",
			want:  []Frame{{ID: "7", Event: "message", Data: []byte("x")}},
		},
		{
			name:  "crlf line endings",
			input: "id: 1\r\nevent: heartbeat\r\ndata: {}\r\n\r\n",
			want:  []Frame{{ID: "1", Event: "heartbeat", Data: []byte("{}")}},
		},
		{
			name:  "truncated frame dropped",
			input: "data: complete\n\ndata: partial",
			want:  []Frame{{Event: "message", Data: []byte("complete")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeAll(t, strings.NewReader(tt.input)))
		})
	}
}

func TestDecoderReassemblesFragments(t *testing.T) {
	input := "id: 1\nevent: text_delta\ndata: {\"text\":\"hel\"}\n\nid: 2\nevent: text_delta\ndata: {\"text\":\"lo\"}\n\n"
	frames := decodeAll(t, iotest.OneByteReader(strings.NewReader(input)))
	require.Len(t, frames, 2)
	assert.Equal(t, "2", frames[1].ID)
	assert.Equal(t, `{"text":"lo"}`, string(frames[1].Data))
}

func TestEncodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := []Frame{
		{ID: "1", Event: "gate_requested", Data: []byte(`{"gate":"profile_confirm"}`)},
		{ID: "2", Event: "message", Data: []byte("line one\nline two")},
	}
	for _, f := range in {
		require.NoError(t, Encode(&buf, f))
	}
	require.NoError(t, Comment(&buf, "ping"))

	assert.Equal(t, in, decodeAll(t, &buf))
}

func TestEncodeRejectsNewlineInID(t *testing.T) {
	assert.Error(t, Encode(io.Discard, Frame{ID: "1\n2", Data: []byte("x")}))
}
