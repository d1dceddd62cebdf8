package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrder(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantErr string
	}{
		{name: "default order", input: []string{"intake", "research", "gap-analysis"}},
		{name: "empty list", input: nil, wantErr: "cannot be empty"},
		{name: "empty name", input: []string{"intake", ""}, wantErr: "empty name"},
		{name: "reserved", input: []string{"intake", "complete"}, wantErr: "reserved"},
		{name: "duplicate", input: []string{"intake", "intake"}, wantErr: "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := ParseOrder(tt.input)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, order, len(tt.input))
		})
	}
}

func TestResultValidate(t *testing.T) {
	ok, err := Done("brief", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.NoError(t, ok.Validate())

	paused, err := AskGate("profile_confirm", map[string]bool{"found": true})
	require.NoError(t, err)
	assert.NoError(t, paused.Validate())

	assert.Equal(t, KindValidation, Classify(Result{}.Validate()))
	assert.Equal(t, KindValidation, Classify(Result{Pause: &Pause{}}.Validate()))
	assert.Equal(t, KindValidation, Classify(Result{Output: []byte("{")}.Validate()))
}

func TestClassify(t *testing.T) {
	cause := errors.New("upstream 503")

	assert.Equal(t, Kind(""), Classify(nil))
	assert.Equal(t, KindTransient, Classify(Transient(cause, time.Second)))
	assert.Equal(t, KindTransient, Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindFatal, Classify(cause))
	assert.Equal(t, KindFatal, Classify(context.Canceled))
	assert.Equal(t, KindTransport, Classify(Transport(cause)))

	wrapped := fmt.Errorf("research: %w", Transient(cause, 3*time.Second))
	assert.Equal(t, 3*time.Second, RetryHint(wrapped))
	assert.ErrorIs(t, wrapped, cause)
}

func TestGuideNeverLeaksCause(t *testing.T) {
	for _, k := range []Kind{KindTransient, KindValidation, KindFatal, KindTransport} {
		g := Guide(k)
		assert.NotEmpty(t, g.Message)
		assert.NotEmpty(t, g.Action)
		assert.NotContains(t, g.Message, "503")
	}
}

func TestInputHelpers(t *testing.T) {
	var got []string
	in := Input{
		GateResponses: map[string]json.RawMessage{"G": json.RawMessage(`1`)},
		Progress:      func(text string) { got = append(got, text) },
	}
	r, ok := in.Response("G")
	assert.True(t, ok)
	assert.Equal(t, "1", string(r))

	in.Report("hello")
	assert.Equal(t, []string{"hello"}, got)

	Input{}.Report("ignored")
}
