package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		spec    string
		want    time.Time
		wantErr bool
	}{
		{spec: "1h", want: now.Add(-time.Hour)},
		{spec: "1h30m", want: now.Add(-90 * time.Minute)},
		{spec: "2026-02-28T09:00:00Z", want: time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)},
		{spec: "", wantErr: true},
		{spec: "-5m", wantErr: true},
		{spec: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := Parse(tt.spec, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("2h", "1h", now)
	require.NoError(t, err)
	assert.True(t, r.Contains(now.Add(-90*time.Minute)))
	assert.False(t, r.Contains(now.Add(-3*time.Hour)))
	assert.False(t, r.Contains(now))

	_, err = ParseRange("1h", "2h", now)
	assert.ErrorContains(t, err, "since must be before until")

	_, err = ParseRange("soon", "", now)
	assert.ErrorContains(t, err, "invalid since")

	open, err := ParseRange("", "", now)
	require.NoError(t, err)
	assert.True(t, open.IsZero())
	assert.True(t, open.Contains(time.Unix(0, 0)))
}
