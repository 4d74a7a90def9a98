package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, InfoLevel).Named("test")
	l.Debug("hidden")
	l.Info("visible", String("car", "Mazda MX-5"), Int("lap", 3))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "test", entry["logger"])
	assert.Equal(t, "Mazda MX-5", entry["car"])
	assert.InDelta(t, 3, entry["lap"], 0)
}

func TestLogger_SetLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, InfoLevel)
	child := l.Named("child")
	l.SetLevel(DebugLevel)
	child.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
	assert.Equal(t, DebugLevel, child.Level())
}

func TestWithFilter(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, DebugLevel, WithFilter("warn:noisy info:other"))
	l.Named("noisy").Info("dropped")
	l.Named("noisy").Warn("kept")
	l.Named("other").Info("kept too")
	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "\"kept\"")
	assert.Contains(t, out, "kept too")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: DebugLevel},
		{in: "warn", want: WarnLevel},
		{in: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
