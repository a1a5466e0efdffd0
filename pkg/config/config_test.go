package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaultsWithoutFile(t *testing.T) {
	r, err := Resolve(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, r.RegisterTimeout)
	assert.Equal(t, 1000, r.MaxDrawCount)
	assert.Equal(t, 5, r.BufferCount)
	assert.False(t, r.FPSCounter)
	assert.Equal(t, 5*time.Second, r.FPSSamplePeriod)
	assert.Empty(t, r.MetricsAddr)
	assert.Equal(t, "info", r.Logging.Level)
	assert.Equal(t, "console", r.Logging.Encoding)
}

func TestResolveReadsFile(t *testing.T) {
	dir := t.TempDir()
	doc := `
coordinator:
  register_timeout: 250ms
canvas:
  max_draw_count: 64
  buffer_count: 3
diagnostics:
  fps_counter: true
  fps_sample_period: 2s
  metrics_addr: " 127.0.0.1:9090 "
logging:
  level: debug
  encoding: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0o644))

	r, err := Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), r.Path)
	assert.Equal(t, 250*time.Millisecond, r.RegisterTimeout)
	assert.Equal(t, 64, r.MaxDrawCount)
	assert.Equal(t, 3, r.BufferCount)
	assert.True(t, r.FPSCounter)
	assert.Equal(t, 2*time.Second, r.FPSSamplePeriod)
	assert.Equal(t, "127.0.0.1:9090", r.MetricsAddr)
	assert.Equal(t, "debug", r.Logging.Level)
	assert.Equal(t, "json", r.Logging.Encoding)
}

func TestResolveRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"negative timeout", "coordinator: {register_timeout: -1s}", "register_timeout"},
		{"draw count", "canvas: {max_draw_count: -3}", "max_draw_count"},
		{"buffer count low", "canvas: {buffer_count: 1}", "buffer_count"},
		{"buffer count high", "canvas: {buffer_count: 17}", "buffer_count"},
		{"sample period", "diagnostics: {fps_sample_period: 100ms}", "fps_sample_period"},
		{"encoding", "logging: {encoding: xml}", "encoding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			_, err = cfg.Resolve()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("coordinator: {register_timeout: soon}"))
	assert.Error(t, err)

	_, err = Parse([]byte("canvas: ["))
	assert.Error(t, err)
}

func TestDurationAcceptsNanoseconds(t *testing.T) {
	cfg, err := Parse([]byte("coordinator: {register_timeout: 1000000}"))
	require.NoError(t, err)
	assert.Equal(t, Duration(time.Millisecond), cfg.Coordinator.RegisterTimeout)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte("canvas: {buffer_count: 4}"))
	require.NoError(t, err)
	r, err := cfg.Resolve()
	require.NoError(t, err)

	data, err := r.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "register_timeout: 500ms")

	again, err := Parse(data)
	require.NoError(t, err)
	r2, err := again.Resolve()
	require.NoError(t, err)
	r2.Path = r.Path
	assert.Equal(t, r, r2)
}
