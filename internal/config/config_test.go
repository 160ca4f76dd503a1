package config

import (
	"testing"

	"github.com/dkeye/Meet/internal/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTCConfigEngine(t *testing.T) {
	c := RTCConfig{
		ListenIP: "0.0.0.0",
		MinPort:  10000,
		MaxPort:  10100,
		Codecs: []CodecConfig{{
			Kind:         "video",
			MimeType:     "video/VP8",
			PayloadType:  96,
			ClockRate:    90000,
			RtcpFeedback: []string{"nack", "nack pli", "ccm fir"},
		}},
	}
	got := c.Engine()

	assert.Equal(t, uint16(10000), got.MinPort)
	require.Len(t, got.Codecs, 1)
	assert.Equal(t, uint8(96), got.Codecs[0].PreferredPayloadType)
	assert.Equal(t, []media.RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
	}, got.Codecs[0].RtcpFeedback)
	assert.False(t, got.Lite)
}

func TestRTCConfigEngineWithoutCodecs(t *testing.T) {
	got := RTCConfig{}.Engine()
	assert.Empty(t, got.Codecs)
	assert.Len(t, got.Capabilities().Codecs, 2)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, (&Config{LogLevel: "debug"}).Level())
	assert.Equal(t, zerolog.InfoLevel, (&Config{}).Level())
	assert.Equal(t, zerolog.InfoLevel, (&Config{LogLevel: "loud"}).Level())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "does-not-exist")
	t.Setenv("MEET_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, uint16(10000), cfg.RTC.MinPort)
	assert.Equal(t, 5, cfg.RoomCreateLimit)
	assert.Equal(t, int64(1<<20), cfg.ReadLimit)
}
