package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"info":     zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		" warn ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseLevel(input), "level %q", input)
	}
}

func TestInitHonorsLevel(t *testing.T) {
	Init(Config{Format: "json", Level: "warn", Component: "test"})
	defer Init(Config{Format: "json", Level: "info"})

	assert.False(t, IsLevelEnabled(zerolog.DebugLevel))
	assert.True(t, IsLevelEnabled(zerolog.WarnLevel))
	assert.True(t, IsLevelEnabled(zerolog.ErrorLevel))
}
