package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestComponentTagsChildLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	child := Component(&base, "scanner")
	child.Info().Msg("tick")
	assert.Contains(t, buf.String(), `"component":"scanner"`)

	buf.Reset()
	base.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "component", "the base logger stays untagged")
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	logger := New("nonsense", "json")
	assert.NotNil(t, logger)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
