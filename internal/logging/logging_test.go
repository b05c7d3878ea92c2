package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	for _, lvl := range []string{"", "debug", "info", "warn", "error"} {
		for _, format := range []string{"", "json", "console"} {
			l, err := New(lvl, format)
			require.NoError(t, err, "level=%q format=%q", lvl, format)
			require.NotNil(t, l)
		}
	}
}

func TestNewRejectsUnknownValues(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
