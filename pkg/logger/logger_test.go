package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsBadInput(t *testing.T) {
	_, err := Init("loud", "json")
	assert.Error(t, err)

	_, err = Init("info", "xml")
	assert.Error(t, err)
}

func TestInitInstallsGlobal(t *testing.T) {
	l, err := Init("debug", "console")
	require.NoError(t, err)
	assert.Same(t, l, L())

	nop := InitNop()
	assert.Same(t, nop, L())
	assert.NotNil(t, Named("scheduler"))
	Sync()
}
